package testutil

import (
	"sort"

	"github.com/k2io/byondhook/internal/offsets"
)

// Fake runtime layout. The library has a code section followed by a data
// section holding the length cells and the tables themselves.
const (
	LibraryBase = uintptr(0x10000000)
	CodeSize    = uintptr(0x8000)
	DataSize    = uintptr(0x78000)
	HeapBase    = uintptr(0x30000000)
	HeapSize    = uintptr(0x100000)

	stringsOff  = 0x10000
	miscsOff    = 0x40000
	procdefsOff = 0x60000

	stringsArea  = LibraryBase + stringsOff
	miscsArea    = LibraryBase + miscsOff
	procdefsArea = LibraryBase + procdefsOff
	dataArea     = HeapBase
	framesArea   = HeapBase + 0xF0000
)

// Prologues of the fake hook targets.
var (
	ExecProcCode   = []byte{0x55, 0x89, 0xe5, 0x83, 0xec, 0x18, 0x8b, 0x45, 0x08, 0xc3}
	ServerTickCode = []byte{0x55, 0x89, 0xe5, 0x56, 0x57, 0x5f, 0x5e, 0x5d, 0xc3}
	SendMapsCode   = []byte{0x55, 0x89, 0xe5, 0x56, 0x57, 0x53, 0x5b, 0x5f, 0x5e, 0x5d, 0xc3}
)

// Offsets returns the layout of the fake runtime for build.
func Offsets(build int32) offsets.BuildOffsets {
	return offsets.BuildOffsets{
		Build:              build,
		Strings:            stringsOff,
		StringsLen:         0x8000,
		Miscs:              miscsOff,
		MiscsLen:           0x8004,
		Procdefs:           procdefsOff,
		ProcdefsLen:        0x8008,
		ProcdefsDescriptor: 0x180024,
		ExecProc:           0x1000,
		ServerTick:         0x2000,
		SendMaps:           0x3000,
		Prologue:           0x060506,
	}
}

type fakeProc struct {
	path, name uint32
	file, line uint32
	debug      bool
}

// Runtime lays out a fake BYOND core library and heap inside a Process.
type Runtime struct {
	Proc    *Process
	Base    uintptr
	Offsets offsets.BuildOffsets

	strings map[uint32]string
	procs   []fakeProc
	frames  uintptr
	next    uintptr
}

// NewRuntime returns an empty runtime of the given build.
func NewRuntime(build int32) *Runtime {
	r := &Runtime{
		Proc:    NewProcess(),
		Base:    LibraryBase,
		Offsets: Offsets(build),
		strings: make(map[uint32]string),
		frames:  framesArea,
		next:    dataArea,
	}
	r.Proc.MapZero(LibraryBase, CodeSize, ProtRX)
	r.Proc.MapZero(LibraryBase+CodeSize, DataSize, ProtRW)
	r.Proc.MapZero(HeapBase, HeapSize, ProtRW)
	r.Proc.Poke(r.Base+uintptr(r.Offsets.ExecProc), ExecProcCode)
	r.Proc.Poke(r.Base+uintptr(r.Offsets.ServerTick), ServerTickCode)
	r.Proc.Poke(r.Base+uintptr(r.Offsets.SendMaps), SendMapsCode)
	return r
}

// Address returns the absolute address of a library offset.
func (r *Runtime) Address(off uint32) uintptr { return r.Base + uintptr(off) }

// AddString interns text under id.
func (r *Runtime) AddString(id uint32, text string) {
	r.strings[id] = text
}

// AddProc adds a proc definition and returns its index. A zero file id
// leaves the bytecode without debug opcodes.
func (r *Runtime) AddProc(path, name, file, line uint32) uint32 {
	r.procs = append(r.procs, fakeProc{path: path, name: name, file: file, line: line, debug: file != 0})
	return uint32(len(r.procs) - 1)
}

// Sync writes the tables and their length cells.
func (r *Runtime) Sync() {
	r.syncStrings()
	r.syncProcs()
}

func (r *Runtime) syncStrings() {
	ids := make([]uint32, 0, len(r.strings))
	for id := range r.strings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// preorder of a balanced tree puts the root at index 0
	var order []uint32
	var build func(lo, hi int)
	build = func(lo, hi int) {
		if lo >= hi {
			return
		}
		mid := (lo + hi) / 2
		order = append(order, ids[mid])
		build(lo, mid)
		build(mid+1, hi)
	}
	build(0, len(ids))

	addr := make(map[uint32]uintptr, len(order))
	for i, id := range order {
		addr[id] = stringsArea + uintptr(i)*28
	}
	var children func(lo, hi int) uintptr
	children = func(lo, hi int) uintptr {
		if lo >= hi {
			return 0
		}
		mid := (lo + hi) / 2
		self := addr[ids[mid]]
		left := children(lo, mid)
		right := children(mid+1, hi)
		r.PutString(self, ids[mid], r.strings[ids[mid]], left, right)
		return self
	}
	children(0, len(ids))
	r.Proc.PokeU32(r.Address(r.Offsets.StringsLen), uint32(len(order)))
}

func (r *Runtime) data(n int) uintptr {
	p := r.next
	r.next += uintptr((n + 3) &^ 3)
	return p
}

// PutString writes a raw string record at addr.
func (r *Runtime) PutString(addr uintptr, id uint32, text string, left, right uintptr) {
	p := r.data(len(text) + 1)
	r.Proc.Poke(p, append([]byte(text), 0))
	r.Proc.PokeU32(addr, uint32(p))
	r.Proc.PokeU32(addr+4, id)
	r.Proc.PokeU32(addr+8, uint32(left))
	r.Proc.PokeU32(addr+12, uint32(right))
	r.Proc.PokeU32(addr+16, 1)
	r.Proc.PokeU32(addr+24, uint32(len(text)))
}

func (r *Runtime) syncProcs() {
	for i, p := range r.procs {
		rec := procdefsArea + uintptr(i)*0x24
		r.Proc.PokeU32(rec+0, p.path)
		r.Proc.PokeU32(rec+4, p.name)
		// bytecode, locals and parameters share the proc's misc record
		r.Proc.PokeU32(rec+0x18, uint32(i))
		r.Proc.PokeU32(rec+0x1c, uint32(i))
		r.Proc.PokeU32(rec+0x20, uint32(i))

		var words []uint32
		if p.debug {
			words = append(words, 0x84, p.file, 0x85, p.line)
		}
		words = append(words, 0x00) // return
		code := r.data(4 * len(words))
		for j, w := range words {
			r.Proc.PokeU32(code+uintptr(4*j), w)
		}
		misc := miscsArea + uintptr(i)*36
		r.Proc.PokeU16(misc, uint16(len(words)))
		r.Proc.PokeU32(misc+8, uint32(code))
	}
	r.SetProcCount(uint32(len(r.procs)))
	r.Proc.PokeU32(r.Address(r.Offsets.MiscsLen), uint32(len(r.procs)))
}

// SetProcCount overwrites the proc definition length cell.
func (r *Runtime) SetProcCount(n uint32) {
	r.Proc.PokeU32(r.Address(r.Offsets.ProcdefsLen), n)
}

// SetStringCount overwrites the string table length cell.
func (r *Runtime) SetStringCount(n uint32) {
	r.Proc.PokeU32(r.Address(r.Offsets.StringsLen), n)
}

// StringsBase is the address of the string table.
func (r *Runtime) StringsBase() uintptr { return stringsArea }

// ProcdefsBase is the address of the proc definition table.
func (r *Runtime) ProcdefsBase() uintptr { return procdefsArea }

// Frame allocates a call frame executing the proc definition at index.
func (r *Runtime) Frame(index uint32) uintptr {
	f := r.frames
	r.frames += 0x40
	r.Proc.PokeU32(f, index)
	return f
}
