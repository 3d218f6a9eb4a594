package byond

import (
	"encoding/binary"
	"fmt"

	"github.com/k2io/byondhook/internal/fault"
	"github.com/k2io/byondhook/internal/mem"
	"github.com/k2io/byondhook/internal/offsets"
)

// maxStringLen bounds how much of a single string Text copies.
const maxStringLen = 4096

// StringTable is the string table as of the moment it was taken.
type StringTable struct {
	r    *Reflection
	base uintptr
	len  uint32
}

// Len is the number of records.
func (t StringTable) Len() uint32 { return t.len }

// At returns the record stored at index.
func (t StringTable) At(index uint32) (StringRecord, error) {
	if index >= t.len {
		return StringRecord{}, notFound("strings", index)
	}
	return t.load(t.base + uintptr(index)*stringRecordSize)
}

// contains reports whether p points at the start of a record of the table.
func (t StringTable) contains(p uintptr) bool {
	if p < t.base || p >= t.base+uintptr(t.len)*stringRecordSize {
		return false
	}
	return (p-t.base)%stringRecordSize == 0
}

func (t StringTable) load(addr uintptr) (StringRecord, error) {
	var b [stringRecordSize]byte
	if err := t.r.m.Read(addr, b[:]); err != nil {
		return StringRecord{}, fault.Wrap(fault.Bounds, "strings", err)
	}
	le := binary.LittleEndian
	return StringRecord{
		m:        t.r.m,
		Addr:     addr,
		Data:     uintptr(le.Uint32(b[0:])),
		ID:       le.Uint32(b[4:]),
		Left:     uintptr(le.Uint32(b[8:])),
		Right:    uintptr(le.Uint32(b[12:])),
		RefCount: le.Uint32(b[16:]),
		Length:   le.Uint32(b[24:]),
	}, nil
}

// Resolve descends the tree rooted at the first record. A child pointer that
// leaves the table, or a descent longer than the table, ends the search.
func (t StringTable) Resolve(id uint32) (StringRecord, error) {
	if t.len == 0 {
		return StringRecord{}, notFound("strings", id)
	}
	addr := t.base
	for steps := uint32(0); steps < t.len; steps++ {
		rec, err := t.load(addr)
		if err != nil {
			return StringRecord{}, err
		}
		var next uintptr
		switch {
		case id == rec.ID:
			return rec, nil
		case id < rec.ID:
			next = rec.Left
		default:
			next = rec.Right
		}
		if next == 0 || !t.contains(next) {
			break
		}
		addr = next
	}
	return StringRecord{}, notFound("strings", id)
}

// StringRecord is a view of one interned string. The reference count is
// reported, never touched.
type StringRecord struct {
	m mem.Memory

	Addr     uintptr
	Data     uintptr
	ID       uint32
	Left     uintptr
	Right    uintptr
	RefCount uint32
	Length   uint32
}

// Text copies the string contents out of host memory.
func (s StringRecord) Text() (string, error) {
	n := s.Length
	if n == 0 {
		return "", nil
	}
	if n > maxStringLen {
		n = maxStringLen
	}
	b := make([]byte, n)
	if err := s.m.Read(s.Data, b); err != nil {
		return "", fault.Wrap(fault.Bounds, "string data", err)
	}
	return string(b), nil
}

// ProcDefinition is a view of one proc definition record.
type ProcDefinition struct {
	Index uint32
	Addr  uintptr

	// string identifiers
	Path     uint32
	Name     uint32
	Desc     uint32
	Category uint32
	Flags    uint32

	// misc table indexes
	Bytecode   uint32
	Locals     uint32
	Parameters uint32
}

func decodeProcDefinition(index uint32, addr uintptr, b []byte, l offsets.ProcDefLayout) ProcDefinition {
	le := binary.LittleEndian
	u32 := func(off uintptr) uint32 { return le.Uint32(b[off:]) }
	return ProcDefinition{
		Index:      index,
		Addr:       addr,
		Path:       u32(l.PathOffset),
		Name:       u32(l.PathOffset + 4),
		Desc:       u32(l.PathOffset + 8),
		Category:   u32(l.PathOffset + 12),
		Flags:      u32(l.PathOffset + 16),
		Bytecode:   u32(l.BytecodeOffset),
		Locals:     u32(l.BytecodeOffset + 4),
		Parameters: u32(l.BytecodeOffset + 8),
	}
}

// Array is one of the length + pointer descriptors of a misc record.
type Array struct {
	Length uint16
	Ptr    uintptr
}

// Misc holds the bytecode, locals and parameter arrays of a proc.
type Misc struct {
	Addr       uintptr
	Bytecode   Array
	Locals     Array
	Parameters Array
}

func decodeMisc(addr uintptr, b []byte) Misc {
	le := binary.LittleEndian
	arr := func(off int) Array {
		return Array{Length: le.Uint16(b[off:]), Ptr: uintptr(le.Uint32(b[off+8:]))}
	}
	return Misc{
		Addr:       addr,
		Bytecode:   arr(0),
		Locals:     arr(arrayDescSize),
		Parameters: arr(2 * arrayDescSize),
	}
}

// Words reads up to n 32-bit words of the array.
func (a Array) Words(m mem.Memory, n int) ([]uint32, error) {
	if n > int(a.Length) {
		n = int(a.Length)
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, 4*n)
	if err := m.Read(a.Ptr, b); err != nil {
		return nil, fault.Wrap(fault.Bounds, "array", err)
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return out, nil
}

func (p ProcDefinition) String() string {
	return fmt.Sprintf("procdef#%d(path=%d name=%d)", p.Index, p.Path, p.Name)
}
