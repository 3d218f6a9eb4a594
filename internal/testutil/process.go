// Package testutil provides fakes for the process memory and telemetry
// boundaries.
package testutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/k2io/byondhook/internal/mem"
)

// Fake protection flags.
const (
	ProtR uint32 = 1 << iota
	ProtW
	ProtX

	ProtRX  = ProtR | ProtX
	ProtRW  = ProtR | ProtW
	ProtRWX = ProtR | ProtW | ProtX
)

// ErrReadOnly is returned when writing to a page without ProtW.
var ErrReadOnly = errors.New("write to protected page")

type region struct {
	base uintptr
	data []byte
}

// Access is one recorded read or write.
type Access struct {
	Addr uintptr
	Len  int
}

// Process is an in-memory address space implementing mem.Process. It tracks
// protection per page and counts every access made through the interface.
type Process struct {
	mu      sync.Mutex
	regions []*region
	prot    map[uintptr]uint32

	reads  []Access
	writes []Access

	unprotects int
	reprotects int

	// AllocBase is where the next AllocExec region starts.
	AllocBase uintptr
	// FailUnprotect, when set, makes Unprotect fail.
	FailUnprotect error
	// FailUnprotectAfter makes Unprotect fail once it succeeded that many times.
	FailUnprotectAfter int
	// FailReprotect, when set, is consulted for every page Reprotect
	// restores; a page it fails for keeps its current protection.
	FailReprotect func(page uintptr) error
	// FailAlloc, when set, makes AllocExec fail.
	FailAlloc error
}

var _ mem.Process = (*Process)(nil)

// NewProcess returns an empty address space.
func NewProcess() *Process {
	return &Process{prot: make(map[uintptr]uint32), AllocBase: 0x20000000, FailUnprotectAfter: -1}
}

// Map adds a region holding a copy of data, with prot on every page.
func (p *Process) Map(addr uintptr, data []byte, prot uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regions = append(p.regions, &region{base: addr, data: append([]byte(nil), data...)})
	start, count := mem.PageRange(addr, uintptr(len(data)))
	for i := 0; i < count; i++ {
		p.prot[start+uintptr(i)*mem.PageSize] = prot
	}
}

// MapZero adds a zeroed region of size bytes.
func (p *Process) MapZero(addr, size uintptr, prot uint32) {
	p.Map(addr, make([]byte, size), prot)
}

func (p *Process) find(addr uintptr, n int) ([]byte, bool) {
	for _, r := range p.regions {
		if addr >= r.base && addr+uintptr(n) <= r.base+uintptr(len(r.data)) && addr+uintptr(n) >= addr {
			off := addr - r.base
			return r.data[off : off+uintptr(n)], true
		}
	}
	return nil, false
}

func (p *Process) Read(addr uintptr, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads = append(p.reads, Access{addr, len(b)})
	if addr == 0 {
		return mem.ErrNull
	}
	src, ok := p.find(addr, len(b))
	if !ok {
		return fmt.Errorf("read %#x+%d: %w", addr, len(b), mem.ErrFault)
	}
	copy(b, src)
	return nil
}

func (p *Process) Write(addr uintptr, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, Access{addr, len(b)})
	dst, ok := p.find(addr, len(b))
	if !ok {
		return fmt.Errorf("write %#x+%d: %w", addr, len(b), mem.ErrFault)
	}
	start, count := mem.PageRange(addr, uintptr(len(b)))
	for i := 0; i < count; i++ {
		if p.prot[start+uintptr(i)*mem.PageSize]&ProtW == 0 {
			return fmt.Errorf("write %#x+%d: %w", addr, len(b), ErrReadOnly)
		}
	}
	copy(dst, b)
	return nil
}

func (p *Process) Unprotect(addr, size uintptr) (mem.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailUnprotect != nil {
		return mem.Snapshot{}, p.FailUnprotect
	}
	if p.FailUnprotectAfter == 0 {
		return mem.Snapshot{}, errors.New("unprotect denied")
	}
	if p.FailUnprotectAfter > 0 {
		p.FailUnprotectAfter--
	}
	start, count := mem.PageRange(addr, size)
	var snap mem.Snapshot
	for i := 0; i < count; i++ {
		page := start + uintptr(i)*mem.PageSize
		prot, ok := p.prot[page]
		if !ok {
			return mem.Snapshot{}, mem.ErrNotMapped
		}
		snap.Pages = append(snap.Pages, mem.PageProtection{Addr: page, Prot: prot})
	}
	for _, pg := range snap.Pages {
		p.prot[pg.Addr] = ProtRWX
	}
	p.unprotects++
	return snap, nil
}

func (p *Process) Reprotect(_, _ uintptr, snap mem.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reprotects++
	return mem.RestorePages(snap, func(pg mem.PageProtection) error {
		if p.FailReprotect != nil {
			if err := p.FailReprotect(pg.Addr); err != nil {
				return err
			}
		}
		p.prot[pg.Addr] = pg.Prot
		return nil
	})
}

func (p *Process) AllocExec(size uintptr) (uintptr, error) {
	if p.FailAlloc != nil {
		return 0, p.FailAlloc
	}
	_, count := mem.PageRange(0, size)
	length := uintptr(count) * mem.PageSize
	p.mu.Lock()
	addr := p.AllocBase
	p.AllocBase += length
	p.mu.Unlock()
	p.MapZero(addr, length, ProtRX)
	return addr, nil
}

// Bytes returns a copy of n bytes at addr without recording a read.
func (p *Process) Bytes(addr uintptr, n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.find(addr, n)
	if !ok {
		return nil
	}
	return append([]byte(nil), b...)
}

// Poke stores b at addr without recording a write or checking protection.
func (p *Process) Poke(addr uintptr, b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dst, ok := p.find(addr, len(b))
	if !ok {
		panic(fmt.Sprintf("poke %#x+%d: not mapped", addr, len(b)))
	}
	copy(dst, b)
}

// PokeU32 stores a little endian uint32.
func (p *Process) PokeU32(addr uintptr, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.Poke(addr, b[:])
}

// PokeU16 stores a little endian uint16.
func (p *Process) PokeU16(addr uintptr, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	p.Poke(addr, b[:])
}

// Prot returns the protection of the page containing addr.
func (p *Process) Prot(addr uintptr) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prot[addr&^(mem.PageSize-1)]
}

// Writes returns every write made through the interface.
func (p *Process) Writes() []Access {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Access(nil), p.writes...)
}

// Reads returns every read made through the interface.
func (p *Process) Reads() []Access {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Access(nil), p.reads...)
}

// ReadOverlaps reports whether any read touched [addr, addr+n).
func (p *Process) ReadOverlaps(addr uintptr, n int) bool {
	for _, r := range p.Reads() {
		if r.Addr < addr+uintptr(n) && addr < r.Addr+uintptr(r.Len) {
			return true
		}
	}
	return false
}

// ProtectCalls returns how many times Unprotect succeeded and Reprotect ran.
func (p *Process) ProtectCalls() (unprotect, reprotect int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unprotects, p.reprotects
}
