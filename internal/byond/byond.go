// Package byond reads the private object model of the BYOND runtime.
//
// Every accessor is a read-only view over host memory addressed by a base
// address and a stride. Nothing here writes to the host or holds references
// the host knows about. Table lengths are read through their length cells on
// every access because the host grows the tables while running.
package byond

import (
	"errors"
	"fmt"

	"github.com/k2io/byondhook/internal/fault"
	"github.com/k2io/byondhook/internal/mem"
	"github.com/k2io/byondhook/internal/offsets"
)

// ErrNotFound means an index or identifier does not resolve in the current table.
var ErrNotFound = errors.New("not found")

// Record sizes of the 32-bit runtime.
const (
	stringRecordSize = 28
	miscRecordSize   = 36
	arrayDescSize    = 12
)

// Reflection holds the tables of one attached runtime.
type Reflection struct {
	m      mem.Memory
	layout offsets.ProcDefLayout

	strings  uintptr
	miscs    uintptr
	procdefs uintptr

	stringsLen  uintptr
	miscsLen    uintptr
	procdefsLen uintptr
}

// New resolves the tables of a runtime whose core library is loaded at base.
// The tables are arrays inside the library image; only their lengths live
// behind cells.
func New(m mem.Memory, base uintptr, o offsets.BuildOffsets) (*Reflection, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &Reflection{
		m:           m,
		layout:      o.Layout(),
		strings:     base + uintptr(o.Strings),
		miscs:       base + uintptr(o.Miscs),
		procdefs:    base + uintptr(o.Procdefs),
		stringsLen:  base + uintptr(o.StringsLen),
		miscsLen:    base + uintptr(o.MiscsLen),
		procdefsLen: base + uintptr(o.ProcdefsLen),
	}, nil
}

func (r *Reflection) count(cell uintptr) (uint32, error) {
	return mem.ReadU32(r.m, cell)
}

func notFound(table string, index uint32) error {
	return fault.Wrap(fault.Bounds, table, fmt.Errorf("index %d: %w", index, ErrNotFound))
}

// StringCount returns the current length of the string table.
func (r *Reflection) StringCount() (uint32, error) { return r.count(r.stringsLen) }

// MiscCount returns the current length of the misc table.
func (r *Reflection) MiscCount() (uint32, error) { return r.count(r.miscsLen) }

// ProcDefinitionCount returns the current length of the proc definition table.
func (r *Reflection) ProcDefinitionCount() (uint32, error) { return r.count(r.procdefsLen) }

// Strings returns a view of the string table sized by its current length.
func (r *Reflection) Strings() (StringTable, error) {
	n, err := r.StringCount()
	if err != nil {
		return StringTable{}, err
	}
	return StringTable{r: r, base: r.strings, len: n}, nil
}

// ProcDefinition returns the proc definition at index.
func (r *Reflection) ProcDefinition(index uint32) (ProcDefinition, error) {
	n, err := r.ProcDefinitionCount()
	if err != nil {
		return ProcDefinition{}, err
	}
	if index >= n {
		return ProcDefinition{}, notFound("procdefs", index)
	}
	addr := r.procdefs + uintptr(index)*r.layout.Size
	buf := make([]byte, r.layout.Size)
	if err := r.m.Read(addr, buf); err != nil {
		return ProcDefinition{}, fault.Wrap(fault.Bounds, "procdefs", err)
	}
	return decodeProcDefinition(index, addr, buf, r.layout), nil
}

// Misc returns the misc record at index.
func (r *Reflection) Misc(index uint32) (Misc, error) {
	n, err := r.MiscCount()
	if err != nil {
		return Misc{}, err
	}
	if index >= n {
		return Misc{}, notFound("miscs", index)
	}
	addr := r.miscs + uintptr(index)*miscRecordSize
	var buf [miscRecordSize]byte
	if err := r.m.Read(addr, buf[:]); err != nil {
		return Misc{}, fault.Wrap(fault.Bounds, "miscs", err)
	}
	return decodeMisc(addr, buf[:]), nil
}

// ResolveString finds the string whose identifier is id by descending the
// binary tree threaded through the string records.
func (r *Reflection) ResolveString(id uint32) (StringRecord, error) {
	t, err := r.Strings()
	if err != nil {
		return StringRecord{}, err
	}
	return t.Resolve(id)
}

// Text resolves id and returns its contents.
func (r *Reflection) Text(id uint32) (string, error) {
	s, err := r.ResolveString(id)
	if err != nil {
		return "", err
	}
	return s.Text()
}
