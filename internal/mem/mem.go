// Package mem reads, writes and reprotects memory of the current process.
//
// The interfaces exist so the patcher and the reflection accessors can be
// exercised against a fake process in tests; Self returns the real one.
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/k2io/byondhook/internal/fault"
)

// PtrSize is the pointer width of the host, which is always a 32-bit process.
const PtrSize = 4

var (
	// ErrFault means an access touched unmapped or unreadable memory.
	ErrFault = errors.New("memory fault")
	// ErrNull means an access through a null pointer.
	ErrNull = errors.New("null pointer")
	// ErrNotMapped means no mapping covers a page whose protection was requested.
	ErrNotMapped = errors.New("address not mapped")
)

// PageSize is the page size of the running system.
var PageSize = uintptr(os.Getpagesize())

// Memory copies bytes out of and into the address space.
type Memory interface {
	Read(addr uintptr, p []byte) error
	Write(addr uintptr, p []byte) error
}

// PageProtection is the protection of one page before Unprotect changed it.
// Prot holds the platform's native flags.
type PageProtection struct {
	Addr uintptr
	Prot uint32
}

// Snapshot holds the protection of every page of a range.
type Snapshot struct {
	Pages []PageProtection
}

// Protector makes ranges writable and restores them.
type Protector interface {
	// Unprotect makes every page covering [addr, addr+size) readable,
	// writable and executable and returns the previous protection.
	Unprotect(addr, size uintptr) (Snapshot, error)
	// Reprotect restores the protection captured by Unprotect.
	Reprotect(addr, size uintptr, snap Snapshot) error
}

// Allocator hands out executable memory that is never freed.
type Allocator interface {
	// AllocExec returns a page aligned region of at least size bytes,
	// readable and executable but not writable.
	AllocExec(size uintptr) (uintptr, error)
}

// Process is everything the patcher needs from an address space.
type Process interface {
	Memory
	Protector
	Allocator
}

// WithWritable runs fn while [addr, addr+size) is writable. The previous
// protection is restored on every exit path, including a panic in fn.
func WithWritable(p Protector, addr, size uintptr, fn func() error) (err error) {
	snap, err := p.Unprotect(addr, size)
	if err != nil {
		return fault.Wrapf(fault.OSResource, err, "unprotect %#x+%d", addr, size)
	}
	defer func() {
		if rerr := p.Reprotect(addr, size, snap); rerr != nil && err == nil {
			err = fault.Wrapf(fault.OSResource, rerr, "reprotect %#x+%d", addr, size)
		}
	}()
	return fn()
}

// RestorePages applies set to every page of snap. A page that fails does not
// stop the pages after it; the failures are joined.
func RestorePages(snap Snapshot, set func(PageProtection) error) error {
	var errs []error
	for _, p := range snap.Pages {
		if err := set(p); err != nil {
			errs = append(errs, fmt.Errorf("page %#x: %w", p.Addr, err))
		}
	}
	return errors.Join(errs...)
}

// PageRange returns the first page and the number of pages covering
// [addr, addr+size).
func PageRange(addr, size uintptr) (start uintptr, count int) {
	start = addr &^ (PageSize - 1)
	end := (addr + size + PageSize - 1) &^ (PageSize - 1)
	if size == 0 {
		end = start + PageSize
	}
	return start, int((end - start) / PageSize)
}

// ReadU16 reads a little endian uint16.
func ReadU16(m Memory, addr uintptr) (uint16, error) {
	var b [2]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// ReadU32 reads a little endian uint32.
func ReadU32(m Memory, addr uintptr) (uint32, error) {
	var b [4]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadPtr reads a host pointer.
func ReadPtr(m Memory, addr uintptr) (uintptr, error) {
	v, err := ReadU32(m, addr)
	return uintptr(v), err
}

func faultAt(op string, addr uintptr, err error) error {
	return fault.Wrap(fault.Bounds, op, fmt.Errorf("%#x: %w", addr, err))
}
