//go:build linux

package mem

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/k2io/byondhook/internal/fault"
)

const (
	protRX  = unix.PROT_READ | unix.PROT_EXEC
	protRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

// ReadMappings returns the current mappings of the process.
func ReadMappings() ([]Mapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint:errcheck
	return ParseMaps(f)
}

// Prot converts the permission column into PROT_* flags.
func (m Mapping) Prot() uint32 {
	var prot uint32
	if len(m.Perms) < 3 {
		return prot
	}
	if m.Perms[0] == 'r' {
		prot |= unix.PROT_READ
	}
	if m.Perms[1] == 'w' {
		prot |= unix.PROT_WRITE
	}
	if m.Perms[2] == 'x' {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func mprotect(page uintptr, prot uint32) error {
	return unix.Mprotect(makeSlice(page, PageSize), int(prot))
}

// Linux has no API returning the old protection, so it is read from
// /proc/self/maps before the change.
func (self) Unprotect(addr, size uintptr) (Snapshot, error) {
	maps, err := ReadMappings()
	if err != nil {
		return Snapshot{}, fault.Wrap(fault.OSResource, "read mappings", err)
	}
	start, count := PageRange(addr, size)
	snap := Snapshot{Pages: make([]PageProtection, 0, count)}
	for i := 0; i < count; i++ {
		page := start + uintptr(i)*PageSize
		m, ok := FindMapping(maps, page)
		if !ok {
			return Snapshot{}, faultAt("unprotect", page, ErrNotMapped)
		}
		snap.Pages = append(snap.Pages, PageProtection{Addr: page, Prot: m.Prot()})
	}
	for i, p := range snap.Pages {
		if err := mprotect(p.Addr, protRWX); err != nil {
			_ = RestorePages(Snapshot{Pages: snap.Pages[:i]}, restorePage)
			return Snapshot{}, fault.Wrap(fault.OSResource, "mprotect", err)
		}
	}
	return snap, nil
}

func restorePage(p PageProtection) error { return mprotect(p.Addr, p.Prot) }

func (self) Reprotect(_, _ uintptr, snap Snapshot) error {
	return fault.Wrap(fault.OSResource, "mprotect", RestorePages(snap, restorePage))
}

func (self) AllocExec(size uintptr) (uintptr, error) {
	_, count := PageRange(0, size)
	b, err := unix.Mmap(-1, 0, count*int(PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fault.Wrap(fault.OSResource, "mmap", err)
	}
	if err := unix.Mprotect(b, protRX); err != nil {
		_ = unix.Munmap(b)
		return 0, fault.Wrap(fault.OSResource, "mprotect", err)
	}
	return sliceAddr(b), nil
}
