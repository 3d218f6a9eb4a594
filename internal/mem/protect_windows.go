//go:build windows

package mem

import (
	"golang.org/x/sys/windows"

	"github.com/k2io/byondhook/internal/fault"
)

// VirtualProtect reports the old protection of the first page only, so pages
// are changed one at a time to capture each of them.
func (self) Unprotect(addr, size uintptr) (Snapshot, error) {
	start, count := PageRange(addr, size)
	snap := Snapshot{Pages: make([]PageProtection, 0, count)}
	for i := 0; i < count; i++ {
		page := start + uintptr(i)*PageSize
		var old uint32
		if err := windows.VirtualProtect(page, PageSize, windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
			_ = RestorePages(snap, restorePage)
			return Snapshot{}, fault.Wrap(fault.OSResource, "VirtualProtect", err)
		}
		snap.Pages = append(snap.Pages, PageProtection{Addr: page, Prot: old})
	}
	return snap, nil
}

func restorePage(p PageProtection) error {
	var old uint32
	return windows.VirtualProtect(p.Addr, PageSize, p.Prot, &old)
}

func (self) Reprotect(_, _ uintptr, snap Snapshot) error {
	return fault.Wrap(fault.OSResource, "VirtualProtect", RestorePages(snap, restorePage))
}

func (self) AllocExec(size uintptr) (uintptr, error) {
	_, count := PageRange(0, size)
	length := uintptr(count) * PageSize
	addr, err := windows.VirtualAlloc(0, length, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return 0, fault.Wrap(fault.OSResource, "VirtualAlloc", err)
	}
	var old uint32
	if err := windows.VirtualProtect(addr, length, windows.PAGE_EXECUTE_READ, &old); err != nil {
		_ = windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		return 0, fault.Wrap(fault.OSResource, "VirtualProtect", err)
	}
	return addr, nil
}
