//go:build windows

package locator

import (
	"golang.org/x/sys/windows"
)

// Host library and the symbol returning its build number.
const (
	Library     = "byondcore.dll"
	BuildSymbol = "?GetByondBuild@ByondLib@@QAEJXZ"
)

type peModule struct {
	name   string
	handle windows.Handle
}

// Find returns the already loaded library. The reference taken here is never
// released so the module stays mapped while hooked.
func Find(library string) (Module, error) {
	name, err := windows.UTF16PtrFromString(library)
	if err != nil {
		return nil, handleError(library, err)
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(0, name, &h); err != nil {
		return nil, handleError(library, err)
	}
	return &peModule{name: library, handle: h}, nil
}

func (m *peModule) Base() uintptr { return uintptr(m.handle) }

func (m *peModule) Symbol(name string) (uintptr, error) {
	p, err := windows.GetProcAddress(m.handle, name)
	if err != nil {
		return 0, symbolError(name, m.name, err)
	}
	return p, nil
}
