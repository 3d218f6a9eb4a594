package testutil

import "fmt"

// Module is a fixed locator.Module.
type Module struct {
	BaseAddr uintptr
	Symbols  map[string]uintptr
}

func (m *Module) Base() uintptr { return m.BaseAddr }

func (m *Module) Symbol(name string) (uintptr, error) {
	addr, ok := m.Symbols[name]
	if !ok {
		return 0, fmt.Errorf("no symbol %s", name)
	}
	return addr, nil
}
