//go:build linux

package locator

import (
	"github.com/k2io/byondhook/internal/mem"
	"github.com/k2io/byondhook/internal/symbols"
)

// Host library and the symbol returning its build number.
const (
	Library     = "libbyond.so"
	BuildSymbol = "_ZN8ByondLib13GetByondBuildEv"
)

type elfModule struct {
	name string
	base uintptr
	file *symbols.File
}

// Find locates library through /proc/self/maps and reads its symbols from
// the mapped file.
func Find(library string) (Module, error) {
	maps, err := mem.ReadMappings()
	if err != nil {
		return nil, handleError(library, err)
	}
	m, ok := libraryMapping(maps, library)
	if !ok {
		return nil, handleError(library, notLoaded(library))
	}
	f, err := symbols.Open(m.Path)
	if err != nil {
		return nil, handleError(library, err)
	}
	return &elfModule{name: library, base: m.Start, file: f}, nil
}

func (m *elfModule) Base() uintptr { return m.base }

func (m *elfModule) Symbol(name string) (uintptr, error) {
	off, err := m.file.Lookup(name)
	if err != nil {
		return 0, symbolError(name, m.name, err)
	}
	return m.base + off, nil
}
