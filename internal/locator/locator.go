// Package locator finds the host's core library in the current process and
// resolves its exported symbols.
package locator

import (
	"fmt"
	"path/filepath"

	"github.com/k2io/byondhook/internal/fault"
	"github.com/k2io/byondhook/internal/mem"
)

// Module is a loaded library.
type Module interface {
	// Base is the load address offsets are relative to.
	Base() uintptr
	// Symbol returns the absolute address of an exported symbol.
	Symbol(name string) (uintptr, error)
}

// Func finds a loaded library by file name.
type Func func(library string) (Module, error)

func handleError(library string, err error) error {
	return fault.Messagef(fault.Configuration, err, "Unable to find %s handle: %v", library, err)
}

func symbolError(symbol, library string, err error) error {
	return fault.Messagef(fault.Configuration, err, "Unable to find symbol %s in %s!", symbol, library)
}

// libraryMapping returns the mapping of library that starts at file offset
// zero. Later mappings of the same file are segments of the same image.
func libraryMapping(maps []mem.Mapping, library string) (mem.Mapping, bool) {
	for _, m := range maps {
		if m.Offset == 0 && m.Path != "" && filepath.Base(m.Path) == library {
			return m, true
		}
	}
	return mem.Mapping{}, false
}

func notLoaded(library string) error {
	return fmt.Errorf("%s is not loaded", library)
}
