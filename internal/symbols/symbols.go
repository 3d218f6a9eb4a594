// Package symbols reads exported symbols from ELF and PE images on disk.
//
// Values are returned relative to the start of the image as it is mapped, so
// adding the load address of the first mapping gives the runtime address.
package symbols

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// ErrNoSymbol is returned by Lookup for names the image does not export.
var ErrNoSymbol = errors.New("symbol not found")

type rawFile interface {
	// Symbols maps names to values as stored in the image.
	Symbols() (map[string]uint64, error)
	// Base is the address the image is linked to start at.
	Base() uint64
	Format() string
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openPE,
}

// File is the symbol table of one image.
type File struct {
	Path   string
	Format string
	// Base is the preferred load address: PT_LOAD alignment base for ELF,
	// ImageBase for PE.
	Base uint64

	syms map[string]uint64
}

// Open reads the symbols of the image at name.
func Open(name string) (*File, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return read(name, r)
}

func read(name string, r io.ReaderAt) (*File, error) {
	var errs []error
	for _, try := range objType {
		raw, err := try(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		syms, err := raw.Symbols()
		if err != nil {
			return nil, fmt.Errorf("read %s symbols of %s: %w", raw.Format(), name, err)
		}
		return &File{Path: name, Format: raw.Format(), Base: raw.Base(), syms: syms}, nil
	}
	return nil, fmt.Errorf("open %s: unrecognized object file: %w", name, errors.Join(errs...))
}

// Lookup returns the offset of symbol name from the start of the image.
func (f *File) Lookup(name string) (uintptr, error) {
	v, ok := f.syms[name]
	if !ok {
		return 0, fmt.Errorf("%s in %s: %w", name, f.Path, ErrNoSymbol)
	}
	if v < f.Base {
		return 0, fmt.Errorf("%s in %s: value %#x below image base %#x", name, f.Path, v, f.Base)
	}
	return uintptr(v - f.Base), nil
}

// Names returns every symbol name, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.syms))
	for n := range f.syms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ReadSymbols returns the symbols of the image at name, relative to its base.
func ReadSymbols(name string) (map[string]uintptr, error) {
	f, err := Open(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uintptr, len(f.syms))
	for n, v := range f.syms {
		if v >= f.Base {
			out[n] = uintptr(v - f.Base)
		}
	}
	return out, nil
}
