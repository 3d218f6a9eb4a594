package symbols

import (
	"debug/elf"
	"errors"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) Format() string { return "elf" }

// Base is the page-aligned virtual address of the first loadable segment
// minus its file offset. That is the address the mapping at file offset zero
// is linked for.
func (e *elfFile) Base() uint64 {
	for _, p := range e.elf.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		base := p.Vaddr - p.Off
		if p.Align > 1 {
			base &^= p.Align - 1
		}
		return base
	}
	return 0
}

// Symbols merges the dynamic and static tables; a shared library exports
// through the former, a stripped one has nothing else.
func (e *elfFile) Symbols() (map[string]uint64, error) {
	out := make(map[string]uint64)
	found := false
	for _, get := range []func() ([]elf.Symbol, error){e.elf.Symbols, e.elf.DynamicSymbols} {
		syms, err := get()
		if errors.Is(err, elf.ErrNoSymbols) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		getElfOff(syms, out)
	}
	if !found {
		return nil, elf.ErrNoSymbols
	}
	return out, nil
}

func getElfOff(stab []elf.Symbol, out map[string]uint64) {
	for _, k := range stab {
		if k.Name == "" || k.Section == elf.SHN_UNDEF {
			continue
		}
		switch elf.ST_TYPE(k.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
			out[k.Name] = k.Value
		}
	}
}
