package symbols

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

func (f *peFile) Format() string { return "pe" }

func (f *peFile) Base() uint64 {
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		return oh.ImageBase
	}
	return 0
}

func (f *peFile) exportDirectory() (pe.DataDirectory, bool) {
	var dirs []pe.DataDirectory
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	}
	if len(dirs) <= pe.IMAGE_DIRECTORY_ENTRY_EXPORT {
		return pe.DataDirectory{}, false
	}
	d := dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	return d, d.VirtualAddress != 0 && d.Size != 0
}

// Symbols returns the named exports, plus COFF symbols when the image still
// carries them. Values are absolute, ImageBase included.
func (f *peFile) Symbols() (map[string]uint64, error) {
	out := make(map[string]uint64)
	base := f.Base()
	for _, s := range f.pe.Symbols {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.pe.Sections) {
			continue
		}
		sec := f.pe.Sections[s.SectionNumber-1]
		out[s.Name] = base + uint64(sec.VirtualAddress) + uint64(s.Value)
	}
	if err := f.exports(base, out); err != nil {
		return nil, err
	}
	return out, nil
}

// rva returns the bytes of the image from virtual address rva onwards, up to
// the end of the section containing it.
func (f *peFile) rva(rva uint32) ([]byte, error) {
	for _, s := range f.pe.Sections {
		if rva < s.VirtualAddress || rva >= s.VirtualAddress+s.VirtualSize {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, err
		}
		off := rva - s.VirtualAddress
		if off >= uint32(len(data)) {
			return nil, fmt.Errorf("rva %#x: past raw data of %s", rva, s.Name)
		}
		return data[off:], nil
	}
	return nil, fmt.Errorf("rva %#x: not in any section", rva)
}

func (f *peFile) exports(base uint64, out map[string]uint64) error {
	dir, ok := f.exportDirectory()
	if !ok {
		return nil
	}
	hdr, err := f.rva(dir.VirtualAddress)
	if err != nil {
		return fmt.Errorf("export directory: %w", err)
	}
	if len(hdr) < 40 {
		return fmt.Errorf("export directory: truncated")
	}
	le := binary.LittleEndian
	var (
		numFuncs  = le.Uint32(hdr[0x14:])
		numNames  = le.Uint32(hdr[0x18:])
		funcsRVA  = le.Uint32(hdr[0x1c:])
		namesRVA  = le.Uint32(hdr[0x20:])
		ordinsRVA = le.Uint32(hdr[0x24:])
	)
	funcs, err := f.rva(funcsRVA)
	if err != nil {
		return fmt.Errorf("export functions: %w", err)
	}
	names, err := f.rva(namesRVA)
	if err != nil {
		return fmt.Errorf("export names: %w", err)
	}
	ordinals, err := f.rva(ordinsRVA)
	if err != nil {
		return fmt.Errorf("export ordinals: %w", err)
	}
	if uint64(len(funcs)) < 4*uint64(numFuncs) || uint64(len(names)) < 4*uint64(numNames) || uint64(len(ordinals)) < 2*uint64(numNames) {
		return fmt.Errorf("export tables: truncated")
	}
	for i := uint32(0); i < numNames; i++ {
		ord := uint32(le.Uint16(ordinals[2*i:]))
		if ord >= numFuncs {
			continue
		}
		fn := le.Uint32(funcs[4*ord:])
		// forwarders point back into the export directory
		if fn >= dir.VirtualAddress && fn < dir.VirtualAddress+dir.Size {
			continue
		}
		str, err := f.rva(le.Uint32(names[4*i:]))
		if err != nil {
			return fmt.Errorf("export name %d: %w", i, err)
		}
		if n := bytes.IndexByte(str, 0); n >= 0 {
			str = str[:n]
		}
		out[string(str)] = base + uint64(fn)
	}
	return nil
}
