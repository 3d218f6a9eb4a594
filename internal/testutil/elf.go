package testutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"sort"
	"testing"
)

// SkipWithoutSymbols skips t when the ELF image at path was linked without
// a symbol table, as go test does with -ldflags=-s.
func SkipWithoutSymbols(t testing.TB, path string) {
	t.Helper()
	f, err := elf.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close() // nolint:errcheck
	if _, err := f.Symbols(); errors.Is(err, elf.ErrNoSymbols) {
		t.Skipf("%s has no symbol table", path)
	}
}

type strtab struct {
	buf bytes.Buffer
}

func newStrtab() *strtab {
	s := &strtab{}
	s.buf.WriteByte(0)
	return s
}

func (s *strtab) add(name string) uint32 {
	off := uint32(s.buf.Len())
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	return off
}

func symtab(syms map[string]uint32, names *strtab) []byte {
	keys := make([]string, 0, len(syms))
	for k := range syms {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, elf.Sym32{})
	for _, k := range keys {
		_ = binary.Write(&buf, binary.LittleEndian, elf.Sym32{
			Name:  names.add(k),
			Value: syms[k],
			Size:  16,
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: 1, // .text
		})
	}
	return buf.Bytes()
}

// ELF builds a 32-bit shared object whose static and dynamic symbol tables
// hold the given values. It is linked at zero with one PT_LOAD covering the
// whole file.
func ELF(static, dynamic map[string]uint32) []byte {
	const (
		ehsize = 52
		phsize = 32
		shsize = 40
	)
	dynstr, strs, shstr := newStrtab(), newStrtab(), newStrtab()
	type section struct {
		hdr  elf.Section32
		data []byte
	}
	text := make([]byte, 0x100)
	for i := range text {
		text[i] = 0xc3
	}
	secs := []section{
		{},
		{hdr: elf.Section32{Name: shstr.add(".text"), Type: uint32(elf.SHT_PROGBITS), Flags: uint32(elf.SHF_ALLOC | elf.SHF_EXECINSTR), Addralign: 16}, data: text},
		{hdr: elf.Section32{Name: shstr.add(".dynsym"), Type: uint32(elf.SHT_DYNSYM), Flags: uint32(elf.SHF_ALLOC), Link: 3, Info: 1, Addralign: 4, Entsize: elf.Sym32Size}, data: symtab(dynamic, dynstr)},
		{hdr: elf.Section32{Name: shstr.add(".dynstr"), Type: uint32(elf.SHT_STRTAB), Flags: uint32(elf.SHF_ALLOC), Addralign: 1}},
		{hdr: elf.Section32{Name: shstr.add(".symtab"), Type: uint32(elf.SHT_SYMTAB), Link: 5, Info: 1, Addralign: 4, Entsize: elf.Sym32Size}, data: symtab(static, strs)},
		{hdr: elf.Section32{Name: shstr.add(".strtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}},
		{hdr: elf.Section32{Name: shstr.add(".shstrtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}},
	}
	secs[3].data = dynstr.buf.Bytes()
	secs[5].data = strs.buf.Bytes()
	secs[6].data = shstr.buf.Bytes()

	off := uint32(ehsize + phsize)
	var body bytes.Buffer
	for i := 1; i < len(secs); i++ {
		for (off+uint32(body.Len()))%4 != 0 {
			body.WriteByte(0)
		}
		s := &secs[i]
		s.hdr.Off = off + uint32(body.Len())
		s.hdr.Size = uint32(len(s.data))
		if s.hdr.Flags&uint32(elf.SHF_ALLOC) != 0 {
			s.hdr.Addr = s.hdr.Off
		}
		body.Write(s.data)
	}
	for (off+uint32(body.Len()))%4 != 0 {
		body.WriteByte(0)
	}
	shoff := off + uint32(body.Len())
	total := shoff + uint32(len(secs))*shsize

	var out bytes.Buffer
	hdr := elf.Header32{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_386),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehsize,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     1,
		Shentsize: shsize,
		Shnum:     uint16(len(secs)),
		Shstrndx:  uint16(len(secs) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	_ = binary.Write(&out, binary.LittleEndian, hdr)
	_ = binary.Write(&out, binary.LittleEndian, elf.Prog32{
		Type:   uint32(elf.PT_LOAD),
		Filesz: total,
		Memsz:  total,
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Align:  0x1000,
	})
	out.Write(body.Bytes())
	for _, s := range secs {
		_ = binary.Write(&out, binary.LittleEndian, s.hdr)
	}
	return out.Bytes()
}
