package byondhook

import (
	"encoding/binary"
	"math"
	"math/bits"

	"golang.org/x/arch/x86/x86asm"
)

// rel32 is the displacement of a branch ending at from and landing on to.
// A 32-bit address space wraps, so every target is reachable there.
func rel32(from, to uintptr) (int32, error) {
	d := to - from
	if bits.UintSize == 32 {
		return int32(uint32(d)), nil
	}
	s := int64(uint64(d))
	if s < math.MinInt32 || s > math.MaxInt32 {
		return 0, ErrDisplacement
	}
	return int32(s), nil
}

// jmp encodes JMP rel32 located at at and jumping to to, padded with NOPs
// up to size bytes.
func jmp(at, to uintptr, size int) ([]byte, error) {
	addr, err := rel32(at+jmpRel32Len, to)
	if err != nil {
		return nil, err
	}
	seq := make([]byte, size)
	seq[0] = jmpRel32
	binary.LittleEndian.PutUint32(seq[1:jmpRel32Len], uint32(addr))
	for i := jmpRel32Len; i < size; i++ {
		seq[i] = nop
	}
	return seq, nil
}

type info struct {
	length      int
	relocatable bool
}

// ensureLength decodes src instruction by instruction and requires the
// instructions to cover it exactly.
func ensureLength(src []byte, mode int) (info, error) {
	var inf info
	inf.relocatable = true
	for inf.length < len(src) {
		i, err := analysis(src[inf.length:], mode)
		if err != nil {
			return inf, ErrPrologueBoundary
		}
		inf.relocatable = inf.relocatable && i.relocatable
		inf.length += i.length
	}
	return inf, nil
}

func analysis(src []byte, mode int) (inf info, err error) {
	inst, err := x86asm.Decode(src, mode)
	if err != nil {
		return
	}
	inf.length = inst.Len
	inf.relocatable = true
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if mem, ok := a.(x86asm.Mem); ok {
			if mem.Base == x86asm.RIP || mem.Base == x86asm.EIP {
				inf.relocatable = false
				return
			}
		} else if _, ok := a.(x86asm.Rel); ok {
			inf.relocatable = false
			return
		}
	}
	return
}
