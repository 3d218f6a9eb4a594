package byondhook

import (
	"encoding/binary"
	"errors"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/k2io/byondhook/internal/fault"
	"github.com/k2io/byondhook/internal/testutil"
)

const (
	codeBase   = uintptr(0x10000000)
	execAddr   = codeBase + 0x1000
	tickAddr   = codeBase + 0x1100
	mapsAddr   = codeBase + 0x1200
	hookBase   = codeBase + 0x1800
	codeLength = 0x2000
)

// push ebp; mov ebp, esp; sub esp, 0x18; mov eax, [ebp+8]; ret
var execCode = []byte{0x55, 0x89, 0xe5, 0x83, 0xec, 0x18, 0x8b, 0x45, 0x08, 0xc3}

// push ebp; mov ebp, esp; push esi; push edi; ...
var tickCode = []byte{0x55, 0x89, 0xe5, 0x56, 0x57, 0x53, 0x5b, 0x5f, 0x5e, 0x5d, 0xc3}

func newProcess(t *testing.T) *testutil.Process {
	t.Helper()
	p := testutil.NewProcess()
	p.MapZero(codeBase, codeLength, testutil.ProtRX)
	p.Poke(execAddr, execCode)
	p.Poke(tickAddr, tickCode)
	p.Poke(mapsAddr, tickCode)
	return p
}

func disp(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

func TestInstallExecScenario(t *testing.T) {
	proc := newProcess(t)
	p := New(proc, WithDecodeMode(32))

	target := Target{Name: "exec_proc", Address: execAddr, PrologueLen: 6, Convention: Cdecl}
	tr, err := p.Install(target, hookBase)
	require.NoError(t, err)

	patched := proc.Bytes(execAddr, 7)
	assert.Equal(t, byte(0xE9), patched[0])
	assert.Equal(t, int32(hookBase-(execAddr+5)), disp(patched[1:5]))
	assert.Equal(t, byte(0x90), patched[5])
	// first byte after the prologue is untouched
	assert.Equal(t, byte(0x8b), patched[6])

	assert.Equal(t, execCode[:6], tr.Original())
	assert.Equal(t, target, tr.Target())
	assert.Equal(t, hookBase, tr.Hook())

	entry := tr.Entry()
	tramp := proc.Bytes(entry, 11)
	assert.Equal(t, execCode[:6], tramp[:6])
	assert.Equal(t, byte(0xE9), tramp[6])
	assert.Equal(t, int32((execAddr+6)-(entry+6+5)), disp(tramp[7:11]))

	assert.Equal(t, testutil.ProtRX, proc.Prot(execAddr))
	assert.Equal(t, testutil.ProtRX, proc.Prot(entry))
	un, re := proc.ProtectCalls()
	assert.Equal(t, 2, un)
	assert.Equal(t, un, re)
}

// The trampoline must decode to the original prologue instructions followed
// by a jump to the first instruction the original would run next.
func TestTrampolineReplaysOriginal(t *testing.T) {
	proc := newProcess(t)
	p := New(proc, WithDecodeMode(32))

	tr, err := p.Install(Target{Name: "server_tick", Address: tickAddr, PrologueLen: 5}, hookBase)
	require.NoError(t, err)

	code := proc.Bytes(tr.Entry(), SlotSize)
	want := tickCode[:5]
	off := 0
	for off < len(want) {
		got, err := x86asm.Decode(code[off:], 32)
		require.NoError(t, err)
		ref, err := x86asm.Decode(want[off:], 32)
		require.NoError(t, err)
		assert.Equal(t, ref.String(), got.String())
		off += got.Len
	}
	require.Equal(t, len(want), off)

	j, err := x86asm.Decode(code[off:], 32)
	require.NoError(t, err)
	require.Equal(t, x86asm.JMP, j.Op)
	rel, ok := j.Args[0].(x86asm.Rel)
	require.True(t, ok)
	next := tr.Entry() + uintptr(off) + uintptr(j.Len) + uintptr(int64(rel))
	assert.Equal(t, tickAddr+5, next)
}

func TestInstallThreeTargetsShareAPage(t *testing.T) {
	proc := newProcess(t)
	p := New(proc, WithDecodeMode(32))

	var entries []uintptr
	for i, addr := range []uintptr{execAddr, tickAddr, mapsAddr} {
		tr, err := p.Install(Target{Name: "t", Address: addr, PrologueLen: 6 - i%2}, hookBase+uintptr(i)*16)
		require.NoError(t, err)
		entries = append(entries, tr.Entry())
	}
	assert.Equal(t, entries[0]+SlotSize, entries[1])
	assert.Equal(t, entries[1]+SlotSize, entries[2])
	assert.Equal(t, 3, p.Installed())
	assert.Equal(t, 1, p.slots.pages)

	tr, ok := p.Trampoline(tickAddr)
	require.True(t, ok)
	assert.Equal(t, entries[1], tr.Entry())
}

func TestInstallTwiceRejected(t *testing.T) {
	proc := newProcess(t)
	p := New(proc, WithDecodeMode(32))
	target := Target{Name: "exec_proc", Address: execAddr, PrologueLen: 6}

	first, err := p.Install(target, hookBase)
	require.NoError(t, err)
	writes := len(proc.Writes())

	_, err = p.Install(target, hookBase+0x10)
	require.ErrorIs(t, err, ErrDoubleHook)
	assert.Equal(t, fault.Configuration, fault.KindOf(err))
	assert.Len(t, proc.Writes(), writes)

	tr, ok := p.Trampoline(execAddr)
	require.True(t, ok)
	assert.Same(t, first, tr)
	assert.Equal(t, 1, p.Installed())
}

func TestPendingPlanReservesTarget(t *testing.T) {
	proc := newProcess(t)
	p := New(proc, WithDecodeMode(32))
	target := Target{Name: "exec_proc", Address: execAddr, PrologueLen: 6}

	plan, err := p.Prepare(target, hookBase)
	require.NoError(t, err)
	assert.Empty(t, proc.Writes())

	_, err = p.Prepare(target, hookBase)
	require.ErrorIs(t, err, ErrDoubleHook)

	plan.Release()
	_, ok := p.Trampoline(execAddr)
	assert.False(t, ok)

	tr, err := p.Install(target, hookBase)
	require.NoError(t, err)
	assert.NotZero(t, tr.Entry())

	_, err = plan.Commit()
	assert.Error(t, err)
}

func TestInstallRejectsBadPrologues(t *testing.T) {
	relative := []byte{0x55, 0xe8, 0x10, 0x00, 0x00, 0x00, 0xc3}
	tests := []struct {
		name string
		code []byte
		n    int
		want error
	}{
		{"too short", execCode, 4, ErrPrologueTooShort},
		{"too long", execCode, MaxPrologueLen + 1, ErrPrologueTooLong},
		{"mid instruction", execCode, 5, ErrPrologueBoundary},
		{"relative call", relative, 6, ErrRelativeAddr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := newProcess(t)
			proc.Poke(execAddr, tt.code)
			p := New(proc, WithDecodeMode(32))

			_, err := p.Install(Target{Name: "exec_proc", Address: execAddr, PrologueLen: tt.n}, hookBase)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, fault.Configuration, fault.KindOf(err))
			assert.Empty(t, proc.Writes())
			assert.Equal(t, tt.code, proc.Bytes(execAddr, len(tt.code)))
			assert.Equal(t, 0, p.Installed())
		})
	}
}

func TestInstallDisplacementOverflow(t *testing.T) {
	if bits.UintSize == 32 {
		t.Skip("every displacement fits in a 32-bit address space")
	}
	far := uint64(0x7f0000000000)
	proc := newProcess(t)
	proc.AllocBase = uintptr(far)
	p := New(proc, WithDecodeMode(32))

	_, err := p.Install(Target{Name: "exec_proc", Address: execAddr, PrologueLen: 6}, hookBase)
	require.ErrorIs(t, err, ErrDisplacement)
	assert.Equal(t, fault.Encoding, fault.KindOf(err))
	assert.Empty(t, proc.Writes())
	assert.Equal(t, execCode, proc.Bytes(execAddr, len(execCode)))

	// a far hook fails the same way
	proc2 := newProcess(t)
	p2 := New(proc2, WithDecodeMode(32))
	_, err = p2.Install(Target{Name: "exec_proc", Address: execAddr, PrologueLen: 6}, uintptr(far))
	require.ErrorIs(t, err, ErrDisplacement)
	assert.Empty(t, proc2.Writes())
}

func TestInstallProtectionFailure(t *testing.T) {
	proc := newProcess(t)
	denied := errors.New("EACCES")
	proc.FailUnprotect = denied
	p := New(proc, WithDecodeMode(32))
	target := Target{Name: "exec_proc", Address: execAddr, PrologueLen: 6}

	_, err := p.Install(target, hookBase)
	require.ErrorIs(t, err, denied)
	assert.Equal(t, fault.OSResource, fault.KindOf(err))
	assert.Equal(t, execCode, proc.Bytes(execAddr, len(execCode)))

	// the failed attempt released the target
	proc.FailUnprotect = nil
	_, err = p.Install(target, hookBase)
	require.NoError(t, err)
}

func TestInstallTargetProtectionFailureRestoresTrampolinePage(t *testing.T) {
	proc := newProcess(t)
	proc.FailUnprotectAfter = 1
	p := New(proc, WithDecodeMode(32))

	_, err := p.Install(Target{Name: "exec_proc", Address: execAddr, PrologueLen: 6}, hookBase)
	require.Error(t, err)
	assert.Equal(t, fault.OSResource, fault.KindOf(err))
	assert.Equal(t, execCode, proc.Bytes(execAddr, len(execCode)))
	un, re := proc.ProtectCalls()
	assert.Equal(t, 1, un)
	assert.Equal(t, un, re)
	assert.Equal(t, testutil.ProtRX, proc.Prot(proc.AllocBase-1))
}

func TestInstallAllocFailure(t *testing.T) {
	proc := newProcess(t)
	proc.FailAlloc = errors.New("ENOMEM")
	p := New(proc, WithDecodeMode(32))

	_, err := p.Install(Target{Name: "exec_proc", Address: execAddr, PrologueLen: 6}, hookBase)
	require.Error(t, err)
	assert.Equal(t, fault.OSResource, fault.KindOf(err))
	assert.Empty(t, proc.Writes())
}

func TestInstallUnreadableTarget(t *testing.T) {
	proc := newProcess(t)
	p := New(proc, WithDecodeMode(32))

	_, err := p.Install(Target{Name: "exec_proc", Address: 0x500, PrologueLen: 6}, hookBase)
	require.Error(t, err)
	assert.Equal(t, fault.Configuration, fault.KindOf(err))
}

func TestRel32(t *testing.T) {
	d, err := rel32(0x1000, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, int32(0x1000), d)

	d, err = rel32(0x2000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, int32(-0x1000), d)

	if bits.UintSize == 64 {
		_, err = rel32(0x1000, 0x1000+uintptr(uint64(1)<<31))
		assert.ErrorIs(t, err, ErrDisplacement)

		d, err = rel32(0x1000+uintptr(uint64(1)<<31), 0x1000)
		require.NoError(t, err)
		assert.Equal(t, int32(-1<<31), d)
	}
}

func TestJmpPadsWithNops(t *testing.T) {
	seq, err := jmp(0x1000, 0x1100, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE9, 0xfb, 0x00, 0x00, 0x00, 0x90, 0x90, 0x90}, seq)
}

func TestConventionString(t *testing.T) {
	assert.Equal(t, "regparm3", Regparm3.String())
	assert.Equal(t, "stdcall", Stdcall.String())
	assert.Equal(t, "convention(9)", Convention(9).String())
}
