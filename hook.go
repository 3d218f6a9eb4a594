// Package byondhook installs inline hooks on native functions of the current
// process.
//
// A hook overwrites the first bytes of the target function (its prologue)
// with a JMP rel32 to the hook function, padding with NOPs. The overwritten
// bytes are replayed by a trampoline followed by a jump back into the target
// right after the prologue, so calling the trampoline behaves like calling the
// unpatched function.
//
//	target:      JMP hook ; NOP ... | rest of target
//	trampoline:  <prologue bytes>   | JMP target+prologue
//
// Prologue lengths are supplied by the caller per host build. They are
// decoded once to make sure they end on an instruction boundary and contain
// no relative addressing, which would break once moved into the trampoline.
package byondhook

import (
	"errors"
	"fmt"
)

var (
	// ErrDoubleHook means already hooked
	ErrDoubleHook = errors.New("double hook")
	// ErrPrologueTooShort means the prologue cannot hold a JMP rel32
	ErrPrologueTooShort = errors.New("prologue shorter than jump")
	// ErrPrologueTooLong means the prologue does not fit in a trampoline slot
	ErrPrologueTooLong = errors.New("prologue longer than trampoline slot")
	// ErrPrologueBoundary means the prologue ends inside an instruction
	ErrPrologueBoundary = errors.New("prologue does not end on an instruction boundary")
	// ErrRelativeAddr means the prologue cannot be moved to the trampoline
	ErrRelativeAddr = errors.New("relative address in instruction")
	// ErrDisplacement means a jump target is out of rel32 range
	ErrDisplacement = errors.New(">32bit rel offset")
)

const (
	jmpRel32    = 0xE9
	jmpRel32Len = 5
	nop         = 0x90

	// SlotSize is the size of one trampoline.
	SlotSize = 32
	// MaxPrologueLen is the longest prologue a trampoline slot can replay.
	MaxPrologueLen = SlotSize - jmpRel32Len
)

// Convention is the calling convention of a hooked function. The hook
// entry point must use the same convention as the target.
type Convention uint8

const (
	Cdecl Convention = iota + 1
	Stdcall
	Thiscall
	// Regparm3 is GCC's regparm(3): the first three integer
	// arguments in EAX, EDX, ECX.
	Regparm3
)

func (c Convention) String() string {
	switch c {
	case Cdecl:
		return "cdecl"
	case Stdcall:
		return "stdcall"
	case Thiscall:
		return "thiscall"
	case Regparm3:
		return "regparm3"
	}
	return fmt.Sprintf("convention(%d)", uint8(c))
}

// Target describes a function to hook.
type Target struct {
	Name        string
	Address     uintptr
	PrologueLen int
	Convention  Convention
}

func (t Target) String() string {
	return fmt.Sprintf("%s@%#x[%d,%s]", t.Name, t.Address, t.PrologueLen, t.Convention)
}

// Trampoline is an installed hook. Calling Entry with the target's calling
// convention runs the original function.
type Trampoline struct {
	target   Target
	hook     uintptr
	entry    uintptr
	original []byte
}

// Entry is the address of the trampoline.
func (t *Trampoline) Entry() uintptr { return t.entry }

// Target is the hooked function.
func (t *Trampoline) Target() Target { return t.target }

// Hook is the address the target now jumps to.
func (t *Trampoline) Hook() uintptr { return t.hook }

// Original returns a copy of the overwritten prologue.
func (t *Trampoline) Original() []byte {
	return append([]byte(nil), t.original...)
}
