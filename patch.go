package byondhook

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/rs/zerolog"

	"github.com/k2io/byondhook/internal/fault"
	"github.com/k2io/byondhook/internal/mem"
)

// Patcher owns every hook installed in one address space.
type Patcher struct {
	proc  mem.Process
	log   zerolog.Logger
	mode  int
	debug bool

	// protect the hooks map and the slot pool
	lock sync.Mutex
	// hooks applied with target addresses as keys; nil while a plan is pending
	hooks map[uintptr]*Trampoline
	slots slotPool
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Patcher) { p.log = l }
}

// WithAllocator overrides where trampoline pages come from.
func WithAllocator(a mem.Allocator) Option {
	return func(p *Patcher) { p.slots.alloc = a }
}

// WithDecodeMode sets the x86 decoding mode (32 or 64) used to verify
// prologues. It defaults to the pointer width of the build.
func WithDecodeMode(mode int) Option {
	return func(p *Patcher) { p.mode = mode }
}

// WithDebug logs the bytes before and after every patch.
func WithDebug(debug bool) Option {
	return func(p *Patcher) { p.debug = debug }
}

// New returns a patcher working on proc.
func New(proc mem.Process, opts ...Option) *Patcher {
	p := &Patcher{
		proc:  proc,
		log:   zerolog.Nop(),
		mode:  bits.UintSize,
		hooks: make(map[uintptr]*Trampoline),
	}
	p.slots.alloc = proc
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan is a validated, encoded hook that has not written anything yet.
type Plan struct {
	p          *Patcher
	target     Target
	hook       uintptr
	slot       uintptr
	original   []byte
	trampoline []byte
	patch      []byte
	settled    bool
}

// Target is the function the plan patches.
func (pl *Plan) Target() Target { return pl.target }

// Entry is where the trampoline will live once committed.
func (pl *Plan) Entry() uintptr { return pl.slot }

// Prepare checks target and encodes both jumps without writing to the
// process. The target stays reserved until the plan is committed or released.
func (p *Patcher) Prepare(target Target, hook uintptr) (*Plan, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.hooks[target.Address]; ok {
		return nil, fault.Wrapf(fault.Configuration, ErrDoubleHook, "hook %s", target.Name)
	}
	n := target.PrologueLen
	if n < jmpRel32Len {
		return nil, fault.Wrapf(fault.Configuration, ErrPrologueTooShort, "hook %s: prologue %d", target.Name, n)
	}
	if n > MaxPrologueLen {
		return nil, fault.Wrapf(fault.Configuration, ErrPrologueTooLong, "hook %s: prologue %d", target.Name, n)
	}
	original := make([]byte, n)
	if err := p.proc.Read(target.Address, original); err != nil {
		return nil, fault.Wrapf(fault.Configuration, err, "hook %s: read prologue", target.Name)
	}
	inf, err := ensureLength(original, p.mode)
	if err != nil {
		return nil, fault.Wrapf(fault.Configuration, err, "hook %s: prologue % x", target.Name, original)
	}
	if !inf.relocatable {
		return nil, fault.Wrapf(fault.Configuration, ErrRelativeAddr, "hook %s: prologue % x", target.Name, original)
	}

	slot, err := p.slots.claim()
	if err != nil {
		return nil, fault.Wrapf(fault.OSResource, err, "hook %s: allocate trampoline", target.Name)
	}
	// code to return to the target, placed after the replayed prologue
	back, err := jmp(slot+uintptr(n), target.Address+uintptr(n), jmpRel32Len)
	if err != nil {
		p.slots.unclaim(slot)
		return nil, fault.Wrapf(fault.Encoding, err, "hook %s: trampoline %#x -> target %#x", target.Name, slot, target.Address)
	}
	patch, err := jmp(target.Address, hook, n)
	if err != nil {
		p.slots.unclaim(slot)
		return nil, fault.Wrapf(fault.Encoding, err, "hook %s: target %#x -> hook %#x", target.Name, target.Address, hook)
	}

	// early bucket allocation
	p.hooks[target.Address] = nil
	return &Plan{
		p:          p,
		target:     target,
		hook:       hook,
		slot:       slot,
		original:   original,
		trampoline: append(append(make([]byte, 0, n+jmpRel32Len), original...), back...),
		patch:      patch,
	}, nil
}

// Commit writes the trampoline, then redirects the target to the hook.
// Both writes are bracketed by Unprotect/Reprotect.
func (pl *Plan) Commit() (*Trampoline, error) {
	p := pl.p
	p.lock.Lock()
	defer p.lock.Unlock()
	if pl.settled {
		return nil, errors.New("plan already settled")
	}
	pl.settled = true

	t := pl.target
	p.dump("before", t)

	err := mem.WithWritable(p.proc, pl.slot, uintptr(len(pl.trampoline)), func() error {
		return p.proc.Write(pl.slot, pl.trampoline)
	})
	if err != nil {
		pl.abandon()
		return nil, fmt.Errorf("hook %s: write trampoline: %w", t.Name, err)
	}
	err = mem.WithWritable(p.proc, t.Address, uintptr(len(pl.patch)), func() error {
		return p.proc.Write(t.Address, pl.patch)
	})
	if err != nil {
		pl.abandon()
		return nil, fmt.Errorf("hook %s: patch target: %w", t.Name, err)
	}

	tr := &Trampoline{target: t, hook: pl.hook, entry: pl.slot, original: pl.original}
	// just set value here, the bucket exists
	p.hooks[t.Address] = tr
	p.dump("after", t)
	p.log.Debug().
		Str("target", t.Name).
		Str("address", fmt.Sprintf("%#x", t.Address)).
		Int("prologue", t.PrologueLen).
		Str("convention", t.Convention.String()).
		Str("trampoline", fmt.Sprintf("%#x", pl.slot)).
		Str("hook", fmt.Sprintf("%#x", pl.hook)).
		Msg("hook installed")
	return tr, nil
}

// Release drops a plan that will not be committed.
func (pl *Plan) Release() {
	p := pl.p
	p.lock.Lock()
	defer p.lock.Unlock()
	if pl.settled {
		return
	}
	pl.settled = true
	pl.abandon()
}

// abandon frees the reservation. Caller holds the lock.
func (pl *Plan) abandon() {
	delete(pl.p.hooks, pl.target.Address)
	pl.p.slots.unclaim(pl.slot)
}

// Install prepares and commits a hook in one step.
func (p *Patcher) Install(target Target, hook uintptr) (*Trampoline, error) {
	pl, err := p.Prepare(target, hook)
	if err != nil {
		return nil, err
	}
	return pl.Commit()
}

// Trampoline returns the installed hook for the target at addr.
func (p *Patcher) Trampoline(addr uintptr) (*Trampoline, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	tr := p.hooks[addr]
	return tr, tr != nil
}

// Installed returns the number of committed hooks.
func (p *Patcher) Installed() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	n := 0
	for _, tr := range p.hooks {
		if tr != nil {
			n++
		}
	}
	return n
}

func (p *Patcher) dump(stage string, t Target) {
	if !p.debug {
		return
	}
	b := make([]byte, t.PrologueLen)
	if err := p.proc.Read(t.Address, b); err != nil {
		p.log.Debug().Err(err).Str("target", t.Name).Msg(stage)
		return
	}
	p.log.Debug().Str("target", t.Name).Hex("bytes", b).Msg(stage)
}
