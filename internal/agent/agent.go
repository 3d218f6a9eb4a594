// Package agent runs the one-time setup that attaches to the host: it finds
// the core library, resolves the build, installs the three hooks and
// publishes the state the hooks read.
package agent

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/k2io/byondhook"
	"github.com/k2io/byondhook/internal/byond"
	"github.com/k2io/byondhook/internal/dispatch"
	"github.com/k2io/byondhook/internal/fault"
	"github.com/k2io/byondhook/internal/locator"
	"github.com/k2io/byondhook/internal/mem"
	"github.com/k2io/byondhook/internal/offsets"
	"github.com/k2io/byondhook/internal/telemetry"
)

// Status strings returned by Init.
const (
	StatusOK                 = "ok"
	StatusAlreadyInitialized = "already initialized"
)

// ErrAlreadyInitialized is returned by Setup once setup succeeded.
var ErrAlreadyInitialized = errors.New(StatusAlreadyInitialized)

// Environment is everything setup talks to.
type Environment struct {
	Process mem.Process
	Locate  locator.Func
	// Library and BuildSymbol default to the platform's core library.
	Library     string
	BuildSymbol string
	// ReadBuild calls the build accessor at addr.
	ReadBuild func(addr uintptr) (int32, error)
	// Hooks holds the entry point installed for each function.
	Hooks [3]uintptr
	Table *offsets.Table
	// Conventions defaults to the running platform's.
	Conventions *Conventions
	Sink        telemetry.Sink
	Logger      zerolog.Logger
	Debug       bool
}

// Instance is the state of an attached agent. It is published before the
// first hook goes live and never changes afterwards.
type Instance struct {
	Build      int32
	Offsets    offsets.BuildOffsets
	Module     locator.Module
	Reflection *byond.Reflection
	Dispatcher *dispatch.Dispatcher

	entries [3]uintptr
	targets [3]byondhook.Target
}

// Original returns the trampoline entry that runs the unhooked f.
func (i *Instance) Original(f offsets.Function) uintptr { return i.entries[f] }

// Target returns the hooked function f.
func (i *Instance) Target(f offsets.Function) byondhook.Target { return i.targets[f] }

// Agent guards setup. Callers are serialized; only one setup ever succeeds.
type Agent struct {
	env     Environment
	log     zerolog.Logger
	patcher *byondhook.Patcher

	mu     sync.Mutex
	done   bool
	poison error
	inst   atomic.Pointer[Instance]
}

// New returns an agent that has not attached yet.
func New(env Environment) *Agent {
	if env.Locate == nil {
		env.Locate = locator.Find
	}
	if env.Library == "" {
		env.Library = locator.Library
	}
	if env.BuildSymbol == "" {
		env.BuildSymbol = locator.BuildSymbol
	}
	if env.Conventions == nil {
		c := ConventionsFor(runtime.GOOS)
		env.Conventions = &c
	}
	if env.Sink == nil {
		env.Sink = telemetry.Nop{}
	}
	patcher := byondhook.New(env.Process,
		byondhook.WithLogger(env.Logger.With().Str("component", "patcher").Logger()),
		byondhook.WithDebug(env.Debug),
	)
	return &Agent{
		env:     env,
		log:     env.Logger.With().Str("component", "agent").Logger(),
		patcher: patcher,
	}
}

// Instance returns the attached state, or nil before setup has published it.
func (a *Agent) Instance() *Instance { return a.inst.Load() }

// Init runs setup and renders the outcome as a status string.
func (a *Agent) Init() string {
	err := a.Setup()
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrAlreadyInitialized):
		return StatusAlreadyInitialized
	}
	return fault.Diagnostic(err)
}

// Setup attaches to the host. A failure that left the host untouched may be
// retried; once a hook went live every later call returns the same error.
func (a *Agent) Setup() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return ErrAlreadyInitialized
	}
	if a.poison != nil {
		return a.poison
	}
	wrote, err := a.setup()
	if err != nil {
		if wrote {
			a.poison = err
		}
		a.log.Error().Err(err).Bool("host_modified", wrote).Msg("setup failed")
		return err
	}
	a.done = true
	return nil
}

func (a *Agent) setup() (wrote bool, err error) {
	env := a.env
	module, err := env.Locate(env.Library)
	if err != nil {
		return false, err
	}
	sym, err := module.Symbol(env.BuildSymbol)
	if err != nil {
		return false, err
	}
	build, err := env.ReadBuild(sym)
	if err != nil {
		return false, fault.Messagef(fault.Configuration, err, "read build number: %v", err)
	}
	o, err := env.Table.Lookup(build)
	if err != nil {
		return false, err
	}
	if err := o.Validate(); err != nil {
		return false, err
	}
	a.log.Info().Int32("build", build).Str("library", env.Library).
		Str("base", fmt.Sprintf("%#x", module.Base())).Msg("host found")

	refl, err := byond.New(env.Process, module.Base(), o)
	if err != nil {
		return false, err
	}
	inst := &Instance{
		Build:      build,
		Offsets:    o,
		Module:     module,
		Reflection: refl,
		Dispatcher: dispatch.New(env.Process, refl, env.Sink, env.Logger.With().Str("component", "dispatch").Logger()),
	}

	plans := make([]*byondhook.Plan, 0, len(offsets.Functions))
	release := func() {
		for _, pl := range plans {
			pl.Release()
		}
	}
	for _, f := range offsets.Functions {
		t := byondhook.Target{
			Name:        f.String(),
			Address:     module.Base() + uintptr(o.Offset(f)),
			PrologueLen: o.PrologueLen(f),
			Convention:  env.Conventions.Of(f),
		}
		pl, err := a.patcher.Prepare(t, env.Hooks[f])
		if err != nil {
			release()
			return false, err
		}
		plans = append(plans, pl)
		inst.entries[f] = pl.Entry()
		inst.targets[f] = t
	}

	// hooks may run as soon as the first target is patched
	a.inst.Store(inst)
	for i, f := range offsets.Functions {
		tr, err := plans[i].Commit()
		if err != nil {
			release()
			if i == 0 {
				a.inst.Store(nil)
			}
			return i > 0, err
		}
		inst.Dispatcher.MarkInstalled(f)
		a.log.Debug().Str("hook", f.String()).
			Str("trampoline", fmt.Sprintf("%#x", tr.Entry())).
			Str("redirect", fmt.Sprintf("%#x", tr.Hook())).
			Msg("hook live")
	}
	a.log.Info().Int32("build", build).Msg("hooks installed")
	return true, nil
}
