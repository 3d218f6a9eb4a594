// Package dispatch holds the bodies of the installed hooks.
//
// Each body gets control instead of the host function, optionally measures
// the call, runs the original function through its trampoline and hands back
// its result untouched. Bodies keep no state across calls other than the
// location cache, so nested and concurrent invocations are independent.
package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/k2io/byondhook/internal/byond"
	"github.com/k2io/byondhook/internal/mem"
	"github.com/k2io/byondhook/internal/offsets"
	"github.com/k2io/byondhook/internal/telemetry"
)

// Unknown stands in for metadata that could not be resolved.
const Unknown = byond.Unknown

// Span colors.
const (
	ServerTickColor telemetry.Color = 0x3c78d8
	SendMapsColor   telemetry.Color = 0xe69138
)

// Value is the 8 byte value ExecProc returns: a type tag padded to 32 bits
// and a 32-bit payload.
type Value struct {
	Type uint32
	Data uint32
}

// State is the lifecycle of one hook. There is no way back to Uninstalled.
type State int32

const (
	Uninstalled State = iota
	Installed
	Active
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installed:
		return "installed"
	case Active:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Resolver is the part of the reflection accessors the hooks use.
type Resolver interface {
	ProcDefinitionCount() (uint32, error)
	ProcDefinition(index uint32) (byond.ProcDefinition, error)
	Text(id uint32) (string, error)
	SourceLocation(p byond.ProcDefinition) (byond.Source, error)
}

var _ Resolver = (*byond.Reflection)(nil)

// Dispatcher is shared by the three hooks of one agent.
type Dispatcher struct {
	mem  mem.Memory
	refl Resolver
	sink telemetry.Sink
	log  zerolog.Logger

	// proc definition index -> *telemetry.Location
	locations sync.Map
	states    [3]atomic.Int32
	failures  atomic.Uint64

	tick *telemetry.Location
	maps *telemetry.Location
}

// New returns a dispatcher reading call frames from m.
func New(m mem.Memory, r Resolver, sink telemetry.Sink, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		mem:  m,
		refl: r,
		sink: sink,
		log:  log,
		tick: &telemetry.Location{Name: "ServerTick", Function: "ServerTick"},
		maps: &telemetry.Location{Name: "SendMaps", Function: "SendMaps"},
	}
}

// MarkInstalled records that the hook for f now receives calls.
func (d *Dispatcher) MarkInstalled(f offsets.Function) {
	d.states[f].CompareAndSwap(int32(Uninstalled), int32(Installed))
}

// State returns the lifecycle state of the hook for f.
func (d *Dispatcher) State(f offsets.Function) State {
	return State(d.states[f].Load())
}

func (d *Dispatcher) activate(f offsets.Function) {
	if d.states[f].Load() != int32(Active) {
		d.states[f].CompareAndSwap(int32(Installed), int32(Active))
	}
}

// SinkFailures is the number of sink calls that panicked.
func (d *Dispatcher) SinkFailures() uint64 { return d.failures.Load() }

// ExecProc measures one proc call. Frames that do not name a known proc
// definition are passed through unmeasured.
func (d *Dispatcher) ExecProc(frame uintptr, original func(uintptr) Value) Value {
	d.activate(offsets.ExecProc)
	index, ok := d.procIndex(frame)
	if !ok {
		return original(frame)
	}
	sp, ok := d.begin(d.Location(index))
	v := original(frame)
	d.end(sp, ok)
	return v
}

// ServerTick measures one scheduler tick and marks the end of a frame.
func (d *Dispatcher) ServerTick(original func() int32) int32 {
	d.activate(offsets.ServerTick)
	sp, ok := d.begin(d.tick)
	d.color(sp, ok, ServerTickColor)
	r := original()
	d.end(sp, ok)
	d.frame()
	return r
}

// SendMaps measures one network flush.
func (d *Dispatcher) SendMaps(original func()) {
	d.activate(offsets.SendMaps)
	sp, ok := d.begin(d.maps)
	d.color(sp, ok, SendMapsColor)
	original()
	d.end(sp, ok)
}

func (d *Dispatcher) procIndex(frame uintptr) (uint32, bool) {
	if frame == 0 {
		return 0, false
	}
	index, err := mem.ReadU32(d.mem, frame)
	if err != nil {
		return 0, false
	}
	n, err := d.refl.ProcDefinitionCount()
	if err != nil || index >= n {
		return 0, false
	}
	return index, true
}

// Location returns the cached metadata of a proc definition, resolving it
// on first use.
func (d *Dispatcher) Location(index uint32) *telemetry.Location {
	if v, ok := d.locations.Load(index); ok {
		return v.(*telemetry.Location)
	}
	v, _ := d.locations.LoadOrStore(index, d.resolve(index))
	return v.(*telemetry.Location)
}

func (d *Dispatcher) resolve(index uint32) *telemetry.Location {
	loc := &telemetry.Location{Name: Unknown, Function: Unknown}
	pd, err := d.refl.ProcDefinition(index)
	if err != nil {
		d.log.Debug().Err(err).Uint32("procdef", index).Msg("unresolved proc definition")
		return loc
	}
	if path, err := d.refl.Text(pd.Path); err == nil && path != "" {
		loc.Function = path
	}
	if name, err := d.refl.Text(pd.Name); err == nil && name != "" {
		loc.Name = name
	}
	if src, err := d.refl.SourceLocation(pd); err == nil {
		loc.File, loc.Line = src.File, src.Line
	}
	return loc
}

func (d *Dispatcher) failed(call string, r interface{}) {
	if d.failures.Add(1) == 1 {
		d.log.Warn().Str("call", call).Interface("panic", r).Msg("telemetry sink failed")
	}
}

func (d *Dispatcher) begin(loc *telemetry.Location) (sp telemetry.Span, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.failed("begin", r)
			ok = false
		}
	}()
	return d.sink.BeginSpan(loc), true
}

func (d *Dispatcher) end(sp telemetry.Span, ok bool) {
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.failed("end", r)
		}
	}()
	d.sink.EndSpan(sp)
}

func (d *Dispatcher) color(sp telemetry.Span, ok bool, c telemetry.Color) {
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.failed("color", r)
		}
	}()
	d.sink.SetSpanColor(sp, c)
}

func (d *Dispatcher) frame() {
	defer func() {
		if r := recover(); r != nil {
			d.failed("frame", r)
		}
	}()
	d.sink.MarkFrame()
}
