package testutil

import (
	"sync"

	"github.com/k2io/byondhook/internal/telemetry"
)

// Event is one call recorded by Recorder.
type Event struct {
	Kind     string // begin, end, frame, color
	Span     uint64
	Location *telemetry.Location
	Color    telemetry.Color
}

// Recorder is a telemetry.Sink keeping every call in order.
type Recorder struct {
	mu     sync.Mutex
	next   uint64
	events []Event

	// PanicOn makes the named call kind panic.
	PanicOn string
}

var _ telemetry.Sink = (*Recorder)(nil)

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if r.PanicOn == e.Kind {
		panic("sink failure: " + e.Kind)
	}
}

func (r *Recorder) BeginSpan(loc *telemetry.Location) telemetry.Span {
	r.mu.Lock()
	r.next++
	id := r.next
	r.mu.Unlock()
	r.record(Event{Kind: "begin", Span: id, Location: loc})
	return telemetry.Span{ID: id, Location: loc}
}

func (r *Recorder) EndSpan(s telemetry.Span) {
	r.record(Event{Kind: "end", Span: s.ID, Location: s.Location})
}

func (r *Recorder) MarkFrame() {
	r.record(Event{Kind: "frame"})
}

func (r *Recorder) SetSpanColor(s telemetry.Span, c telemetry.Color) {
	r.record(Event{Kind: "color", Span: s.ID, Color: c})
}

// Events returns the recorded calls.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded calls.
func (r *Recorder) Kinds() []string {
	var out []string
	for _, e := range r.Events() {
		out = append(out, e.Kind)
	}
	return out
}
