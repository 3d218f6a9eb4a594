// Package telemetry is the boundary to the profiler the hooks report to.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Location describes the code a span measures.
type Location struct {
	// Name is the short name, e.g. "Login".
	Name string
	// Function is the qualified name, e.g. "/mob/proc/Login".
	Function string
	File     string
	Line     uint32
}

// Color is a 0xRRGGBB span color.
type Color uint32

// Span is a handle returned by BeginSpan. It lives on the caller's stack.
type Span struct {
	ID       uint64
	Location *Location
	Start    time.Time
}

// Sink receives spans and frame marks.
type Sink interface {
	BeginSpan(loc *Location) Span
	EndSpan(s Span)
	MarkFrame()
	SetSpanColor(s Span, c Color)
}

// Nop discards everything.
type Nop struct{}

func (Nop) BeginSpan(loc *Location) Span { return Span{Location: loc} }
func (Nop) EndSpan(Span) {}
func (Nop) MarkFrame() {}
func (Nop) SetSpanColor(Span, Color) {}

// LogSink writes spans to a zerolog logger: closed spans at trace level,
// frame marks at debug level.
type LogSink struct {
	log    zerolog.Logger
	ids    atomic.Uint64
	frames atomic.Uint64
}

// NewLogSink returns a sink logging to l.
func NewLogSink(l zerolog.Logger) *LogSink {
	return &LogSink{log: l}
}

func (s *LogSink) BeginSpan(loc *Location) Span {
	return Span{ID: s.ids.Add(1), Location: loc, Start: time.Now()}
}

func (s *LogSink) EndSpan(sp Span) {
	e := s.log.Trace()
	if !e.Enabled() {
		return
	}
	if sp.Location != nil {
		e = e.Str("function", sp.Location.Function).Str("file", sp.Location.File).Uint32("line", sp.Location.Line)
	}
	e.Uint64("span", sp.ID).Dur("duration", time.Since(sp.Start)).Msg("span")
}

func (s *LogSink) MarkFrame() {
	n := s.frames.Add(1)
	s.log.Debug().Uint64("frame", n).Msg("frame")
}

func (s *LogSink) SetSpanColor(sp Span, c Color) {
	s.log.Trace().Uint64("span", sp.ID).Str("color", colorString(c)).Msg("span color")
}

// Frames returns the number of frames marked so far.
func (s *LogSink) Frames() uint64 { return s.frames.Load() }

func colorString(c Color) string {
	return fmt.Sprintf("#%06x", uint32(c))
}
