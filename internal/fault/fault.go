// Package fault classifies agent failures.
//
// Every error that can stop setup carries a Kind so the entry point can turn
// it into the short status string operators see. Errors raised inside hook
// dispatch are never returned to the host; they degrade to placeholders.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the failure class of an error.
type Kind int

const (
	// Unknown is returned by KindOf for errors without a fault.Error in their chain.
	Unknown Kind = iota
	// Configuration covers unsupported builds, missing symbols and bad offset tables.
	Configuration
	// OSResource covers failed protection changes and allocations.
	OSResource
	// Encoding covers jump displacements that do not fit in rel32.
	Encoding
	// Bounds covers reflection indexes outside the current table length.
	Bounds
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case OSResource:
		return "os resource"
	case Encoding:
		return "encoding"
	case Bounds:
		return "bounds"
	}
	return "unknown"
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "unprotect".
	Op string
	// Msg, when set, is the exact diagnostic shown to operators.
	Msg string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		if inner := e.Err.Error(); !strings.HasSuffix(e.Msg, inner) {
			return e.Msg + ": " + inner
		}
		return e.Msg
	case e.Msg != "":
		return e.Msg
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String() + " error"
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of kind k with an operator facing message.
func New(k Kind, op, msg string) error {
	return &Error{Kind: k, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// Wrapf classifies err and prefixes it with a formatted operation.
func Wrapf(k Kind, err error, format string, args ...interface{}) error {
	return &Error{Kind: k, Op: fmt.Sprintf(format, args...), Err: err}
}

// Messagef classifies err and sets the exact operator facing message.
func Messagef(k Kind, err error, format string, args ...interface{}) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost fault.Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Diagnostic renders err as the status string returned across the C boundary.
// Configuration errors with an explicit message render the message alone.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == Configuration && fe.Msg != "" {
		return fe.Msg
	}
	return err.Error()
}
