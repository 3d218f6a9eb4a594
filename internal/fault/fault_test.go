package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errCause = errors.New("permission denied")

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"message only", New(Configuration, "lookup", "byond version unsupported"), "byond version unsupported"},
		{"op and cause", Wrap(OSResource, "unprotect", errCause), "unprotect: permission denied"},
		{"op and formatted cause", Wrapf(OSResource, errCause, "unprotect %#x", 0x1000), "unprotect 0x1000: permission denied"},
		{"message and cause", Messagef(Configuration, errCause, "Unable to find symbol x in y!"), "Unable to find symbol x in y!: permission denied"},
		{"message ends with cause", Messagef(Configuration, errCause, "Unable to find x handle: %v", errCause), "Unable to find x handle: permission denied"},
		{"cause only", &Error{Kind: Bounds, Err: errCause}, "permission denied"},
		{"empty", &Error{Kind: Encoding}, "encoding error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(Bounds, "read", nil))
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("hook exec_proc: %w", Wrap(OSResource, "unprotect", errCause))
	assert.Equal(t, OSResource, KindOf(err))
	assert.ErrorIs(t, err, errCause)
	assert.Equal(t, Unknown, KindOf(errCause))
	assert.Equal(t, Unknown, KindOf(nil))

	// the outermost classification wins
	outer := Wrapf(Configuration, Wrap(Bounds, "strings", errCause), "resolve")
	assert.Equal(t, Configuration, KindOf(outer))
}

func TestDiagnostic(t *testing.T) {
	assert.Empty(t, Diagnostic(nil))
	assert.Equal(t, "byond version unsupported",
		Diagnostic(&Error{Kind: Configuration, Msg: "byond version unsupported", Err: errors.New("byond version unsupported")}))
	assert.Equal(t, "setup: hook tick: prologue 4: permission denied",
		Diagnostic(fmt.Errorf("setup: %w", Wrapf(Configuration, errCause, "hook tick: prologue %d", 4))))
	assert.Equal(t, "unprotect 0x10: permission denied", Diagnostic(Wrapf(OSResource, errCause, "unprotect %#x", 0x10)))
	assert.Equal(t, "Unable to find symbol x in y!", Diagnostic(Messagef(Configuration, errCause, "Unable to find symbol x in y!")))
	assert.Equal(t, "plain", Diagnostic(errors.New("plain")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "configuration", Configuration.String())
	assert.Equal(t, "os resource", OSResource.String())
	assert.Equal(t, "bounds", Bounds.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
