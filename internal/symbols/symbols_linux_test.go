package symbols

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/byondhook/internal/testutil"
)

func TestOpenSelf(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	testutil.SkipWithoutSymbols(t, exe)

	f, err := Open(exe)
	require.NoError(t, err)
	assert.Equal(t, "elf", f.Format)

	off, err := f.Lookup("runtime.GC")
	require.NoError(t, err)
	assert.NotZero(t, off)
	assert.Contains(t, f.Names(), "runtime.main")
}
