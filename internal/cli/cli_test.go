package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/k2io/byondhook/internal/offsets"
)

const table = `
builds:
  - build: 1500
    platform: linux
    strings: 0x10
    strings_len: 0x14
    miscs: 0x18
    miscs_len: 0x1c
    procdefs: 0x20
    procdefs_len: 0x24
    procdefs_descriptor: 0x180024
    exec_proc: 0x100
    server_tick: 0x200
    send_maps: 0x300
    prologue: 0x050605
  - build: 1500
    platform: linux
    strings: 0x10
    strings_len: 0x14
    miscs: 0x18
    miscs_len: 0x1c
    procdefs: 0x20
    procdefs_len: 0x24
    procdefs_descriptor: 0x180024
    exec_proc: 0x180
    server_tick: 0x200
    send_maps: 0x300
    prologue: 0x050607
  - build: 1501
    platform: windows
    strings: 0x10
    strings_len: 0x14
    miscs: 0x18
    miscs_len: 0x1c
    procdefs: 0x20
    procdefs_len: 0x24
    procdefs_descriptor: 0x180024
    exec_proc: 0x100
    server_tick: 0x200
    send_maps: 0x300
    prologue: 0x060706
`

func writeTable(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offsets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("BYONDHOOK_OFFSETS", "")
	var stdout, stderr bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestValidate(t *testing.T) {
	path := writeTable(t, table)

	out, stderr, err := run(t, "validate", "--platform", "linux", path)
	require.NoError(t, err)
	assert.Equal(t, "build 1500 linux: ok\nbuild 1500 linux: ok\n"+path+": 2 records\n", out)
	assert.Contains(t, stderr, "last record wins")

	out, _, err = run(t, "validate", "--platform", "", path)
	require.NoError(t, err)
	assert.Contains(t, out, "3 records")
}

func TestValidateBuiltin(t *testing.T) {
	out, _, err := run(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "built-in: ")
}

func TestValidateRejects(t *testing.T) {
	path := writeTable(t, "builds:\n  - build: 3\n    platform: linux\n    prologue: 0x040404\n")

	_, _, err := run(t, "validate", "--platform", "linux", path)
	require.Error(t, err)
}

func TestLookup(t *testing.T) {
	path := writeTable(t, table)

	out, _, err := run(t, "lookup", "--platform", "linux", "--offsets", path, "1500")
	require.NoError(t, err)

	var doc struct {
		Record    offsets.BuildOffsets `yaml:"record"`
		Layout    layoutDoc            `yaml:"procdef_layout"`
		Prologues map[string]int       `yaml:"prologues"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	// last record wins
	assert.Equal(t, uint32(0x180), doc.Record.ExecProc)
	assert.Equal(t, layoutDoc{Size: 0x24, PathOffset: 0, BytecodeOffset: 0x18}, doc.Layout)
	assert.Equal(t, map[string]int{"exec_proc": 7, "server_tick": 6, "send_maps": 5}, doc.Prologues)
}

func TestLookupUnsupported(t *testing.T) {
	path := writeTable(t, table)

	_, _, err := run(t, "lookup", "--platform", "linux", "--offsets", path, "1501")
	assert.EqualError(t, err, offsets.UnsupportedMessage)

	_, _, err = run(t, "lookup", "15o0")
	assert.ErrorContains(t, err, "invalid build")
}

func TestSymbolsMissingFile(t *testing.T) {
	_, _, err := run(t, "symbols", filepath.Join(t.TempDir(), "libbyond.so"))
	require.Error(t, err)
}
