package offsets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/byondhook/internal/fault"
)

func record(build int32) BuildOffsets {
	return BuildOffsets{
		Build:              build,
		Strings:            0x1000,
		StringsLen:         0x1004,
		Miscs:              0x1008,
		MiscsLen:           0x100c,
		Procdefs:           0x1010,
		ProcdefsLen:        0x1014,
		ProcdefsDescriptor: 0x180024,
		ExecProc:           0x2000,
		ServerTick:         0x3000,
		SendMaps:           0x4000,
		Prologue:           0x050706,
	}
}

func TestLookup(t *testing.T) {
	table := NewTable(record(1000), record(1234))

	got, err := table.Lookup(1234)
	require.NoError(t, err)
	assert.Equal(t, int32(1234), got.Build)
}

func TestLookupLastMatchWins(t *testing.T) {
	first := record(1234)
	second := record(1234)
	second.ExecProc = 0x2222

	got, err := NewTable(first, second).Lookup(1234)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2222), got.ExecProc)
}

func TestLookupUnsupported(t *testing.T) {
	_, err := NewTable(record(1000)).Lookup(999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupported))
	assert.Equal(t, fault.Configuration, fault.KindOf(err))
	assert.Equal(t, "byond version unsupported", fault.Diagnostic(err))
	assert.Equal(t, "byond version unsupported", err.Error())
}

func TestPrologueLen(t *testing.T) {
	o := record(1)
	assert.Equal(t, 6, o.PrologueLen(ExecProc))
	assert.Equal(t, 7, o.PrologueLen(ServerTick))
	assert.Equal(t, 5, o.PrologueLen(SendMaps))
}

func TestLayout(t *testing.T) {
	o := record(1)
	o.ProcdefsDescriptor = 0x1c0428
	assert.Equal(t, ProcDefLayout{Size: 0x28, PathOffset: 0x04, BytecodeOffset: 0x1c}, o.Layout())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BuildOffsets)
	}{
		{"short prologue", func(o *BuildOffsets) { o.Prologue = 0x050504 }},
		{"long prologue", func(o *BuildOffsets) { o.Prologue = 0x1c0505 }},
		{"missing target", func(o *BuildOffsets) { o.SendMaps = 0 }},
		{"bytecode past record", func(o *BuildOffsets) { o.ProcdefsDescriptor = 0x200024 }},
		{"zero size", func(o *BuildOffsets) { o.ProcdefsDescriptor = 0x180000 }},
		{"missing table", func(o *BuildOffsets) { o.MiscsLen = 0 }},
	}
	require.NoError(t, record(1).Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := record(1)
			tt.mutate(&o)
			err := o.Validate()
			require.Error(t, err)
			assert.Equal(t, fault.Configuration, fault.KindOf(err))
		})
	}
}

func TestDefaultTable(t *testing.T) {
	table, err := Default()
	require.NoError(t, err)
	for _, b := range table.Builds() {
		assert.NoError(t, b.Validate(), "build %d", b.Build)
	}
	_, err = table.Lookup(1)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSampleTablePrologues(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "sample.yaml"))
	require.NoError(t, err)
	for _, platform := range []string{"windows", "linux"} {
		table, err := Parse(data, platform)
		require.NoError(t, err)
		require.NotEmpty(t, table.Builds(), platform)
		for _, b := range table.Builds() {
			assert.Equal(t, platform, b.Platform)
			for _, f := range Functions {
				assert.GreaterOrEqual(t, b.PrologueLen(f), JmpRel32Len, "build %d %s", b.Build, f)
			}
		}
	}
}

func TestParseFiltersPlatform(t *testing.T) {
	data := []byte(`
builds:
  - build: 10
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
    prologue: 0x050505
  - build: 11
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
    prologue: 0x050505
`)
	table, err := Parse(data, "linux")
	require.NoError(t, err)
	require.Len(t, table.Builds(), 1)
	assert.Equal(t, int32(11), table.Builds()[0].Build)
	assert.Equal(t, uint32(0x100), table.Builds()[0].ExecProc)
}

func TestParseRejectsInvalidRecord(t *testing.T) {
	data := []byte("builds:\n  - build: 3\n    prologue: 0x040404\n")
	_, err := Parse(data, "linux")
	require.Error(t, err)
	assert.Equal(t, fault.Configuration, fault.KindOf(err))
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("builds: [oops"), "linux")
	require.Error(t, err)
	assert.Equal(t, fault.Configuration, fault.KindOf(err))
}

func TestLoadFile(t *testing.T) {
	table, err := LoadFile(filepath.Join("testdata", "sample.yaml"), "windows")
	require.NoError(t, err)
	o, err := table.Lookup(1645)
	require.NoError(t, err)
	assert.Equal(t, 6, o.PrologueLen(ExecProc))
	_, err = table.Lookup(1700)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), "windows")
	require.Error(t, err)
	assert.Equal(t, fault.Configuration, fault.KindOf(err))
}
