// Package offsets maps BYOND build numbers to the byte offsets of the
// internals the agent reads and patches.
//
// The table itself is data: an embedded YAML file that operators may replace
// with BYONDHOOK_OFFSETS. Lookup is pure.
package offsets

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/k2io/byondhook/internal/fault"
)

// JmpRel32Len is the size of the E9 rel32 jump written over each prologue.
const JmpRel32Len = 5

// MaxPrologueLen is the largest prologue a 32 byte trampoline slot can replay
// before its jump back.
const MaxPrologueLen = 32 - JmpRel32Len

// UnsupportedMessage is the exact diagnostic for a build missing from the table.
const UnsupportedMessage = "byond version unsupported"

// ErrUnsupported means no record matches the running build.
var ErrUnsupported = errors.New(UnsupportedMessage)

//go:embed offsets.yaml
var embedded []byte

// Function identifies one of the hooked host functions.
type Function int

const (
	ExecProc Function = iota
	ServerTick
	SendMaps
)

// Functions lists every hooked function in installation order.
var Functions = []Function{ExecProc, ServerTick, SendMaps}

func (f Function) String() string {
	switch f {
	case ExecProc:
		return "exec_proc"
	case ServerTick:
		return "server_tick"
	case SendMaps:
		return "send_maps"
	}
	return fmt.Sprintf("function(%d)", int(f))
}

// BuildOffsets is the layout of one host build. Offsets are relative to the
// core library base. Strings, Miscs and Procdefs locate the first record of
// each table; the *Len fields locate the cells holding their lengths.
type BuildOffsets struct {
	Build    int32  `yaml:"build"`
	Platform string `yaml:"platform"`

	Strings     uint32 `yaml:"strings"`
	StringsLen  uint32 `yaml:"strings_len"`
	Miscs       uint32 `yaml:"miscs"`
	MiscsLen    uint32 `yaml:"miscs_len"`
	Procdefs    uint32 `yaml:"procdefs"`
	ProcdefsLen uint32 `yaml:"procdefs_len"`

	// ProcdefsDescriptor packs size | path offset<<8 | bytecode offset<<16.
	ProcdefsDescriptor uint32 `yaml:"procdefs_descriptor"`

	ExecProc   uint32 `yaml:"exec_proc"`
	ServerTick uint32 `yaml:"server_tick"`
	SendMaps   uint32 `yaml:"send_maps"`

	// Prologue packs the prologue lengths: exec | tick<<8 | maps<<16.
	Prologue uint32 `yaml:"prologue"`
}

// ProcDefLayout is the unpacked proc definition descriptor.
type ProcDefLayout struct {
	Size           uintptr
	PathOffset     uintptr
	BytecodeOffset uintptr
}

// Layout unpacks ProcdefsDescriptor.
func (o BuildOffsets) Layout() ProcDefLayout {
	d := o.ProcdefsDescriptor
	return ProcDefLayout{
		Size:           uintptr(d & 0xFF),
		PathOffset:     uintptr((d >> 8) & 0xFF),
		BytecodeOffset: uintptr((d >> 16) & 0xFF),
	}
}

// Offset returns the library relative address of f.
func (o BuildOffsets) Offset(f Function) uint32 {
	switch f {
	case ExecProc:
		return o.ExecProc
	case ServerTick:
		return o.ServerTick
	case SendMaps:
		return o.SendMaps
	}
	return 0
}

// PrologueLen returns how many bytes of f are overwritten by its hook.
func (o BuildOffsets) PrologueLen(f Function) int {
	return int((o.Prologue >> (8 * uint(f))) & 0xFF)
}

// Validate checks the record for values that would corrupt the host if used.
func (o BuildOffsets) Validate() error {
	for _, f := range Functions {
		n := o.PrologueLen(f)
		if n < JmpRel32Len || n > MaxPrologueLen {
			return fault.New(fault.Configuration, "validate",
				fmt.Sprintf("build %d: %s prologue length %d outside [%d, %d]", o.Build, f, n, JmpRel32Len, MaxPrologueLen))
		}
		if o.Offset(f) == 0 {
			return fault.New(fault.Configuration, "validate", fmt.Sprintf("build %d: %s offset missing", o.Build, f))
		}
	}
	l := o.Layout()
	// path, name, desc, category and flags are consecutive; so are
	// bytecode, locals and parameters
	if l.Size == 0 || l.PathOffset+20 > l.Size || l.BytecodeOffset+12 > l.Size {
		return fault.New(fault.Configuration, "validate",
			fmt.Sprintf("build %d: proc definition descriptor %#x inconsistent", o.Build, o.ProcdefsDescriptor))
	}
	if o.Strings == 0 || o.StringsLen == 0 || o.Miscs == 0 || o.MiscsLen == 0 || o.Procdefs == 0 || o.ProcdefsLen == 0 {
		return fault.New(fault.Configuration, "validate", fmt.Sprintf("build %d: table offsets missing", o.Build))
	}
	return nil
}

// Table is an ordered list of build records for one platform.
type Table struct {
	builds []BuildOffsets
}

type document struct {
	Builds []BuildOffsets `yaml:"builds"`
}

// NewTable builds a table from records. It does not validate them.
func NewTable(builds ...BuildOffsets) *Table {
	return &Table{builds: append([]BuildOffsets(nil), builds...)}
}

// Parse decodes a YAML table, keeping the records for platform and validating
// each kept record. Records with no platform apply everywhere; an empty
// platform keeps every record.
func Parse(data []byte, platform string) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fault.Wrapf(fault.Configuration, err, "parse offsets table")
	}
	t := &Table{}
	for _, b := range doc.Builds {
		if platform != "" && b.Platform != "" && b.Platform != platform {
			continue
		}
		if err := b.Validate(); err != nil {
			return nil, err
		}
		t.builds = append(t.builds, b)
	}
	return t, nil
}

// Embedded returns the built-in table document.
func Embedded() []byte { return append([]byte(nil), embedded...) }

// Default returns the embedded table for the running platform.
func Default() (*Table, error) {
	return Parse(embedded, runtime.GOOS)
}

// LoadFile reads a YAML table from path.
func LoadFile(path, platform string) (*Table, error) {
	//nolint:gosec // G304: operator supplied offsets table.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrapf(fault.Configuration, err, "read offsets table %s", path)
	}
	return Parse(data, platform)
}

// Lookup returns the record for build. The scan is linear and the last
// matching record wins.
func (t *Table) Lookup(build int32) (BuildOffsets, error) {
	var (
		found BuildOffsets
		ok    bool
	)
	for _, b := range t.builds {
		if b.Build == build {
			found, ok = b, true
		}
	}
	if !ok {
		return BuildOffsets{}, &fault.Error{Kind: fault.Configuration, Op: "lookup", Msg: UnsupportedMessage, Err: ErrUnsupported}
	}
	return found, nil
}

// Builds returns a copy of the records in table order.
func (t *Table) Builds() []BuildOffsets {
	return append([]BuildOffsets(nil), t.builds...)
}
