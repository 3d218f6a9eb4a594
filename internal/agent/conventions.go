package agent

import (
	"github.com/k2io/byondhook"
	"github.com/k2io/byondhook/internal/offsets"
)

// Conventions is the calling convention of every hooked function and of the
// build accessor on one platform. The C shim declares its entry points with
// the same conventions.
type Conventions struct {
	Hooks [3]byondhook.Convention
	// Build is the convention of GetByondBuild, a ByondLib member function.
	Build byondhook.Convention
	// BuildThis reports whether the build accessor takes a this argument on
	// the stack rather than in ECX.
	BuildThis bool
}

var (
	windowsConventions = Conventions{
		Hooks: [3]byondhook.Convention{
			offsets.ExecProc:   byondhook.Cdecl,
			offsets.ServerTick: byondhook.Stdcall,
			offsets.SendMaps:   byondhook.Cdecl,
		},
		Build: byondhook.Thiscall,
	}
	linuxConventions = Conventions{
		Hooks: [3]byondhook.Convention{
			offsets.ExecProc:   byondhook.Regparm3,
			offsets.ServerTick: byondhook.Cdecl,
			offsets.SendMaps:   byondhook.Cdecl,
		},
		Build:     byondhook.Cdecl,
		BuildThis: true,
	}
)

// ConventionsFor returns the conventions of the host built for goos.
func ConventionsFor(goos string) Conventions {
	if goos == "windows" {
		return windowsConventions
	}
	return linuxConventions
}

// Of returns the convention of the hook for f.
func (c Conventions) Of(f offsets.Function) byondhook.Convention { return c.Hooks[f] }
