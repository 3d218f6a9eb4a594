//go:build cgo

// Command byondhook is the agent library loaded into the host with
// call_ext. Build it as a 32-bit shared library:
//
//	CGO_ENABLED=1 GOARCH=386 go build -buildmode=c-shared -o byondhook.so ./cmd/byondhook
//
// The host calls init once; every later call reports the first outcome.
package main

/*
#include "shim.h"
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/k2io/byondhook/internal/agent"
	"github.com/k2io/byondhook/internal/config"
	"github.com/k2io/byondhook/internal/dispatch"
	"github.com/k2io/byondhook/internal/logging"
	"github.com/k2io/byondhook/internal/mem"
	"github.com/k2io/byondhook/internal/offsets"
	"github.com/k2io/byondhook/internal/telemetry"
)

var (
	// guards creation of the agent, not setup itself
	agentLock sync.Mutex
	current   atomic.Pointer[agent.Agent]

	// status strings handed to the host; the host never frees them
	statusLock sync.Mutex
	statuses   = map[string]*C.char{}
)

func cstring(s string) *C.char {
	statusLock.Lock()
	defer statusLock.Unlock()
	if p, ok := statuses[s]; ok {
		return p
	}
	p := C.CString(s)
	statuses[s] = p
	return p
}

func getAgent() (*agent.Agent, error) {
	agentLock.Lock()
	defer agentLock.Unlock()
	if a := current.Load(); a != nil {
		return a, nil
	}
	a, err := newAgent()
	if err != nil {
		return nil, err
	}
	current.Store(a)
	return a, nil
}

func newAgent() (*agent.Agent, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	out, err := logging.Open(cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", cfg.LogFile, err)
	}
	base := logging.New(cfg.Logging(out))
	log := base.With().Str("component", "loader").Logger()

	table, err := offsets.Default()
	if cfg.Offsets != "" {
		table, err = offsets.LoadFile(cfg.Offsets, runtime.GOOS)
	}
	if err != nil {
		return nil, err
	}

	var sink telemetry.Sink = telemetry.Nop{}
	if cfg.Sink == config.SinkLog {
		sink = telemetry.NewLogSink(base.With().Str("component", "telemetry").Logger())
	}
	log.Info().Str("sink", cfg.Sink).Int("builds", len(table.Builds())).Msg("agent loaded")

	return agent.New(agent.Environment{
		Process:   mem.Self(),
		ReadBuild: readBuild,
		Hooks: [3]uintptr{
			offsets.ExecProc:   uintptr(C.bh_exec_proc_hook()),
			offsets.ServerTick: uintptr(C.bh_server_tick_hook()),
			offsets.SendMaps:   uintptr(C.bh_send_maps_hook()),
		},
		Table:  table,
		Sink:   sink,
		Logger: base,
		Debug:  cfg.Debug,
	}), nil
}

func readBuild(addr uintptr) (int32, error) {
	return int32(C.bh_call_get_build(C.uintptr_t(addr))), nil
}

func status() (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = fmt.Sprintf("init panicked: %v", r)
		}
	}()
	a, err := getAgent()
	if err != nil {
		return err.Error()
	}
	return a.Init()
}

//export byondhookInit
func byondhookInit() *C.char {
	return cstring(status())
}

func instance() *agent.Instance {
	return current.Load().Instance()
}

//export byondhookExecProc
func byondhookExecProc(proc C.uintptr_t) C.dm_value {
	inst := instance()
	v := inst.Dispatcher.ExecProc(uintptr(proc), func(frame uintptr) dispatch.Value {
		r := C.bh_call_exec_proc(C.uintptr_t(inst.Original(offsets.ExecProc)), C.uintptr_t(frame))
		return dispatch.Value{Type: uint32(r.tag), Data: uint32(r.data)}
	})
	return C.dm_value{tag: C.uint32_t(v.Type), data: C.uint32_t(v.Data)}
}

//export byondhookServerTick
func byondhookServerTick() C.int32_t {
	inst := instance()
	return C.int32_t(inst.Dispatcher.ServerTick(func() int32 {
		return int32(C.bh_call_server_tick(C.uintptr_t(inst.Original(offsets.ServerTick))))
	}))
}

//export byondhookSendMaps
func byondhookSendMaps() {
	inst := instance()
	inst.Dispatcher.SendMaps(func() {
		C.bh_call_send_maps(C.uintptr_t(inst.Original(offsets.SendMaps)))
	})
}

func main() {}
