// Package config reads agent settings from the environment. The agent is
// loaded into a host process that owns its command line, so environment
// variables are the only channel an operator has.
package config

import (
	"fmt"
	"io"

	"github.com/xyproto/env/v2"

	"github.com/k2io/byondhook/internal/logging"
)

// Environment variables.
const (
	EnvLogLevel  = "BYONDHOOK_LOG_LEVEL"
	EnvLogPretty = "BYONDHOOK_LOG_PRETTY"
	EnvLogFile   = "BYONDHOOK_LOG_FILE"
	EnvOffsets   = "BYONDHOOK_OFFSETS"
	EnvSink      = "BYONDHOOK_SINK"
	EnvDebug     = "BYONDHOOK_DEBUG"
)

// Telemetry sinks.
const (
	SinkLog = "log"
	SinkNop = "nop"
)

var levels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "off": true, "disabled": true,
}

// Config is the agent configuration.
type Config struct {
	LogLevel  string
	LogPretty bool
	// LogFile is appended to; empty means stderr.
	LogFile string
	// Offsets is a YAML offsets table replacing the built-in one.
	Offsets string
	Sink    string
	// Debug turns on patch dumps.
	Debug bool
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{LogLevel: "info", Sink: SinkLog}
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	d := Default()
	cfg := Config{
		LogLevel:  env.Str(EnvLogLevel, d.LogLevel),
		LogPretty: env.Bool(EnvLogPretty),
		LogFile:   env.Str(EnvLogFile),
		Offsets:   env.Str(EnvOffsets),
		Sink:      env.Str(EnvSink, d.Sink),
		Debug:     env.Bool(EnvDebug),
	}
	return cfg, cfg.Validate()
}

// Validate rejects unknown level and sink names.
func (c Config) Validate() error {
	if !levels[c.LogLevel] {
		return fmt.Errorf("%s: unknown log level %q", EnvLogLevel, c.LogLevel)
	}
	switch c.Sink {
	case SinkLog, SinkNop:
	default:
		return fmt.Errorf("%s: unknown sink %q", EnvSink, c.Sink)
	}
	return nil
}

// Logging returns the logger configuration writing to out.
func (c Config) Logging(out io.Writer) logging.Config {
	lc := logging.DefaultConfig()
	lc.Pretty = c.LogPretty
	if c.LogLevel != "" {
		lc.Level = c.LogLevel
	}
	if out != nil {
		lc.Output = out
	}
	return lc
}
