package config

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, name := range []string{EnvLogLevel, EnvLogPretty, EnvLogFile, EnvOffsets, EnvSink, EnvDebug} {
		t.Setenv(name, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogPretty, "true")
	t.Setenv(EnvLogFile, "/var/log/byondhook.log")
	t.Setenv(EnvOffsets, "/etc/byondhook/offsets.yaml")
	t.Setenv(EnvSink, "nop")
	t.Setenv(EnvDebug, "1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Config{
		LogLevel:  "debug",
		LogPretty: true,
		LogFile:   "/var/log/byondhook.log",
		Offsets:   "/etc/byondhook/offsets.yaml",
		Sink:      SinkNop,
		Debug:     true,
	}, cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		err  string
	}{
		{"default", Default(), ""},
		{"trace", Config{LogLevel: "trace", Sink: SinkLog}, ""},
		{"bad level", Config{LogLevel: "loud", Sink: SinkLog}, `unknown log level "loud"`},
		{"bad sink", Config{LogLevel: "info", Sink: "tracy"}, `unknown sink "tracy"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.err == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestLoadRejectsUnknownSink(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvSink, "tracy")

	_, err := Load()
	assert.ErrorContains(t, err, EnvSink)
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	lc := Config{LogLevel: "warn", LogPretty: true}.Logging(&buf)
	assert.Equal(t, "warn", lc.Level)
	assert.True(t, lc.Pretty)
	assert.Same(t, &buf, lc.Output)

	lc = Config{}.Logging(nil)
	assert.Equal(t, "info", lc.Level)
	assert.Equal(t, os.Stderr, lc.Output)
}
