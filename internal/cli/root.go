// Package cli implements byondoffsets, the operator tool for offset tables.
package cli

import (
	"runtime"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"

	"github.com/k2io/byondhook/internal/config"
	"github.com/k2io/byondhook/internal/logging"
	"github.com/k2io/byondhook/internal/offsets"
)

type options struct {
	platform string
	offsets  string
	logLevel string
}

func (o *options) logger(cmd *cobra.Command) zerolog.Logger {
	return logging.NewWithComponent(logging.Config{
		Level:  o.logLevel,
		Pretty: true,
		Output: cmd.ErrOrStderr(),
	}, "cli")
}

// table loads path, the --offsets table, or the built-in one, in that order.
func (o *options) table(path string) (*offsets.Table, string, error) {
	if path == "" {
		path = o.offsets
	}
	if path == "" {
		t, err := offsets.Parse(offsets.Embedded(), o.platform)
		return t, "built-in", err
	}
	t, err := offsets.LoadFile(path, o.platform)
	return t, path, err
}

// NewRootCmd returns the byondoffsets command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "byondoffsets",
		Short:         "Inspect BYOND offset tables and core library symbols",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.platform, "platform", runtime.GOOS, "Platform whose records are used (empty for all)")
	cmd.PersistentFlags().StringVar(&opts.offsets, "offsets", env.Str(config.EnvOffsets), "Offsets table to use instead of the built-in one")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error)")

	cmd.AddCommand(
		newValidateCmd(opts),
		newLookupCmd(opts),
		newSymbolsCmd(opts),
	)
	return cmd
}

// Execute runs the command tree with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}
