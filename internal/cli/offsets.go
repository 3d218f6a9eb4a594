package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/k2io/byondhook/internal/offsets"
)

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Parse and validate an offsets table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := opts.logger(cmd)
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			table, source, err := opts.table(path)
			if err != nil {
				return err
			}

			seen := map[string]int{}
			out := cmd.OutOrStdout()
			for _, b := range table.Builds() {
				key := fmt.Sprintf("%d/%s", b.Build, b.Platform)
				seen[key]++
				if seen[key] == 2 {
					log.Warn().Int32("build", b.Build).Str("platform", b.Platform).Msg("build listed more than once, the last record wins")
				}
				fmt.Fprintf(out, "build %d %s: ok\n", b.Build, platformName(b.Platform))
			}
			fmt.Fprintf(out, "%s: %d records\n", source, len(table.Builds()))
			return nil
		},
	}
}

type layoutDoc struct {
	Size           uintptr `yaml:"size"`
	PathOffset     uintptr `yaml:"path_offset"`
	BytecodeOffset uintptr `yaml:"bytecode_offset"`
}

type lookupDoc struct {
	Record    offsets.BuildOffsets `yaml:"record"`
	Layout    layoutDoc            `yaml:"procdef_layout"`
	Prologues map[string]int       `yaml:"prologues"`
}

func newLookupCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <build>",
		Short: "Print the record used for a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			build, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid build %q: %w", args[0], err)
			}
			table, _, err := opts.table("")
			if err != nil {
				return err
			}
			o, err := table.Lookup(int32(build))
			if err != nil {
				return err
			}

			l := o.Layout()
			doc := lookupDoc{
				Record:    o,
				Layout:    layoutDoc{Size: l.Size, PathOffset: l.PathOffset, BytecodeOffset: l.BytecodeOffset},
				Prologues: map[string]int{},
			}
			for _, f := range offsets.Functions {
				doc.Prologues[f.String()] = o.PrologueLen(f)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(doc); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func platformName(p string) string {
	if p == "" {
		return "any"
	}
	return p
}
