package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/k2io/byondhook/internal/locator"
	"github.com/k2io/byondhook/internal/symbols"
)

func newSymbolsCmd(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "symbols <library> [name...]",
		Short: "Resolve symbols of an ELF or PE library on disk",
		Long: "Prints the offset of each named symbol from the start of the image. " +
			"Without names the build accessor symbol of the running platform is resolved.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := opts.logger(cmd)
			f, err := symbols.Open(args[0])
			if err != nil {
				return err
			}
			log.Debug().Str("format", f.Format).Uint64("base", f.Base).Msg("image opened")

			names := args[1:]
			switch {
			case all:
				names = f.Names()
			case len(names) == 0:
				names = []string{locator.BuildSymbol}
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			var errs []error
			for _, n := range names {
				off, err := f.Lookup(n)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%#x\n", n, off)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "List every symbol")
	return cmd
}
