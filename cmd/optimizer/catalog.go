package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"model_optimizer/internal/registry"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect model catalog files",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check that a catalog file parses and every model is valid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := registry.LoadFile(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Catalog %q: %d models\n", snap.Version, snap.Len())
		for _, m := range snap.Models {
			fmt.Fprintf(out, "  %-24s %-10s prior=%-5.1f tasks=%v\n", m.ID, m.LatencyClass, m.QualityPrior, m.TaskTypes)
		}
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd)
	rootCmd.AddCommand(catalogCmd)
}
