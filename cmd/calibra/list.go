package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iqakit/calibra/internal/registry"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered metrics with their capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		r := registry.DefaultRegistry()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "METRIC\tDETERMINISTIC\tDIFFERENTIABLE\tDIR INPUT\tSTABLE ON RANDOM\tTOLERANCE")
		for _, name := range r.ListModels() {
			caps, err := r.Caps(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%t\t%t\t%t\t%t\t%s\n",
				name, caps.Deterministic, caps.Differentiable,
				caps.DirectoryInput, caps.StableOnRandom, caps.Tolerance)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
