package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iqakit/calibra/internal/calibra"
	"github.com/iqakit/calibra/internal/fixtures"
	"github.com/iqakit/calibra/internal/logger"
	"github.com/iqakit/calibra/internal/registry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compare every metric in the official result table against the corpus",
	RunE:  runOfficial,
}

func runOfficial(cmd *cobra.Command, args []string) error {
	session, err := fixtures.NewSession(cfg)
	if err != nil {
		return err
	}
	defer session.Teardown()

	dev, err := session.Device()
	if err != nil {
		return err
	}
	dist, ref, err := session.Corpus()
	if err != nil {
		return err
	}
	table, err := session.Results()
	if err != nil {
		return err
	}

	logger.Log.Info("running official-value check",
		"metrics", table.Len(), "corpus", table.CorpusLen(), "device", string(dev))

	runner := calibra.NewRunner(registry.DefaultRegistry(), table, dev, session.Seed())
	sum, err := runner.RunOfficial(cmd.Context(), dist, ref)
	if err != nil {
		return err
	}
	return printSummary(sum)
}

func printSummary(sum calibra.Summary) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tCHECK\tRESULT\tMAX ABS ERR\tMAX REL ERR")
	for _, r := range sum.Reports {
		result := "pass"
		switch {
		case r.Skipped:
			result = "skip (" + r.Reason + ")"
		case !r.Pass:
			result = "FAIL"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.3e\t%.3e\n",
			r.Metric, r.Check, result, r.MaxAbsErr, r.MaxRelErr)
	}
	w.Flush()

	if failed := sum.Failed(); len(failed) > 0 {
		for _, r := range failed {
			logger.Log.Error("calibration failure", "metric", r.Metric,
				"check", string(r.Check), "err", fmt.Sprint(r.Err))
		}
		return fmt.Errorf("%d of %d checks failed", len(failed), len(sum.Reports))
	}
	logger.Log.Info("all checks passed", "passed", sum.Passed(), "skipped", sum.Skipped())
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
