package main

import (
	"github.com/spf13/cobra"

	"github.com/iqakit/calibra/internal/calibra"
	"github.com/iqakit/calibra/internal/device"
	"github.com/iqakit/calibra/internal/logger"
	"github.com/iqakit/calibra/internal/registry"
)

var consistencyCmd = &cobra.Command{
	Use:   "consistency",
	Short: "Check that metrics score identical input the same on every backend",
	RunE:  runConsistency,
}

func runConsistency(cmd *cobra.Command, args []string) error {
	dev, err := activeDevice()
	if err != nil {
		return err
	}
	logger.Log.Info("running cross-device consistency check",
		"devices", len(device.Available()), "metrics", len(registry.ListModels()))

	runner := calibra.NewRunner(registry.DefaultRegistry(), nil, dev, cfg.Seed)
	sum, err := runner.RunConsistency(cmd.Context())
	if err != nil {
		return err
	}
	return printSummary(sum)
}

func init() {
	rootCmd.AddCommand(consistencyCmd)
}
