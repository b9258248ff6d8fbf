package main

import (
	"github.com/spf13/cobra"

	"github.com/iqakit/calibra/internal/calibra"
	"github.com/iqakit/calibra/internal/logger"
	"github.com/iqakit/calibra/internal/registry"
)

var gradCmd = &cobra.Command{
	Use:   "grad",
	Short: "Check gradient flow for every differentiable metric in loss mode",
	RunE:  runGradient,
}

func runGradient(cmd *cobra.Command, args []string) error {
	dev, err := activeDevice()
	if err != nil {
		return err
	}
	logger.Log.Info("running gradient-flow check",
		"device", string(dev), "metrics", len(registry.ListModels()))

	runner := calibra.NewRunner(registry.DefaultRegistry(), nil, dev, cfg.Seed)
	sum, err := runner.RunGradient(cmd.Context())
	if err != nil {
		return err
	}
	return printSummary(sum)
}

func init() {
	rootCmd.AddCommand(gradCmd)
}
