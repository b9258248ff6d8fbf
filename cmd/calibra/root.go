package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/iqakit/calibra/internal/config"
	"github.com/iqakit/calibra/internal/demometric"
	"github.com/iqakit/calibra/internal/device"
	"github.com/iqakit/calibra/internal/logger"
	"github.com/iqakit/calibra/internal/registry"
	"github.com/iqakit/calibra/internal/tolerance"
)

var (
	cfgPath     string
	refDir      string
	distDir     string
	resultsPath string
	capsPath    string
	deviceName  string
	seed        int64
	metricsAddr string
	logLevel    string
	logFormat   string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "calibra",
	Short: "Calibration harness for image-quality-assessment metrics",
	Long: `Calibra validates IQA metrics three ways: computed scores against the
official result table, numerical consistency across compute backends, and
gradient flow for metrics used as perceptual losses.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgPath != "" {
			cfg, err = config.LoadFile(cfgPath)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}

		// Flags override the config file.
		applyFlagOverrides(cmd)

		logger.Setup(cfg.LogLevel, cfg.LogFormat)

		// Configured tolerance bounds replace the shipped presets, so every
		// profile lookup downstream honors them.
		if err := tolerance.SetProfiles(
			tolerance.Tolerance{Abs: cfg.Tolerance.Abs, Rel: cfg.Tolerance.Rel},
			tolerance.Tolerance{Abs: cfg.Relaxed.Abs, Rel: cfg.Relaxed.Rel},
		); err != nil {
			return err
		}

		if cfg.CapabilityPath != "" {
			if err := registry.DefaultRegistry().LoadCapabilityFile(cfg.CapabilityPath); err != nil {
				return err
			}
		}

		if cfg.MetricsAddr != "" {
			go serveMetrics(cfg.MetricsAddr)
		}
		return nil
	},
}

func applyFlagOverrides(cmd *cobra.Command) {
	if cmd.Flags().Changed("ref") {
		cfg.RefDir = refDir
	}
	if cmd.Flags().Changed("dist") {
		cfg.DistDir = distDir
	}
	if cmd.Flags().Changed("results") {
		cfg.ResultsPath = resultsPath
	}
	if cmd.Flags().Changed("caps") {
		cfg.CapabilityPath = capsPath
	}
	if cmd.Flags().Changed("device") {
		cfg.Device = deviceName
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = seed
	}
	if cmd.Flags().Changed("metrics") {
		cfg.MetricsAddr = metricsAddr
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = logFormat
	}
}

// activeDevice resolves the configured compute device for subcommands; an
// empty setting picks the best available backend.
func activeDevice() (device.Device, error) {
	return device.Parse(cfg.Device)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Log.Info("metrics serving", "addr", addr+"/metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Log.Error("metrics server error", "err", err.Error())
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "Path to YAML config file")
	pf.StringVar(&refDir, "ref", "", "Reference image directory")
	pf.StringVar(&distDir, "dist", "", "Distorted image directory")
	pf.StringVar(&resultsPath, "results", "", "Official results CSV path")
	pf.StringVar(&capsPath, "caps", "", "Metric capability YAML overrides")
	pf.StringVar(&deviceName, "device", "", "Compute device (cpu, parallel; default best available)")
	pf.Int64Var(&seed, "seed", 42, "Random seed for synthetic check inputs")
	pf.StringVar(&metricsAddr, "metrics", "", "Address to serve Prometheus metrics (empty disables)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	// The synthetic smoke metric is always available; real metric packages
	// register themselves the same way.
	if err := demometric.Register(registry.DefaultRegistry()); err != nil {
		panic(err)
	}
}
