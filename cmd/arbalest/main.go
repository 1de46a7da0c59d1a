package main

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/arbalest-llm/arbalest/internal/config"
	"github.com/arbalest-llm/arbalest/internal/logger"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	flagMetrics   string

	cfg *config.Config
)

func main() {
	root := &cobra.Command{
		Use:           "arbalest",
		Short:         "Self-contained LLaMA-family inference runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(flagConfig)
			if err != nil {
				return err
			}
			if flagLogLevel != "" {
				cfg.Log.Level = flagLogLevel
			}
			if flagLogFormat != "" {
				cfg.Log.Format = flagLogFormat
			}
			if flagMetrics != "" {
				cfg.MetricsAddr = flagMetrics
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger.Setup(cfg.Log.Level, cfg.Log.Format)

			if cfg.MetricsAddr != "" && cfg.MetricsAddr != "off" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					logger.Log.Debug("metrics listener", "addr", cfg.MetricsAddr)
					if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
						logger.Log.Warn("metrics server stopped", "error", err)
					}
				}()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format (console, json)")
	root.PersistentFlags().StringVar(&flagMetrics, "metrics", "", "Prometheus listen address, or 'off'")

	root.AddCommand(runCmd())
	root.AddCommand(quantizeCmd())
	root.AddCommand(tokenizeCmd())
	root.AddCommand(inspectCmd())

	if err := root.Execute(); err != nil {
		logger.Log.Error("fatal", "error", err)
		os.Exit(1)
	}
}
