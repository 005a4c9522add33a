// Package commands implements the nvmehint command line.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/sushant-115/nvmehint/core/hint_engine/dispatcher"
	internaltelemetry "github.com/sushant-115/nvmehint/internal/telemetry"
	"github.com/sushant-115/nvmehint/pkg/config"
	"github.com/sushant-115/nvmehint/pkg/logger"
	"github.com/sushant-115/nvmehint/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "nvmehint",
	Short: "NVMe buffer lifecycle hints",
	Long: `nvmehint tells an NVMe namespace which buffer-pool pages are clean,
dirty or evicted, using Dataset Management commands addressed at the
physical sectors that back each page.

Use "nvmehint [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(hintCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func loadConfig() (config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

// env is what every command that touches the device needs.
type env struct {
	cfg      config.Config
	logger   *zap.Logger
	tel      *telemetry.Telemetry
	metrics  *internaltelemetry.HintMetrics
	shutdown telemetry.ShutdownFunc
}

func setup() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := internaltelemetry.NewHintMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to register hint metrics: %w", err)
	}
	return &env{cfg: cfg, logger: log, tel: tel, metrics: metrics, shutdown: shutdown}, nil
}

func (e *env) dispatcherOptions() dispatcher.Options {
	return dispatcher.Options{
		Logger:  e.logger,
		Tracer:  e.tel.Tracer,
		Metrics: e.metrics,
	}
}

func (e *env) close() {
	if err := e.shutdown(context.Background()); err != nil {
		e.logger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	_ = e.logger.Sync()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}
