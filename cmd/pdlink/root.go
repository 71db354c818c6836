package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oxplot/go-pdlink/internal/config"
	"github.com/oxplot/go-pdlink/internal/log"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	verbosity  int

	// Set up by the root command before any subcommand runs.
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pdlink",
	Short: "USB Power Delivery link layer tool",
	Long: `Pdlink runs the software USB Power Delivery link layer.

The sim command connects an emulated source and sink over a simulated CC line
and negotiates a power contract between them. The sink command negotiates
with a source through a TCPCI port controller on an I2C bus. The trace command
prints the messages recorded by sim --trace.

Settings are read from the file given with --config. Values in the file may
reference environment variables as ${VAR} or ${VAR:-default}.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (console or json)")
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbosity", "v", 0, "Link layer debug level (0-2)")
}

func setup(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c
	} else {
		cfg = config.Default()
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("verbosity") {
		cfg.Verbosity = verbosity
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	l, err := log.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	logger = l
	return nil
}
