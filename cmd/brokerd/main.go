// Package main is the CLI entry point for brokerd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packline/brokerd/internal/config"
	"github.com/packline/brokerd/internal/daemon"
	"github.com/packline/brokerd/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "brokerd",
	Short: "Embedded MQTT broker with self-healing lifecycle",
	Long: `brokerd hosts an MQTT broker for line equipment. It picks the best
local network address, resolves port conflicts (terminating stale holders of
the default port or moving to the next free one), retries failed starts and
restarts the broker if it dies.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the broker in the foreground under supervision",
	Long: `Starts the broker and keeps it running until interrupted.
The supervisor checks health every supervision.interval and restarts the
broker if it stopped.`,
	RunE: runRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $BROKERD_CONFIG, ./brokerd.yaml, ~/.config/brokerd/config.yaml)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(adaptersCmd)
	rootCmd.AddCommand(portCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the config selected by --config or the search path.
func loadConfig() (*config.Config, error) {
	cfg, _, err := config.Load(configPath)
	return cfg, err
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, used, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := infra.NewLogger(infra.LoggerOptions{
		Dir:           cfg.Log.Dir,
		Level:         cfg.Log.Level,
		Console:       cfg.Log.Console,
		RetentionDays: cfg.Log.RetentionDays,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if used != "" {
		logger.Info("loaded config", zap.String("path", used))
	}
	if removed, err := infra.CleanupOldLogs(cfg.Log.Dir, cfg.Log.RetentionDays, time.Now()); err != nil {
		logger.Warn("failed to clean up old logs", zap.Error(err))
	} else if removed > 0 {
		logger.Info("removed old log files", zap.Int("count", removed))
	}

	host, err := daemon.NewHost(cfg, logger, daemon.Deps{})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		if err := host.Close(); err != nil {
			logger.Warn("failed to close host", zap.Error(err))
		}
	}()

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	return host.Run(ctx)
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("brokerd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
