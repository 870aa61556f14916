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
	"go.uber.org/zap/zapcore"

	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/logging"
)

var (
	// Global flags
	verbose     bool
	jsonOut     bool
	workspace   string
	timeout     time.Duration
	providerID  string
	panelEngine string
	costPref    string
	aiEnabled   bool
	offline     bool
	dryRun      bool

	// Logger
	logger *zap.Logger

	// cfg is loaded once in the root PersistentPreRunE and shared by
	// every command in the process.
	cfg *config.Config

	// exitCode is what main exits with after a clean Execute. Commands
	// that own a verdict (preflight) raise it; everything else leaves
	// it at zero.
	exitCode int
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "guard",
	Short: "storyguard - story-driven development governance",
	Long: `storyguard enforces Story-Driven Development on a repository: every
change is checked against accepted ADR enforcement rules, journey
behavioral contracts, and a multi-role AI governance council before it
merges.

The deterministic gates (linters, ADR lint, journeys) are binding on
their own; the council can add blocks but never lift one. All state
lives under the repo-local .agent/ directory.

Exit codes: 0 pass, 1 failure, 2 gate blocked, 3 configuration error.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
			workspace = cwd
		}

		var err error
		cfg, err = config.Load(workspace)
		if err != nil {
			return err
		}
		if providerID != "" {
			cfg.AI.Active = providerID
		}
		if panelEngine != "" {
			cfg.Council.Engine = panelEngine
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := logging.Initialize(workspace); err != nil {
			return err
		}

		// Initialize logger
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Emit machine-readable JSON instead of styled output")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Minute, "Operation timeout")
	rootCmd.PersistentFlags().StringVar(&providerID, "provider", "", "Override the active AI provider for this run")
	rootCmd.PersistentFlags().StringVar(&panelEngine, "panel-engine", "", "Council engine: legacy, parallel, or adk")
	rootCmd.PersistentFlags().StringVar(&costPref, "cost", "balance", "Model routing preference: minimize, balance, or performance")
	rootCmd.PersistentFlags().BoolVar(&aiEnabled, "ai", true, "Allow AI provider calls")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "Never call an AI provider (skips the council)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Review without writing audit artifacts or run records")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "guard:", err)
		if errs.IsKind(err, errs.KindConfig) {
			os.Exit(3)
		}
		os.Exit(1)
	}
	os.Exit(exitCode)
}

// aiAllowed folds the --ai/--offline pair; --offline wins.
func aiAllowed() bool {
	return aiEnabled && !offline
}

// commandContext carries the --timeout deadline and cancels on SIGINT
// or SIGTERM so a half-finished run still flushes its audit trail.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
