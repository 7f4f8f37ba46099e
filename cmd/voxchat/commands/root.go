package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxlink/voxlink/pkg/cli"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	contextName string

	// Global configuration (loaded at init time)
	globalConfig *cli.Config
)

var rootCmd = &cobra.Command{
	Use:   "voxchat",
	Short: "Voice and text conversations with voxlink agents",
	Long: `voxchat - talk to voxlink agents from the terminal.

A context names one backend deployment (endpoint, worker, credentials).
Contexts are stored in ~/.voxchat/config.yaml; conversation history is
kept under ~/.voxchat/history.

Examples:
  # Create a context and make it current
  voxchat config add-context dev --endpoint wss://chat.example.com/ws --worker worker-1
  voxchat config use-context dev

  # Talk to the current context's worker
  voxchat chat

  # Inspect stored history
  voxchat history sessions
  voxchat history --session <id> --jq '.[] | .content'`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.voxchat/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&contextName, "context", "c", "", "context to use (default: current context)")
}

// configLoadErr stores the error from cli.LoadConfig for deferred
// reporting, so commands that never touch config (like version) still
// work when HOME is unavailable.
var configLoadErr error

func initConfig() {
	cfg, err := cli.LoadConfigWithPath(configPath)
	if err != nil {
		configLoadErr = err
		return
	}
	globalConfig = cfg
}

// GetConfig returns the global configuration, or the load error that
// prevented it.
func GetConfig() (*cli.Config, error) {
	if globalConfig == nil {
		if configLoadErr != nil {
			return nil, fmt.Errorf("failed to load config: %w", configLoadErr)
		}
		return nil, fmt.Errorf("config not initialized")
	}
	return globalConfig, nil
}

// IsVerbose reports whether --verbose was set.
func IsVerbose() bool {
	return verbose
}
