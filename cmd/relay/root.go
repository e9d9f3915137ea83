package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inflo-ai/relay/internal/config"
	"github.com/inflo-ai/relay/pkg/version"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - shared memory and handoff coordination for lead agents",
	Long: `Relay is the coordination service a fleet of specialized lead-pipeline
agents shares: a four-tier memory system with background consolidation,
and a handoff coordinator that moves conversations between agents with
idempotent transfer and human-escalation semantics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file (default $RELAY_HOME/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolveConfigPath returns the config file to load, preferring the flag,
// then the environment, then the default home layout.
func resolveConfigPath() string {
	if configFile != "" {
		return configFile
	}
	home := os.Getenv("RELAY_HOME")
	if home == "" {
		home = config.DefaultHomeDir()
	}
	return config.DefaultConfigPath(home)
}

// loadConfig loads and validates configuration, falling back to defaults
// when no config file exists yet.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader(config.NewValidator())
	return loader.LoadWithDefaults(resolveConfigPath())
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Println(version.String())
	},
}
