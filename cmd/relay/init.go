package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inflo-ai/relay/internal/config"
	"github.com/inflo-ai/relay/internal/database"
)

var (
	initForce   bool
	initHomeDir string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize relay configuration and database",
	Long: `Initialize the relay home directory by creating:
- The home directory structure
- A default configuration file
- The SQLite database with schema applied

Run this once before 'relay serve'. Existing files are left untouched
unless --force is given.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing configuration file")
	initCmd.Flags().StringVar(&initHomeDir, "home", "", "Custom home directory (default: ~/.relay)")
}

func runInit(cmd *cobra.Command, _ []string) error {
	homeDir := initHomeDir
	if homeDir == "" {
		homeDir = os.Getenv("RELAY_HOME")
	}
	if homeDir == "" {
		homeDir = config.DefaultHomeDir()
	}

	cmd.Printf("Initializing relay in %s...\n", homeDir)

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("failed to create home directory: %w", err)
	}

	configPath := config.DefaultConfigPath(homeDir)
	configCreated, err := writeDefaultConfig(configPath, homeDir)
	if err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(homeDir, "relay.db")

	db, err := database.OpenWithConfig(database.Config{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxConnections,
		BusyTimeout:  cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	cmd.Println("\nRelay initialized successfully!")
	cmd.Printf("  Home directory: %s\n", homeDir)
	cmd.Printf("  Config created: %v\n", configCreated)
	cmd.Printf("  Database: %s\n", cfg.Database.Path)
	if !configCreated {
		cmd.Printf("  (existing config at %s left untouched; use --force to overwrite)\n", configPath)
	}
	return nil
}

// writeDefaultConfig writes the default config file, pinning paths to the
// chosen home directory. Returns whether a file was written.
func writeDefaultConfig(path, homeDir string) (bool, error) {
	if _, err := os.Stat(path); err == nil && !initForce {
		return false, nil
	} else if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to check config file: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(homeDir, "relay.db")

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("failed to render config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to write config file: %w", err)
	}
	return true, nil
}
