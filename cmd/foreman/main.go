// Package main is the entry point for the Foreman CLI
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/foreman/internal/config"
	"github.com/cloud-shuttle/foreman/internal/db"
)

func main() {
	// a .env in the project root feeds the FOREMAN_* overrides
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "foreman",
		Short: "Drive your project to completion with a crew of AI agents",
		Long: `Foreman is a control plane for autonomous build agents. It keeps every
task in a durable state machine, picks the best worker for each job from
its track record, splits oversized work into child tasks, and recovers
from crashed agents without losing progress.`,
		Version: "0.1.0",
	}

	rootCmd.AddCommand(
		initCmd(),
		addCmd(),
		runCmd(),
		statusCmd(),
		taskCmd(),
		watchdogCmd(),
		leaderboardCmd(),
		incidentsCmd(),
		resetCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// findProjectDir locates the foreman project root by searching upward
func findProjectDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, ".foreman")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a foreman project (or any parent up to root)")
		}
		dir = parent
	}
}

// requireProject ensures we're in a foreman project directory
func requireProject() (string, *config.Config, *db.Store, error) {
	dir, err := findProjectDir()
	if err != nil {
		return "", nil, nil, err
	}

	cfg, err := config.Load(filepath.Join(dir, "foreman.toml"))
	if err != nil {
		return "", nil, nil, fmt.Errorf("loading config: %w", err)
	}

	store, err := db.Open(filepath.Join(dir, cfg.DatabasePath))
	if err != nil {
		return "", nil, nil, fmt.Errorf("opening database: %w", err)
	}

	return dir, cfg, store, nil
}
