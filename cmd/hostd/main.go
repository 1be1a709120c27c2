package main

import (
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagProject string
	flagJSON    bool
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hostd",
		Short: "Lifecycle and health host for the embedding and chain-of-thought sidecars",
		Long: `hostd supervises a project's embedding and chain-of-thought sidecar
processes over Unix domain sockets, monitors transport/database/sidecar
health, and coordinates hot-reload across peer host instances.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagProject, "project", ".", "Project path this host instance serves")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Accepted but not read by any command; output is always plain text")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug logging")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("hostd v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sidecarCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(reloadCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
