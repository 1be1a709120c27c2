package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidecarhost/hostd/internal/daemon"
	"github.com/sidecarhost/hostd/internal/health"
	"github.com/sidecarhost/hostd/internal/project"
	"github.com/sidecarhost/hostd/internal/storage"
)

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Inspect component health without a running host process",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Probe the database and both sidecar sockets directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			return healthStatus(flagProject)
		},
	})

	return cmd
}

// healthStatus runs each probe once, out of process, rather than reading a
// running monitor's state — there is no IPC channel into a live host other
// than the MCP stdio tools, which only exist while a client is attached to
// that process's stdin/stdout.
func healthStatus(projectPath string) error {
	identity, err := project.New(projectPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	running, pidInfo, err := daemon.CheckPIDFileJSON(identity.HostPIDPath())
	if err == nil && running {
		fmt.Printf("host: running (PID %d)\n", pidInfo.PID)
	} else {
		fmt.Println("host: not running")
	}

	dbPath := identity.VarDir() + "/hostd.db"
	if _, statErr := os.Stat(dbPath); statErr == nil {
		db, openErr := storage.Open(dbPath)
		if openErr != nil {
			fmt.Printf("database: %s\n", health.Unhealthy)
		} else {
			defer func() { _ = db.Close() }()
			rec := (&health.DatabaseProbe{DB: db}).Check(ctx)
			printRecord(rec)
		}
	} else {
		fmt.Println("database: not initialized")
	}

	embeddingRec := (&health.EmbeddingProbe{SocketPath: identity.SocketPath(project.Embedding)}).Check(ctx)
	printNamedRecord("embedding", embeddingRec)

	cotRec := (&health.EmbeddingProbe{SocketPath: identity.SocketPath(project.CoT)}).Check(ctx)
	printNamedRecord("minicot", cotRec)

	return nil
}

func printRecord(rec health.ComponentRecord) {
	printNamedRecord(rec.Name, rec)
}

func printNamedRecord(name string, rec health.ComponentRecord) {
	if rec.LastError != "" {
		fmt.Printf("%s: %s (%s)\n", name, rec.Health, rec.LastError)
		return
	}
	fmt.Printf("%s: %s\n", name, rec.Health)
}
