package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sidecarhost/hostd/internal/daemon"
	"github.com/sidecarhost/hostd/internal/mcp"
	"github.com/sidecarhost/hostd/internal/project"
	"github.com/sidecarhost/hostd/internal/storage"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the host in the foreground, serving MCP tools over stdio",
		Long: `run brings up both sidecar supervisors, the health monitor, the
stdio transport, and the instance registry for one project, then serves
the host_status/sidecar_status/reload_daemon MCP tools over stdin/stdout
until the client disconnects or the process receives SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(flagProject)
		},
	}
}

func runHost(projectPath string) error {
	identity, err := project.New(projectPath)
	if err != nil {
		return fmt.Errorf("resolve project identity: %w", err)
	}

	log := newLogger()

	dbPath := filepath.Join(identity.VarDir(), "hostd.db")
	if err := os.MkdirAll(identity.VarDir(), 0o700); err != nil {
		return fmt.Errorf("create var directory: %w", err)
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		log.Warn("opening host database failed, continuing without a database probe", "error", err)
		db = nil
	} else {
		defer func() { _ = db.Close() }()
	}

	lifecycle := daemon.NewLifecycle(daemon.Config{
		Identity: identity,
		DB:       db,
		Log:      log,
	})
	// mcp.NewServer needs a HostView onto the lifecycle it reports on, and
	// the lifecycle needs a StdioServer to run, so attach the server after
	// both exist — the one place that depends on both packages.
	lifecycle.SetServer(mcp.NewServer(lifecycle, mcp.WithVersion(Version)))

	if err := lifecycle.Run(context.Background()); err != nil {
		return fmt.Errorf("host run: %w", err)
	}
	return nil
}
