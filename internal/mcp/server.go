// Package mcp implements StatusSurface (C11): a minimal MCP tool set over
// stdio exposing host_status, sidecar_status, and reload_daemon. The
// server wiring (gomcp.NewServer + gomcp.StdioTransport, tool
// registration shape) is adapted from the teacher's internal/mcp/server.go,
// trimmed of the messaging tool catalogue and rewired to call
// internal/sidecar, internal/health, internal/registry directly in-process
// rather than over a daemon socket — this server runs inside the same
// process as the components it reports on.
package mcp

import (
	"context"
	"log/slog"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sidecarhost/hostd/internal/health"
	"github.com/sidecarhost/hostd/internal/project"
	"github.com/sidecarhost/hostd/internal/registry"
	"github.com/sidecarhost/hostd/internal/sidecar"
	"github.com/sidecarhost/hostd/internal/transport"
)

// HostView is the read surface StatusSurface needs from the host
// lifecycle it reports on. internal/daemon's Lifecycle satisfies this.
type HostView interface {
	Identity() *project.Identity
	Sidecar(kind project.Kind) *sidecar.Supervisor
	Monitor() *health.Monitor
	Broadcast() *registry.Broadcaster
	Transport() *transport.ResilientTransport
}

// Server is the StatusSurface MCP server.
type Server struct {
	host      HostView
	version   string
	startedAt time.Time
	server    *gomcp.Server
}

// Option configures the server.
type Option func(*Server)

// WithVersion sets the server version string reported to clients.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds a StatusSurface server over host.
func NewServer(host HostView, opts ...Option) *Server {
	s := &Server{host: host, version: "dev", startedAt: time.Now()}
	for _, opt := range opts {
		opt(s)
	}

	s.server = gomcp.NewServer(&gomcp.Implementation{
		Name:    "hostd",
		Version: s.version,
	}, nil)

	s.registerTools()
	return s
}

// Run starts the server on stdin/stdout. It blocks until the client
// disconnects or ctx is canceled. Stdin/stdout traffic is instrumented so
// the host's ResilientTransport sees real client activity rather than
// only its own keepalive loop.
func (s *Server) Run(ctx context.Context) error {
	restore := instrumentStdio(s.host.Transport(), slog.Default())
	defer restore()
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// Close is a no-op; Run's context cancellation is the actual teardown
// signal, matching the teacher's own stdio server shape.
func (s *Server) Close() error { return nil }

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "host_status",
		Description: "Report this host's project key, uptime, and stdio transport state",
	}, s.handleHostStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "sidecar_status",
		Description: "Report one sidecar's supervisor status (embedding or cot)",
	}, s.handleSidecarStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "reload_daemon",
		Description: "Broadcast a reload signal to peer host instances for this project",
	}, s.handleReloadDaemon)
}
