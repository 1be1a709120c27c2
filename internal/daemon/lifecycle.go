package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sidecarhost/hostd/internal/health"
	"github.com/sidecarhost/hostd/internal/hostconfig"
	"github.com/sidecarhost/hostd/internal/launchrecipe"
	"github.com/sidecarhost/hostd/internal/procinspect"
	"github.com/sidecarhost/hostd/internal/project"
	"github.com/sidecarhost/hostd/internal/registry"
	"github.com/sidecarhost/hostd/internal/sidecar"
	"github.com/sidecarhost/hostd/internal/transport"
)

// StdioServer is the minimal surface HostLifecycle needs from the MCP
// stdio server; kept as an interface so this package has no direct
// dependency on the go-sdk mcp types.
type StdioServer interface {
	Run(ctx context.Context) error
	Close() error
}

// Lifecycle ties C1–C9 together for one host process: whole-process lock,
// host PID file, both sidecar supervisors, the health monitor, the
// instance registry, and the stdio transport, torn down in the strict
// order spec.md §4.10 requires. The run-loop and idempotent-shutdown shape
// is kept from the teacher's own Lifecycle; everything it supervises is
// new.
type Lifecycle struct {
	identity *project.Identity
	server   StdioServer
	db       *sql.DB

	embedding *sidecar.Supervisor
	cot       *sidecar.Supervisor
	transport *transport.ResilientTransport
	monitor   *health.Monitor
	instances *registry.Registry
	broadcast *registry.Broadcaster

	lock *FileLock
	log  *slog.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// Config bundles the pieces needed to assemble a Lifecycle for one
// project. DB may be nil, in which case the database health probe is
// omitted.
type Config struct {
	Identity *project.Identity
	Server   StdioServer
	DB       *sql.DB
	Log      *slog.Logger
}

// NewLifecycle assembles every C1–C9 component for cfg.Identity's project
// and wires them into a single Lifecycle ready to Run.
func NewLifecycle(cfg Config) *Lifecycle {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("project_key", cfg.Identity.ProjectKey())

	inspector := procinspect.New()

	l := &Lifecycle{
		identity:   cfg.Identity,
		server:     cfg.Server,
		db:         cfg.DB,
		log:        log,
		shutdownCh: make(chan struct{}),
	}

	l.embedding = sidecar.New(cfg.Identity, inspector, sidecar.Config{
		Kind:          project.Embedding,
		ResolveRecipe: func() (sidecar.LaunchRecipe, error) { return resolveRecipe(cfg.Identity, project.Embedding) },
		Supervisor:    hostconfig.LoadEmbeddingSupervisorConfig(""),
		OnEvent:       l.sidecarEvent("embedding"),
	}, log)

	l.cot = sidecar.New(cfg.Identity, inspector, sidecar.Config{
		Kind:          project.CoT,
		ResolveRecipe: func() (sidecar.LaunchRecipe, error) { return resolveRecipe(cfg.Identity, project.CoT) },
		Supervisor:    hostconfig.LoadCoTSupervisorConfig(""),
		MaxQueueDepth: 32,
		OnEvent:       l.sidecarEvent("minicot"),
	}, log)

	l.transport = transport.New(transportConfigFrom(hostconfig.LoadTransportConfig("")), transport.Callbacks{
		StreamsOpen: func() bool { return true },
	}, l.transportEvent, log)

	probes := []health.Probe{&health.TransportProbe{Transport: l.transport}}
	if cfg.DB != nil {
		probes = append(probes, &health.DatabaseProbe{DB: cfg.DB})
	}
	probes = append(probes, &health.EmbeddingProbe{SocketPath: cfg.Identity.SocketPath(project.Embedding)})
	l.monitor = health.New(hostconfig.LoadHealthMonitorConfig(""), probes, l.healthEvent, log)

	l.instances = registry.New(instanceRegistryPath(cfg.Identity), os.Getpid(), cfg.Identity.ProjectKey())
	l.broadcast = registry.NewBroadcaster(l.instances, l.registryEvent, log)

	return l
}

func resolveRecipe(identity *project.Identity, kind project.Kind) (sidecar.LaunchRecipe, error) {
	var r launchrecipe.Recipe
	var err error
	switch kind {
	case project.Embedding:
		r, err = launchrecipe.ResolveEmbedding(identity)
	default:
		r, err = launchrecipe.ResolveCoT(identity)
	}
	if err != nil {
		return sidecar.LaunchRecipe{}, err
	}
	return sidecar.LaunchRecipe{Path: r.Path, Args: r.Args, Env: r.Env}, nil
}

func transportConfigFrom(c hostconfig.TransportConfig) transport.Config {
	return transport.Config{
		InactivityThreshold: c.InactivityThreshold,
		HealthInterval:      c.HealthInterval,
		KeepaliveInterval:   c.KeepaliveInterval,
		KeepaliveEnabled:    c.KeepaliveEnabled,
		RecoveryEnabled:     c.RecoveryEnabled,
		RecoveryMaxAttempts: c.RecoveryMaxAttempts,
		RecoveryBase:        c.RecoveryBase,
		RecoveryMax:         c.RecoveryMax,
		RecoveryMultiplier:  c.RecoveryMultiplier,
		StdinGrace:          c.StdinGrace,
		ShutdownGrace:       c.ShutdownGrace,
		MaxErrors:           c.MaxErrors,
	}
}

func instanceRegistryPath(identity *project.Identity) string {
	return identity.VarDir() + "/instances.json"
}

func (l *Lifecycle) sidecarEvent(kind string) sidecar.EventFunc {
	return func(event string, detail map[string]any) {
		l.log.Info("sidecar event", "kind", kind, "event", event, "detail", detail)
	}
}

func (l *Lifecycle) transportEvent(event string, detail map[string]any) {
	l.log.Info("transport event", "event", event, "detail", detail)
}

func (l *Lifecycle) healthEvent(event string, detail map[string]any) {
	l.log.Info("health event", "event", event, "detail", detail)
}

func (l *Lifecycle) registryEvent(event string, detail map[string]any) {
	l.log.Info("registry event", "event", event, "detail", detail)
}

// Run acquires the whole-process lock, checks/writes the host PID file,
// starts every component, and blocks until a shutdown signal arrives.
func (l *Lifecycle) Run(ctx context.Context) error {
	lockPath := l.identity.HostLockPath()
	lock, err := AcquireLock(lockPath)
	if err != nil {
		return fmt.Errorf("failed to acquire host lock: %w", err)
	}
	l.lock = lock
	defer func() {
		if l.lock != nil {
			if err := l.lock.Release(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to release host lock: %v\n", err)
			}
		}
	}()

	pidPath := l.identity.HostPIDPath()
	existing, existingInfo, err := CheckPIDFileJSON(pidPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to read existing host PID file: %v\n", err)
	} else if existing {
		if ValidatePIDProject(existingInfo, l.identity.ProjectKey()) {
			return fmt.Errorf("host already running (PID %d) for project %s", existingInfo.PID, l.identity.ProjectPath())
		}
		fmt.Fprintf(os.Stderr, "WARNING: host PID %d is running for a different project %s, overwriting\n",
			existingInfo.PID, existingInfo.ProjectPath)
	}

	pidInfo := PIDInfo{
		PID:         os.Getpid(),
		ProjectKey:  l.identity.ProjectKey(),
		ProjectPath: l.identity.ProjectPath(),
		StartedAt:   time.Now().UTC(),
		SocketPath:  l.identity.SocketDir(),
	}
	if err := WritePIDFileJSON(pidPath, pidInfo); err != nil {
		return fmt.Errorf("failed to write host PID file: %w", err)
	}

	var shutdownComplete atomic.Bool
	defer func() {
		if !shutdownComplete.Load() {
			l.teardown(context.Background())
		}
	}()

	if err := l.embedding.Initialize(ctx); err != nil {
		l.log.Warn("embedding sidecar failed to initialize", "error", err)
	}
	if err := l.cot.Initialize(ctx); err != nil {
		l.log.Warn("minicot sidecar failed to initialize", "error", err)
	}

	l.transport.Start(ctx)
	l.monitor.Start(ctx)

	socketPaths := []string{
		l.identity.SocketPath(project.Embedding),
		l.identity.SocketPath(project.CoT),
	}
	if err := l.instances.Register(socketPaths); err != nil {
		l.log.Warn("failed to register host instance", "error", err)
	}

	go l.handleSignals(ctx)

	serverErrCh := make(chan error, 1)
	if l.server != nil {
		go func() { serverErrCh <- l.server.Run(ctx) }()
	}

	select {
	case <-l.shutdownCh:
	case err := <-serverErrCh:
		if err != nil {
			l.log.Error("stdio server exited", "error", err)
		}
		l.Shutdown()
	}

	shutdownComplete.Store(true)
	return l.teardown(context.Background())
}

func (l *Lifecycle) handleSignals(_ context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, registry.ReloadSignal)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP, registry.ReloadSignal:
			l.log.Info("received reload signal", "signal", sig.String())
			l.reload(context.Background())
		default:
			l.log.Info("received shutdown signal", "signal", sig.String())
			l.Shutdown()
			return
		}
	}
}

// reload restarts both sidecars cold, leaving the host process itself
// running — the coordination primitive peers use via ReloadBroadcaster.
func (l *Lifecycle) reload(ctx context.Context) {
	l.embedding.ColdRestart(ctx)
	l.cot.ColdRestart(ctx)
}

// teardown runs the strict shutdown order from §4.10: stop sidecars, stop
// the health monitor, stop the transport, drop this host's registry
// entry, remove the PID file, release the lock. Every step is idempotent
// so this can double as the panic/early-return safety net.
func (l *Lifecycle) teardown(ctx context.Context) error {
	l.embedding.Shutdown(ctx)
	l.cot.Shutdown(ctx)
	l.monitor.Stop()
	l.transport.Shutdown(ctx)

	if err := l.instances.Unregister(); err != nil {
		l.log.Warn("failed to unregister host instance", "error", err)
	}

	if l.server != nil {
		_ = l.server.Close()
	}

	if err := RemovePIDFile(l.identity.HostPIDPath()); err != nil {
		l.log.Warn("failed to remove host PID file", "error", err)
		return err
	}

	if l.lock != nil {
		if err := l.lock.Release(); err != nil {
			l.log.Warn("failed to release host lock", "error", err)
		}
	}

	l.log.Info("shutdown complete")
	return nil
}

// Shutdown triggers a graceful shutdown; safe to call more than once or
// concurrently with Run.
func (l *Lifecycle) Shutdown() {
	l.shutdownOnce.Do(func() {
		close(l.shutdownCh)
	})
}

// Broadcast exposes the ReloadBroadcaster to callers outside Run, such as
// the StatusSurface's reload_daemon tool.
func (l *Lifecycle) Broadcast() *registry.Broadcaster {
	return l.broadcast
}

// Monitor exposes the HealthMonitor for the StatusSurface's read-only
// tools.
func (l *Lifecycle) Monitor() *health.Monitor {
	return l.monitor
}

// Transport exposes the ResilientTransport for the StatusSurface.
func (l *Lifecycle) Transport() *transport.ResilientTransport {
	return l.transport
}

// Sidecar returns the supervisor for the given kind, for the
// StatusSurface's sidecar_status tool.
func (l *Lifecycle) Sidecar(kind project.Kind) *sidecar.Supervisor {
	if kind == project.Embedding {
		return l.embedding
	}
	return l.cot
}

// Identity exposes the project identity this lifecycle was built for.
func (l *Lifecycle) Identity() *project.Identity {
	return l.identity
}

// SetServer attaches the stdio server Run should serve once started. It
// exists because the MCP server needs a HostView onto this Lifecycle at
// construction time, so callers build the Lifecycle first, hand it to the
// server as a HostView, then attach the server here before calling Run.
func (l *Lifecycle) SetServer(server StdioServer) {
	l.server = server
}
