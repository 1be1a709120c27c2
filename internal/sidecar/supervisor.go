// Package sidecar implements SidecarSupervisor: owns one sidecar child
// process (embedding or chain-of-thought) through start/stop/restart,
// cross-process start locking, health-probed readiness, watchdog
// heartbeats, restart-loop detection, and (CoT only) a pending-request
// queue drained on restart. The run-loop and idempotent-shutdown shape is
// adapted from the teacher's daemon Lifecycle; restart-timestamp tracking
// reuses the teacher's keyed-map-with-last-access style from its sync rate
// limiter, generalized to a bounded time sequence.
package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/sidecarhost/hostd/internal/filelock"
	"github.com/sidecarhost/hostd/internal/hostconfig"
	"github.com/sidecarhost/hostd/internal/procinspect"
	"github.com/sidecarhost/hostd/internal/project"
)

// State is the supervisor's externally observable lifecycle state.
type State int

const (
	Idle State = iota
	Starting
	RunningManaged
	RunningExternal
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case RunningManaged:
		return "running(managed)"
	case RunningExternal:
		return "running(external)"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// LaunchRecipe resolves the command used to spawn the sidecar child. It is
// supplied by the caller (§6.2's recipe resolution lives outside this
// package's scope — it only knows how to run whatever recipe it is given).
type LaunchRecipe struct {
	Path string
	Args []string
	Env  []string
}

// EventFunc receives a named supervisor event and an optional detail map.
// Matches the small named-event set from §9 ("a small set of named events
// per component... event listeners must be detached at shutdown").
type EventFunc func(event string, detail map[string]any)

// Status is the pure, externally-observable status record returned by
// getStatus().
type Status struct {
	Kind                project.Kind
	State               State
	PID                 int
	ConsecutiveFailures int
	RestartCount        int
	LastRestartAt       time.Time
	StartedAt           time.Time
	StoppedByUser       bool
	QueueDepth          int
	QueueDropped        int
}

// Config bundles everything a Supervisor needs beyond the project identity:
// how to resolve and run the child, and the tunables from §6.5.
type Config struct {
	Kind             project.Kind
	ResolveRecipe    func() (LaunchRecipe, error)
	Supervisor       hostconfig.SupervisorConfig
	MaxQueueDepth    int           // CoT only; 0 disables queueing
	QueueEntryTTL    time.Duration // CoT only; default 5 minutes
	OnEvent          EventFunc
	ExpectedBinaryID string // best-effort substring used only as a pre-filter, §9 Open Question
}

// Supervisor is one SidecarSupervisor instance for a single {project, kind}.
type Supervisor struct {
	identity *project.Identity
	inspect  *procinspect.Inspector
	cfg      Config

	mu                  sync.Mutex
	state               State
	child               *exec.Cmd
	childExited         chan struct{}
	consecutiveFailures int
	restartCount        int
	lastRestartAt       time.Time
	startedAt           time.Time
	stoppedByUser       bool
	inMemStartGuard     bool
	restartTimestamps   []time.Time

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}

	queue *pendingQueue

	log *slog.Logger
}

// New constructs a Supervisor for one {project, kind} pair. It performs no
// I/O; call Initialize to bring the sidecar up.
func New(identity *project.Identity, inspect *procinspect.Inspector, cfg Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		identity: identity,
		inspect:  inspect,
		cfg:      cfg,
		state:    Idle,
		log:      log.With("component", "sidecar", "kind", cfg.Kind.String(), "project_key", identity.ProjectKey()),
	}
	if cfg.Kind == project.CoT && cfg.MaxQueueDepth > 0 {
		ttl := cfg.QueueEntryTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		s.queue = newPendingQueue(cfg.MaxQueueDepth, ttl)
	}
	return s
}

func (s *Supervisor) emit(event string, detail map[string]any) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(event, detail)
	}
}

// GetStatus returns a pure snapshot of the supervisor's current status.
func (s *Supervisor) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Kind:                s.cfg.Kind,
		State:               s.state,
		ConsecutiveFailures: s.consecutiveFailures,
		RestartCount:        s.restartCount,
		LastRestartAt:       s.lastRestartAt,
		StartedAt:           s.startedAt,
		StoppedByUser:       s.stoppedByUser,
	}
	if s.child != nil && s.child.Process != nil {
		st.PID = s.child.Process.Pid
	}
	if s.queue != nil {
		depth, dropped := s.queue.stats()
		st.QueueDepth = depth
		st.QueueDropped = dropped
	}
	return st
}

// lockForStartLock returns the start-lock handle for this supervisor's kind.
func (s *Supervisor) lockForStartLock() *filelock.Lock {
	return filelock.New(s.identity.StartLockPath(s.cfg.Kind))
}

func (s *Supervisor) socketPath() string {
	return s.identity.SocketPath(s.cfg.Kind)
}

func (s *Supervisor) pidPath() string {
	return s.identity.PIDPath(s.cfg.Kind)
}

func (s *Supervisor) stoppedFlagPath() string {
	return s.identity.StoppedFlagPath(s.cfg.Kind)
}

func (s *Supervisor) deathReasonPath() string {
	return s.identity.DeathReasonPath(s.cfg.Kind)
}

// Initialize returns without starting anything when the user-stop flag is
// set; otherwise it runs killStaleOnStart, then Start, which starts the
// heartbeat (§4.4 initialize()). It starts no periodic health check:
// HealthCheck probes the sidecar only when it is called.
func (s *Supervisor) Initialize(ctx context.Context) error {
	if s.readStoppedFlag() {
		s.mu.Lock()
		s.stoppedByUser = true
		s.mu.Unlock()
		s.log.Info("skipping initialize: user-stop flag present")
		return nil
	}

	if err := s.killStaleOnStart(ctx); err != nil {
		s.log.Warn("kill-stale-on-start failed, continuing", "error", err)
	}

	if _, err := s.Start(ctx); err != nil {
		return fmt.Errorf("sidecar: initialize: %w", err)
	}
	return nil
}

// Shutdown stops the sidecar, rejects every queued request with
// ErrShuttingDown, and detaches all listeners. Safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.Stop(ctx)
	if s.queue != nil {
		s.queue.rejectAll(ErrShuttingDown)
	}
	s.mu.Lock()
	s.cfg.OnEvent = nil
	s.mu.Unlock()
}
