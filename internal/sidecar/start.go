package sidecar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/sidecarhost/hostd/internal/sidecarproto"
)

// Start runs the 14-step start protocol (§4.4.1). It returns true if a
// managed or external server is serving this project's socket when it
// returns. It never returns an error to the caller for expected lifecycle
// failures — those are reported through (false, nil), matching the contract
// "start() never throws". Failures after the start lock is taken also call
// Stop, which emits "stopped"; a refused call (already starting or stopping)
// and a timed-out wait for a peer's socket emit nothing.
func (s *Supervisor) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	switch s.state {
	case RunningManaged, RunningExternal:
		s.mu.Unlock()
		return true, nil
	case Stopping:
		s.mu.Unlock()
		return false, nil
	}
	if s.inMemStartGuard {
		s.mu.Unlock()
		return false, nil
	}
	s.inMemStartGuard = true
	s.state = Starting
	s.mu.Unlock()

	ok := s.doStart(ctx)

	s.mu.Lock()
	s.inMemStartGuard = false
	if !ok && s.state == Starting {
		s.state = Idle
	}
	s.mu.Unlock()

	return ok, nil
}

func (s *Supervisor) doStart(ctx context.Context) bool {
	lock := s.lockForStartLock()
	acquired, err := lock.TryAcquire(60 * time.Second)
	if err != nil {
		s.log.Warn("start lock acquire error", "error", err)
	}
	if !acquired {
		// Another process may already be starting it. Wait up to 30s for
		// the socket to appear and pass a health probe.
		return s.waitForPeerStartedSocket(ctx, lock)
	}
	defer lock.Release()

	if err := os.MkdirAll(s.identity.SocketDir(), 0o700); err != nil {
		s.log.Error("failed to create socket dir", "error", err)
		s.Stop(ctx)
		return false
	}

	socketPath := s.socketPath()
	if _, statErr := os.Stat(socketPath); statErr == nil {
		if s.probeHealth(ctx).OK {
			s.mu.Lock()
			s.state = RunningExternal
			s.startedAt = time.Now()
			s.mu.Unlock()
			s.startHeartbeat()
			s.emit("started", map[string]any{"pid": nil, "external": true})
			s.drainQueue(ctx)
			return true
		}
		_ = os.Remove(socketPath)
	}

	recipe, err := s.cfg.ResolveRecipe()
	if err != nil {
		s.log.Error("failed to resolve launch recipe", "error", err)
		s.Stop(ctx)
		return false
	}

	cmd := exec.Command(recipe.Path, recipe.Args...)
	cmd.Env = recipe.Env
	cmd.Stdin = nil
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		s.log.Error("failed to attach stderr pipe", "error", err)
		s.Stop(ctx)
		return false
	}
	if err := cmd.Start(); err != nil {
		s.log.Error("failed to spawn sidecar child", "error", err)
		s.Stop(ctx)
		return false
	}
	go scanStderr(s.log, stderrPipe)

	s.mu.Lock()
	s.child = cmd
	s.childExited = make(chan struct{})
	s.mu.Unlock()

	go s.watchChildExit(cmd, s.childExited)

	if err := os.WriteFile(s.pidPath(), []byte(fmt.Sprintf("%d:%d", cmd.Process.Pid, time.Now().UnixMilli())), 0o600); err != nil {
		s.log.Warn("failed to write pid file", "error", err)
	}

	if !s.waitForSocketReady(ctx) {
		s.log.Error("socket never became ready", "startup_timeout", s.cfg.Supervisor.StartupTimeout)
		s.Stop(ctx)
		return false
	}

	result := s.probeHealth(ctx)
	if !result.OK {
		s.log.Error("post-start health probe failed", "error", result.Err)
		s.Stop(ctx)
		return false
	}

	s.mu.Lock()
	s.state = RunningManaged
	s.consecutiveFailures = 0
	s.startedAt = time.Now()
	pid := cmd.Process.Pid
	s.mu.Unlock()

	s.emit("started", map[string]any{"pid": pid})

	// Heartbeat must start before any long drain, so the sidecar's
	// self-destruct timer is never allowed to fire (§4.4.1 step 12).
	s.startHeartbeat()

	s.drainQueue(ctx)

	return true
}

// waitForPeerStartedSocket implements the failure branch of step 4: wait up
// to 30s, polling every 1s, for the socket to appear and a health probe to
// succeed, retrying lock acquisition as it becomes available.
func (s *Supervisor) waitForPeerStartedSocket(ctx context.Context, lock interface {
	TryAcquire(time.Duration) (bool, error)
	Release() error
}) bool {
	deadline := time.Now().Add(30 * time.Second)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(s.socketPath()); err == nil {
			if s.probeHealth(ctx).OK {
				s.mu.Lock()
				s.state = RunningExternal
				s.startedAt = time.Now()
				s.mu.Unlock()
				s.startHeartbeat()
				s.emit("started", map[string]any{"pid": nil, "external": true})
				return true
			}
		}
		if ok, err := lock.TryAcquire(60 * time.Second); err == nil && ok {
			// The lock is free again: release this probe acquisition so
			// doStart can take the lock for itself and run the full start.
			_ = lock.Release()
			return s.doStart(ctx)
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// waitForSocketReady implements the two-phase socket-ready wait (§4.4.2).
func (s *Supervisor) waitForSocketReady(ctx context.Context) bool {
	deadline := s.cfg.Supervisor.StartupTimeout
	if deadline <= 0 {
		deadline = 45 * time.Second
	}
	overallDeadline := time.Now().Add(deadline)
	phaseADeadline := time.Now().Add(deadline / 2)

	pollTicker := time.NewTicker(200 * time.Millisecond)
	defer pollTicker.Stop()

	for time.Now().Before(phaseADeadline) {
		if _, err := os.Stat(s.socketPath()); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-pollTicker.C:
		}
	}
	if _, err := os.Stat(s.socketPath()); err != nil {
		return false
	}

	healthTicker := time.NewTicker(time.Second)
	defer healthTicker.Stop()
	const probeInterval = time.Second

	for {
		remaining := time.Until(overallDeadline)
		if remaining < probeInterval {
			return false
		}
		if s.probeHealth(ctx).OK {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-healthTicker.C:
		}
	}
}

func scanStderr(log *slog.Logger, pipe io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			log.Debug("sidecar stderr", "line", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) watchChildExit(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)
	s.onChildExit(err)
}

// readStoppedFlag reports whether the presence-only user-stop flag file
// exists.
func (s *Supervisor) readStoppedFlag() bool {
	_, err := os.Stat(s.stoppedFlagPath())
	return err == nil
}

func (s *Supervisor) readDeathReason() (string, bool) {
	raw, err := os.ReadFile(s.deathReasonPath())
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// HealthResult is the result of a single health probe (§4.4 healthCheck()).
type HealthResult struct {
	OK      bool
	RTT     time.Duration
	Details map[string]any
	Err     error
}

// probeHealth connects to the socket, sends the kind-appropriate health
// probe, and parses the response. Never returns an error to the caller —
// failures are folded into HealthResult.OK=false (§4.4 "healthCheck() never
// throws").
func (s *Supervisor) probeHealth(ctx context.Context) HealthResult {
	start := time.Now()
	timeout := s.cfg.Supervisor.HealthTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var req map[string]any
	if s.cfg.Kind.String() == "minicot" {
		req = sidecarproto.CoTHealthRequest()
	} else {
		req = sidecarproto.HealthRequest()
	}

	resp, err := sidecarproto.RoundTrip(ctx, s.socketPath(), timeout, req)
	rtt := time.Since(start)
	if err != nil {
		return HealthResult{OK: false, RTT: rtt, Err: err}
	}
	return HealthResult{OK: true, RTT: rtt, Details: resp}
}

// HealthCheck is the public healthCheck() operation.
func (s *Supervisor) HealthCheck(ctx context.Context) HealthResult {
	return s.probeHealth(ctx)
}
