package sidecar

import (
	"context"
	"os"
	"syscall"
	"time"
)

// stopGrace is how long Stop waits after SIGTERM before escalating to
// SIGKILL.
const stopGrace = 500 * time.Millisecond

// Stop sends SIGTERM then (after grace) SIGKILL to any managed child,
// deletes the PID file and socket, and stops the heartbeat timer. Never
// returns an error (§4.4 "stop() never throws").
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	s.state = Stopping
	child := s.child
	exited := s.childExited
	s.mu.Unlock()

	s.stopHeartbeat()

	if child != nil && child.Process != nil {
		_ = child.Process.Signal(syscall.SIGTERM)
		select {
		case <-exited:
		case <-time.After(stopGrace):
			_ = child.Process.Kill()
			select {
			case <-exited:
			case <-time.After(stopGrace):
			}
		}
	}

	_ = os.Remove(s.pidPath())
	_ = os.Remove(s.socketPath())

	s.mu.Lock()
	s.child = nil
	s.childExited = nil
	s.state = Idle
	s.mu.Unlock()

	s.emit("stopped", nil)
}

// UserStop creates the stopped-flag file (suppressing future auto-start),
// then stops the sidecar.
func (s *Supervisor) UserStop(ctx context.Context) Status {
	if err := os.WriteFile(s.stoppedFlagPath(), []byte{}, 0o600); err != nil {
		s.log.Warn("failed to write stopped flag", "error", err)
	}
	s.mu.Lock()
	s.stoppedByUser = true
	s.mu.Unlock()

	s.Stop(ctx)
	return s.GetStatus()
}

// UserStart removes the stopped-flag, resets counters, and restarts.
func (s *Supervisor) UserStart(ctx context.Context) Status {
	_ = os.Remove(s.stoppedFlagPath())

	s.mu.Lock()
	s.stoppedByUser = false
	s.consecutiveFailures = 0
	s.restartCount = 0
	s.restartTimestamps = nil
	s.mu.Unlock()

	s.Stop(ctx)
	_, _ = s.Start(ctx)
	return s.GetStatus()
}
