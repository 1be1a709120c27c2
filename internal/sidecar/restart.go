package sidecar

import (
	"context"
	"math"
	"os"
	"strings"
	"time"
)

// restartWindow is the sliding window restart-loop detection counts within.
const restartWindow = 60 * time.Second

// maxRestartBackoff caps the exponential backoff applied once a restart
// loop is detected.
const maxRestartBackoff = 5 * time.Minute

// onChildExit runs the restart policy (§4.4.5) after an unexpected child
// exit. Exits caused by Stop return early (Stop sets the state to Stopping
// before signalling the child, and to Idle once it has exited), as do exits
// after a user stop; this handles the case where the child died on its own.
func (s *Supervisor) onChildExit(waitErr error) {
	s.mu.Lock()
	if s.state == Stopping || s.state == Idle {
		// Expected exit from our own Stop() call.
		s.mu.Unlock()
		return
	}
	if s.stoppedByUser {
		s.mu.Unlock()
		return
	}
	s.state = Idle
	s.child = nil
	s.mu.Unlock()

	s.stopHeartbeat()
	_ = waitErr

	if reason, ok := s.readDeathReason(); ok && strings.HasPrefix(reason, "kys") {
		s.handleKYSDeath()
		return
	}

	s.attemptRestart()
}

// handleKYSDeath implements the auto-respawn condition from §4.4.4: clear
// the death-reason file, clear any stopped flag, reset failure counters,
// and call start(). Bypassed only when the user-stop flag is set (already
// checked by the caller).
func (s *Supervisor) handleKYSDeath() {
	_ = removeIfExists(s.deathReasonPath())
	_ = removeIfExists(s.stoppedFlagPath())

	s.mu.Lock()
	s.consecutiveFailures = 0
	s.restartCount = 0
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.startupTimeoutOrDefault())
	defer cancel()
	_, _ = s.Start(ctx)
}

func (s *Supervisor) startupTimeoutOrDefault() time.Duration {
	if s.cfg.Supervisor.StartupTimeout > 0 {
		return s.cfg.Supervisor.StartupTimeout
	}
	return 45 * time.Second
}

// attemptRestart implements the restart-loop guard, cooldown, and backoff
// rules of §4.4.5.
func (s *Supervisor) attemptRestart() {
	now := time.Now()

	s.mu.Lock()
	s.restartTimestamps = pruneOlderThan(s.restartTimestamps, now.Add(-restartWindow))
	recentCount := len(s.restartTimestamps)
	maxRestarts := s.cfg.Supervisor.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = 5
	}
	cooldown := s.cfg.Supervisor.RestartCooldown
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	sinceLast := now.Sub(s.lastRestartAt)
	restartCount := s.restartCount
	s.mu.Unlock()

	if restartCount >= maxRestarts {
		s.emit("restart_failed", map[string]any{"restart_count": restartCount})
		return
	}

	if recentCount >= 3 {
		backoff := time.Duration(math.Min(
			float64(maxRestartBackoff),
			float64(time.Second)*math.Pow(2, float64(restartCount)),
		))
		s.emit("restart_loop", map[string]any{"recent_restarts": recentCount, "backoff": backoff.String()})
		time.Sleep(backoff)
	} else if sinceLast < cooldown && !s.lastRestartAt.IsZero() {
		time.Sleep(cooldown - sinceLast)
	}

	s.mu.Lock()
	s.restartCount++
	s.lastRestartAt = time.Now()
	s.restartTimestamps = append(s.restartTimestamps, s.lastRestartAt)
	if len(s.restartTimestamps) > 10 {
		s.restartTimestamps = s.restartTimestamps[len(s.restartTimestamps)-10:]
	}
	attempt := s.restartCount
	s.mu.Unlock()

	s.emit("restarting", map[string]any{"attempt": attempt})

	ctx, cancel := context.WithTimeout(context.Background(), s.startupTimeoutOrDefault())
	defer cancel()
	_, _ = s.Start(ctx)
}

func pruneOlderThan(timestamps []time.Time, cutoff time.Time) []time.Time {
	kept := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
