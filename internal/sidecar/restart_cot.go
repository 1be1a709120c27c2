package sidecar

import (
	"context"
	"syscall"
	"time"

	"github.com/sidecarhost/hostd/internal/project"
)

// warmRestartGrace is how long after SIGHUP WarmRestart waits for a health
// probe to pass before falling through to a cold restart.
const warmRestartGrace = 10 * time.Second

// WarmRestart sends SIGHUP to the CoT child; if a health probe passes
// within warmRestartGrace, treats this as success and drains the pending
// queue. Otherwise falls through to ColdRestart. Only meaningful for the
// CoT kind; other kinds fall straight through to ColdRestart since they
// have no warm-restart protocol.
func (s *Supervisor) WarmRestart(ctx context.Context) Status {
	s.mu.Lock()
	child := s.child
	disabled := s.cfg.Supervisor.DisableWarmRestart
	s.mu.Unlock()

	if s.cfg.Kind == project.CoT && !disabled && child != nil && child.Process != nil {
		if err := child.Process.Signal(syscall.SIGHUP); err == nil {
			deadline := time.Now().Add(warmRestartGrace)
			for time.Now().Before(deadline) {
				if s.probeHealth(ctx).OK {
					s.drainQueue(ctx)
					return s.GetStatus()
				}
				time.Sleep(500 * time.Millisecond)
			}
		}
	}

	return s.ColdRestart(ctx)
}

// ColdRestart does a full stop + start and drains the pending queue on
// success.
func (s *Supervisor) ColdRestart(ctx context.Context) Status {
	s.Stop(ctx)
	ok, _ := s.Start(ctx)
	if ok {
		s.drainQueue(ctx)
	}
	return s.GetStatus()
}
