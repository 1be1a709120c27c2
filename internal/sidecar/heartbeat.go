package sidecar

import (
	"context"
	"time"

	"github.com/sidecarhost/hostd/internal/project"
	"github.com/sidecarhost/hostd/internal/sidecarproto"
)

const heartbeatAckTimeout = 5 * time.Second

// startHeartbeat begins the recurring KYS heartbeat for the embedding
// sidecar (§4.4.4). No-op for the CoT kind, which has no watchdog protocol.
// Uses a self-rescheduling timer rather than a ticker so a slow heartbeat
// round trip can never overlap with the next one.
func (s *Supervisor) startHeartbeat() {
	if s.cfg.Kind != project.Embedding {
		return
	}

	s.mu.Lock()
	if s.heartbeatCancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.heartbeatCancel = cancel
	s.heartbeatDone = make(chan struct{})
	done := s.heartbeatDone
	s.mu.Unlock()

	interval := s.cfg.Supervisor.HealthInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}

	go s.runHeartbeatLoop(ctx, interval, done)
}

func (s *Supervisor) runHeartbeatLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.sendHeartbeat(ctx)

		select {
		case <-ctx.Done():
			return
		default:
			timer.Reset(interval)
		}
	}
}

func (s *Supervisor) sendHeartbeat(ctx context.Context) {
	_, err := sidecarproto.RoundTrip(ctx, s.socketPath(), heartbeatAckTimeout, sidecarproto.KeepaliveRequest("hostd"))
	if err != nil {
		s.log.Debug("heartbeat failed, continuing", "error", err)
	}
}

func (s *Supervisor) stopHeartbeat() {
	s.mu.Lock()
	cancel := s.heartbeatCancel
	done := s.heartbeatDone
	s.heartbeatCancel = nil
	s.heartbeatDone = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}
