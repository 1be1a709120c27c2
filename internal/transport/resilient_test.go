package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewStartsInitializing(t *testing.T) {
	rt := New(Config{}, Callbacks{}, nil, nil)
	if rt.State() != Initializing {
		t.Fatalf("state = %v, want Initializing", rt.State())
	}
}

func TestRecordActivityMovesInitializingToConnected(t *testing.T) {
	rt := New(Config{}, Callbacks{}, nil, nil)
	rt.RecordActivity(context.Background())
	if rt.State() != Connected {
		t.Fatalf("state = %v, want Connected", rt.State())
	}
}

func TestRecordActivityRecoversFromDegraded(t *testing.T) {
	var recovered atomic.Bool
	rt := New(Config{}, Callbacks{
		Recover: func(ctx context.Context) error {
			recovered.Store(true)
			return nil
		},
	}, nil, nil)
	rt.RecordActivity(context.Background())

	rt.mu.Lock()
	rt.state = Degraded
	rt.mu.Unlock()

	rt.RecordActivity(context.Background())
	if rt.State() != Connected {
		t.Fatalf("state = %v, want Connected after activity while Degraded", rt.State())
	}

	deadline := time.Now().Add(time.Second)
	for !recovered.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !recovered.Load() {
		t.Fatal("expected recovery callback to run")
	}
}

func TestCheckInactivityDegradesPastThreshold(t *testing.T) {
	rt := New(Config{InactivityThreshold: 10 * time.Millisecond}, Callbacks{}, nil, nil)
	rt.RecordActivity(context.Background())
	time.Sleep(20 * time.Millisecond)

	rt.checkInactivity()
	if rt.State() != Degraded {
		t.Fatalf("state = %v, want Degraded after exceeding inactivity threshold", rt.State())
	}
}

func TestRecordErrorForcesDisconnectAtMaxErrors(t *testing.T) {
	var events []string
	rt := New(Config{MaxErrors: 2, ShutdownGrace: time.Millisecond}, Callbacks{}, func(event string, _ map[string]any) {
		events = append(events, event)
	}, nil)
	rt.RecordActivity(context.Background())

	rt.RecordError(context.Background(), "transient_io", "boom 1")
	if rt.State() == Disconnected {
		t.Fatal("should not disconnect before reaching maxErrors")
	}
	rt.RecordError(context.Background(), "transient_io", "boom 2")

	deadline := time.Now().Add(time.Second)
	for rt.State() != Disconnected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if rt.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected after maxErrors reached", rt.State())
	}
	found := false
	for _, e := range events {
		if e == "disconnected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a disconnected event, got %v", events)
	}
}

func TestRecentErrorsCappedAtTen(t *testing.T) {
	rt := New(Config{MaxErrors: 1000}, Callbacks{}, nil, nil)
	for i := 0; i < 15; i++ {
		rt.RecordError(context.Background(), "transient_io", "boom")
	}
	if got := len(rt.RecentErrors()); got != 10 {
		t.Fatalf("len(RecentErrors()) = %d, want 10", got)
	}
}

func TestHandleStreamClosedIgnoredWithinStartupGrace(t *testing.T) {
	var disconnected atomic.Bool
	rt := New(Config{StdinGrace: time.Hour}, Callbacks{}, func(event string, _ map[string]any) {
		if event == "disconnecting" {
			disconnected.Store(true)
		}
	}, nil)

	rt.HandleStreamClosed(context.Background(), "stdin_closed")
	if disconnected.Load() {
		t.Fatal("stream-closed event within startup grace should be ignored")
	}
}

func TestHandleStreamClosedEscalatesAfterGraceWhenRecoveryDisabled(t *testing.T) {
	rt := New(Config{StdinGrace: time.Millisecond, RecoveryEnabled: false, ShutdownGrace: time.Millisecond}, Callbacks{}, nil, nil)
	time.Sleep(5 * time.Millisecond)

	rt.HandleStreamClosed(context.Background(), "stdin_closed")
	if rt.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected", rt.State())
	}
}

func TestRecoveryLoopEscalatesAfterMaxAttempts(t *testing.T) {
	rt := New(Config{
		StdinGrace:          time.Millisecond,
		RecoveryEnabled:     true,
		RecoveryMaxAttempts: 2,
		RecoveryBase:        time.Millisecond,
		RecoveryMax:         2 * time.Millisecond,
		ShutdownGrace:       time.Millisecond,
	}, Callbacks{
		Recover: func(ctx context.Context) error { return errors.New("still down") },
	}, nil, nil)
	time.Sleep(5 * time.Millisecond)

	rt.HandleStreamClosed(context.Background(), "connection_lost")
	if rt.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected after exhausting recovery attempts", rt.State())
	}
}

func TestBackoffWithJitterRespectsMax(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffWithJitter(time.Second, 5*time.Second, 2, attempt)
		if d > 5*time.Second+500*time.Millisecond {
			t.Fatalf("attempt %d: backoff %v exceeds max+jitter bound", attempt, d)
		}
	}
}
