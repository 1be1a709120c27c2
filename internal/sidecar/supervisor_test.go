package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/sidecarhost/hostd/internal/hostconfig"
	"github.com/sidecarhost/hostd/internal/procinspect"
	"github.com/sidecarhost/hostd/internal/project"
)

// fakeSidecar listens on socketPath and answers every request with response
// until the test ends.
func fakeSidecar(t *testing.T, socketPath string, response map[string]any) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				if _, err := reader.ReadBytes('\n'); err != nil {
					return
				}
				payload, err := json.Marshal(response)
				if err != nil {
					return
				}
				conn.Write(append(payload, '\n'))
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func newTestSupervisor(t *testing.T, kind project.Kind, resolveRecipe func() (LaunchRecipe, error)) (*Supervisor, *project.Identity) {
	t.Helper()
	identity, err := project.New(t.TempDir())
	if err != nil {
		t.Fatalf("project.New: %v", err)
	}
	if err := os.MkdirAll(identity.SocketDir(), 0o700); err != nil {
		t.Fatalf("mkdir socket dir: %v", err)
	}

	cfg := Config{
		Kind:          kind,
		ResolveRecipe: resolveRecipe,
		Supervisor: hostconfig.SupervisorConfig{
			HealthInterval:  time.Hour, // don't let the heartbeat fire during the test
			HealthTimeout:   2 * time.Second,
			StartupTimeout:  3 * time.Second,
			RestartCooldown: time.Millisecond,
			MaxRestarts:     5,
		},
	}
	sup := New(identity, procinspect.New(), cfg, nil)
	t.Cleanup(func() { sup.Stop(context.Background()) })
	return sup, identity
}

func TestStartDetectsExternalSidecarWithoutSpawning(t *testing.T) {
	identity, err := project.New(t.TempDir())
	if err != nil {
		t.Fatalf("project.New: %v", err)
	}
	if err := os.MkdirAll(identity.SocketDir(), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fakeSidecar(t, identity.SocketPath(project.Embedding), map[string]any{"status": "healthy"})

	spawned := false
	cfg := Config{
		Kind: project.Embedding,
		ResolveRecipe: func() (LaunchRecipe, error) {
			spawned = true
			return LaunchRecipe{}, nil
		},
		Supervisor: hostconfig.SupervisorConfig{
			HealthInterval: time.Hour,
			HealthTimeout:  2 * time.Second,
			StartupTimeout: 3 * time.Second,
		},
	}
	sup := New(identity, procinspect.New(), cfg, nil)
	defer sup.Stop(context.Background())

	ok, err := sup.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !ok {
		t.Fatal("expected Start to succeed against a pre-existing healthy socket")
	}
	if spawned {
		t.Fatal("expected Start to detect the external sidecar without spawning a child")
	}
	if got := sup.GetStatus().State; got != RunningExternal {
		t.Fatalf("state = %v, want RunningExternal", got)
	}
}

func TestStartIsIdempotentWhenAlreadyRunning(t *testing.T) {
	identity, err := project.New(t.TempDir())
	if err != nil {
		t.Fatalf("project.New: %v", err)
	}
	if err := os.MkdirAll(identity.SocketDir(), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fakeSidecar(t, identity.SocketPath(project.Embedding), map[string]any{"status": "healthy"})

	cfg := Config{
		Kind: project.Embedding,
		ResolveRecipe: func() (LaunchRecipe, error) {
			return LaunchRecipe{}, nil
		},
		Supervisor: hostconfig.SupervisorConfig{
			HealthInterval: time.Hour,
			HealthTimeout:  2 * time.Second,
			StartupTimeout: 3 * time.Second,
		},
	}
	sup := New(identity, procinspect.New(), cfg, nil)
	defer sup.Stop(context.Background())

	if ok, _ := sup.Start(context.Background()); !ok {
		t.Fatal("first Start should succeed")
	}
	ok, err := sup.Start(context.Background())
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !ok {
		t.Fatal("second Start on an already-running supervisor should report true without re-spawning")
	}
}

func TestUserStopSuppressesAutoStartOnInitialize(t *testing.T) {
	sup, identity := newTestSupervisor(t, project.CoT, func() (LaunchRecipe, error) {
		return LaunchRecipe{}, nil
	})

	status := sup.UserStop(context.Background())
	if !status.StoppedByUser {
		t.Fatal("expected StoppedByUser to be true after UserStop")
	}
	if _, err := os.Stat(identity.StoppedFlagPath(project.CoT)); err != nil {
		t.Fatalf("expected stopped-flag file to exist: %v", err)
	}

	// Initialize must see the stopped flag and refuse to auto-start.
	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := sup.GetStatus().State; got != Idle {
		t.Fatalf("state after Initialize with stopped flag set = %v, want Idle", got)
	}
}

func TestGetStatusReflectsQueueDepthForCoT(t *testing.T) {
	identity, err := project.New(t.TempDir())
	if err != nil {
		t.Fatalf("project.New: %v", err)
	}
	cfg := Config{
		Kind:          project.CoT,
		ResolveRecipe: func() (LaunchRecipe, error) { return LaunchRecipe{}, nil },
		MaxQueueDepth: 5,
		Supervisor:    hostconfig.SupervisorConfig{},
	}
	sup := New(identity, procinspect.New(), cfg, nil)

	sup.QueueRequest(map[string]any{"prompt": "hello"})
	status := sup.GetStatus()
	if status.QueueDepth != 1 {
		t.Fatalf("QueueDepth = %d, want 1", status.QueueDepth)
	}
}
