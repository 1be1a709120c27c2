package sidecar

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/sidecarhost/hostd/internal/procinspect"
	"github.com/sidecarhost/hostd/internal/project"
)

func TestReadPIDFileAtRoundTrips(t *testing.T) {
	path := fmt.Sprintf("%s/test.pid", t.TempDir())
	if err := os.WriteFile(path, []byte("4242:1700000000000"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pid, ok := readPIDFileAt(path)
	if !ok {
		t.Fatal("expected readPIDFileAt to succeed")
	}
	if pid != 4242 {
		t.Fatalf("pid = %d, want 4242", pid)
	}
}

func TestReadPIDFileAtMissingFile(t *testing.T) {
	if _, ok := readPIDFileAt(fmt.Sprintf("%s/missing.pid", t.TempDir())); ok {
		t.Fatal("expected readPIDFileAt to fail for a missing file")
	}
}

func TestKnownPIDsCollectsBothKinds(t *testing.T) {
	sup, identity := newTestSupervisor(t, project.Embedding, nil)

	if err := os.MkdirAll(identity.VarDir(), 0o700); err != nil {
		t.Fatalf("mkdir var dir: %v", err)
	}
	if err := os.WriteFile(identity.PIDPath(project.Embedding), []byte("111:1700000000000"), 0o600); err != nil {
		t.Fatalf("write embedding pid: %v", err)
	}
	if err := os.WriteFile(identity.PIDPath(project.CoT), []byte("222:1700000000000"), 0o600); err != nil {
		t.Fatalf("write cot pid: %v", err)
	}

	known := sup.knownPIDs()
	if !known[111] || !known[222] {
		t.Fatalf("knownPIDs = %v, want both 111 and 222", known)
	}
}

func TestScanForOrphansNoopsWithoutExpectedBinaryID(t *testing.T) {
	sup, _ := newTestSupervisor(t, project.Embedding, nil)
	sup.cfg.ExpectedBinaryID = ""
	// Must return without touching anything live; absence of a panic and
	// of any change to process state is the assertion here.
	sup.scanForOrphans()
}

func TestKillStaleOnStartRemovesStaleSocketAndPIDFiles(t *testing.T) {
	sup, identity := newTestSupervisor(t, project.Embedding, nil)

	if err := os.MkdirAll(identity.VarDir(), 0o700); err != nil {
		t.Fatalf("mkdir var dir: %v", err)
	}
	if err := os.WriteFile(sup.pidPath(), []byte("999999:1700000000000"), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if err := os.WriteFile(sup.socketPath(), []byte{}, 0o600); err != nil {
		t.Fatalf("write fake socket file: %v", err)
	}

	if err := sup.killStaleOnStart(context.Background()); err != nil {
		t.Fatalf("killStaleOnStart: %v", err)
	}

	if _, err := os.Stat(sup.pidPath()); !os.IsNotExist(err) {
		t.Fatal("expected stale PID file to be removed")
	}
	if _, err := os.Stat(sup.socketPath()); !os.IsNotExist(err) {
		t.Fatal("expected stale socket file to be removed")
	}
}

func TestKillStaleOnStartLeavesLiveUnownedProcessAlone(t *testing.T) {
	// A supervisor whose PID file points at this test process itself:
	// IsAlive is true but OwnsSocket is false (the test binary doesn't
	// advertise the sidecar's bound-socket env var), so it must not be
	// killed.
	sup, _ := newTestSupervisor(t, project.Embedding, nil)
	if err := os.MkdirAll(sup.identity.VarDir(), 0o700); err != nil {
		t.Fatalf("mkdir var dir: %v", err)
	}
	if err := os.WriteFile(sup.pidPath(), []byte(fmt.Sprintf("%d:%d", os.Getpid(), time.Now().UnixMilli())), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	if err := sup.killStaleOnStart(context.Background()); err != nil {
		t.Fatalf("killStaleOnStart: %v", err)
	}

	if !procinspect.New().IsAlive(os.Getpid()) {
		t.Fatal("killStaleOnStart must not kill a process it cannot confirm ownership of")
	}
}
