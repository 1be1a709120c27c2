package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRegisterThenListRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.json")
	r := New(path, os.Getpid(), "proj-a")

	if err := r.Register([]string{"/tmp/a/embeddings.sock"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	records, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].ProjectKey != "proj-a" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestRegisterIsIdempotentForSamePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.json")
	r := New(path, os.Getpid(), "proj-a")

	if err := r.Register(nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(nil); err != nil {
		t.Fatalf("second Register: %v", err)
	}

	records, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected a single record for repeated self-registration, got %d", len(records))
	}
}

func TestUnregisterRemovesOnlySelf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.json")
	self := New(path, 111, "proj-a")
	if err := self.Register(nil); err != nil {
		t.Fatalf("Register self: %v", err)
	}

	peer := New(path, 222, "proj-b")
	if err := peer.Register(nil); err != nil {
		t.Fatalf("Register peer: %v", err)
	}

	if err := self.Unregister(); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	records, err := self.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].PID != 222 {
		t.Fatalf("expected only the peer record to remain, got %+v", records)
	}
}

func TestListOnMissingFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	r := New(path, os.Getpid(), "proj-a")

	records, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}
