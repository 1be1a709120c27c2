package project

import "testing"

func TestNewIsStableAcrossCalls(t *testing.T) {
	a, err := New("/tmp/example-project")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New("/tmp/example-project")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.ProjectKey() != b.ProjectKey() {
		t.Fatalf("keys differ: %s vs %s", a.ProjectKey(), b.ProjectKey())
	}
}

func TestNewDiffersByPath(t *testing.T) {
	a, _ := New("/tmp/project-a")
	b, _ := New("/tmp/project-b")
	if a.ProjectKey() == b.ProjectKey() {
		t.Fatal("expected distinct keys for distinct paths")
	}
}

func TestRelativePathsResolveToSameKey(t *testing.T) {
	a, err := New("/tmp/foo/../foo/bar")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New("/tmp/foo/bar")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.ProjectKey() != b.ProjectKey() {
		t.Fatal("expected path cleaning to normalize to the same key")
	}
}

func TestDerivedPathsAreFilesystemSafe(t *testing.T) {
	id, _ := New("/tmp/example-project")

	if id.SocketPath(Embedding) == id.SocketPath(CoT) {
		t.Fatal("embedding and CoT sockets must differ")
	}
	if got := id.PIDPath(Embedding); got == "" {
		t.Fatal("expected non-empty PID path")
	}
	for _, r := range id.ProjectKey() {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			t.Fatalf("project key contains non filesystem-safe rune: %q", r)
		}
	}
}

func TestHostVsStartLockPathsDiffer(t *testing.T) {
	id, _ := New("/tmp/example-project")
	if id.HostLockPath() == id.StartLockPath(Embedding) {
		t.Fatal("host lock and per-kind start lock must be distinct paths")
	}
}
