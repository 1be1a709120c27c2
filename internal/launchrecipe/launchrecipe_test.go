package launchrecipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sidecarhost/hostd/internal/project"
)

func TestResolveEmbeddingFindsScriptAndCarriesEnv(t *testing.T) {
	dir := t.TempDir()
	sandbox := filepath.Join(dir, "embedding-sandbox")
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	scriptPath := filepath.Join(sandbox, "embed.py")
	if err := os.WriteFile(scriptPath, []byte("# stub\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	identity, err := project.New(dir)
	if err != nil {
		t.Fatalf("project.New: %v", err)
	}

	recipe, err := ResolveEmbedding(identity)
	if err != nil {
		t.Fatalf("ResolveEmbedding: %v", err)
	}
	if recipe.Path != "python3" {
		t.Fatalf("Path = %q, want python3", recipe.Path)
	}
	if len(recipe.Args) != 1 || recipe.Args[0] != scriptPath {
		t.Fatalf("Args = %v, want [%s]", recipe.Args, scriptPath)
	}

	found := false
	for _, kv := range recipe.Env {
		if kv == "HOSTD_SIDECAR_SOCKET="+identity.SocketPath(project.Embedding) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the resolved socket path to be carried in the child environment")
	}
}

func TestResolveEmbeddingMissingScriptReturnsError(t *testing.T) {
	dir := t.TempDir()
	identity, err := project.New(dir)
	if err != nil {
		t.Fatalf("project.New: %v", err)
	}

	if _, err := ResolveEmbedding(identity); err == nil {
		t.Fatal("expected an error when no embedding sandbox script is present")
	}
}

func TestResolveEmbeddingPrefersHigherPriorityCandidate(t *testing.T) {
	dir := t.TempDir()
	sandbox := filepath.Join(dir, "embedding-sandbox")
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	// Write both candidates; embed.py ranks first.
	if err := os.WriteFile(filepath.Join(sandbox, "embed.py"), []byte("# stub\n"), 0o644); err != nil {
		t.Fatalf("WriteFile embed.py: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sandbox, "warm_start.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile warm_start.sh: %v", err)
	}

	identity, err := project.New(dir)
	if err != nil {
		t.Fatalf("project.New: %v", err)
	}

	recipe, err := ResolveEmbedding(identity)
	if err != nil {
		t.Fatalf("ResolveEmbedding: %v", err)
	}
	if recipe.Path != "python3" {
		t.Fatalf("expected the higher-priority python script to win, got path %q", recipe.Path)
	}
}

func TestResolveEmbeddingReadsModelConfigKnobs(t *testing.T) {
	dir := t.TempDir()
	sandbox := filepath.Join(dir, "embedding-sandbox")
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sandbox, "embed.py"), []byte("# stub\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	identity, err := project.New(dir)
	if err != nil {
		t.Fatalf("project.New: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(identity.ModelConfigPath()), 0o755); err != nil {
		t.Fatalf("MkdirAll model-config dir: %v", err)
	}
	if err := os.WriteFile(identity.ModelConfigPath(), []byte(`{"QUANT_BITS":"8"}`), 0o644); err != nil {
		t.Fatalf("WriteFile model-config.json: %v", err)
	}

	recipe, err := ResolveEmbedding(identity)
	if err != nil {
		t.Fatalf("ResolveEmbedding: %v", err)
	}

	found := false
	for _, kv := range recipe.Env {
		if kv == "QUANT_BITS=8" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected model-config.json knobs to be carried into the child environment")
	}
}

func TestResolveCoTFindsScript(t *testing.T) {
	dir := t.TempDir()
	sandbox := filepath.Join(dir, "minicot-sandbox")
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sandbox, "cot.py"), []byte("# stub\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	identity, err := project.New(dir)
	if err != nil {
		t.Fatalf("project.New: %v", err)
	}

	if _, err := ResolveCoT(identity); err != nil {
		t.Fatalf("ResolveCoT: %v", err)
	}
}
