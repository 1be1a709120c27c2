// Package project derives a stable per-project identity and the filesystem
// layout that the rest of the lifecycle/health subsystem hangs off of.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// Kind identifies which sidecar a path belongs to.
type Kind int

const (
	// Embedding identifies the embedding sidecar.
	Embedding Kind = iota
	// CoT identifies the chain-of-thought sidecar.
	CoT
)

// String returns the on-disk file stem for the kind ("embedding" or "minicot").
func (k Kind) String() string {
	switch k {
	case Embedding:
		return "embedding"
	case CoT:
		return "minicot"
	default:
		return "unknown"
	}
}

// socketFile returns the socket filename for the kind.
func (k Kind) socketFile() string {
	switch k {
	case Embedding:
		return "embeddings.sock"
	case CoT:
		return "minicot.sock"
	default:
		return "unknown.sock"
	}
}

// Identity exposes the stable key and derived paths for one project. All
// path functions are pure — they never create directories themselves; the
// caller creates them atomically on first use (see §4.1 of SPEC_FULL.md).
type Identity struct {
	path string // absolute, cleaned project path
	key  string
}

// New derives an Identity from a caller-supplied project path. Two calls
// with the same (cleaned, absolute) path always yield the same key.
func New(projectPath string) (*Identity, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, err
	}
	abs = filepath.Clean(abs)

	sum := sha256.Sum256([]byte(abs))
	return &Identity{
		path: abs,
		key:  hex.EncodeToString(sum[:])[:32],
	}, nil
}

// ProjectKey returns the opaque, filesystem-safe, stable identifier.
func (id *Identity) ProjectKey() string {
	return id.key
}

// ProjectPath returns the absolute project path this identity was derived from.
func (id *Identity) ProjectPath() string {
	return id.path
}

// rootDir is the implementation-defined subdirectory rooted at the project
// path; SocketDir and friends all descend from it.
func (id *Identity) rootDir() string {
	return filepath.Join(id.path, ".hostd")
}

// SocketDir returns the directory owning the sidecar sockets.
func (id *Identity) SocketDir() string {
	return filepath.Join(id.rootDir(), "sockets")
}

// SocketPath returns the Unix domain socket path for the given sidecar kind.
func (id *Identity) SocketPath(k Kind) string {
	return filepath.Join(id.SocketDir(), k.socketFile())
}

// PIDPath returns the PID-file path ("<pid>:<unix-ms>") for the given kind.
func (id *Identity) PIDPath(k Kind) string {
	return filepath.Join(id.SocketDir(), k.String()+".pid")
}

// StartLockPath returns the atomic start-lock path for the given kind.
func (id *Identity) StartLockPath(k Kind) string {
	return filepath.Join(id.SocketDir(), k.String()+".starting")
}

// StoppedFlagPath returns the user-stop marker path for the given kind.
func (id *Identity) StoppedFlagPath(k Kind) string {
	return filepath.Join(id.SocketDir(), k.String()+".stopped")
}

// DeathReasonPath returns the sidecar self-reported death-reason file path.
// Only the embedding sidecar is contracted to write this file (§4.4.4).
func (id *Identity) DeathReasonPath(k Kind) string {
	return filepath.Join(id.SocketDir(), k.String()+"-death-reason.txt")
}

// ModelConfigPath returns the path to the optional model-config.json read by
// the sidecar launch recipe (§6.2).
func (id *Identity) ModelConfigPath() string {
	return filepath.Join(id.rootDir(), "model-config.json")
}

// HostLockPath returns the whole-process daemon lock path for this project,
// distinct from the per-kind start lock (see GLOSSARY "Host lock").
func (id *Identity) HostLockPath() string {
	return filepath.Join(id.rootDir(), "var", "daemon.lock")
}

// HostPIDPath returns the host process's own PID-file path.
func (id *Identity) HostPIDPath() string {
	return filepath.Join(id.rootDir(), "var", "host.pid")
}

// VarDir returns the directory for runtime host state (locks, PID files,
// the instance registry).
func (id *Identity) VarDir() string {
	return filepath.Join(id.rootDir(), "var")
}
