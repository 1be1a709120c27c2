// Package registry implements InstanceRegistry and ReloadBroadcaster (C7):
// a JSON-file-backed list of live host processes per project, and a
// same-project-by-default signal broadcast used for hot reload. The
// load/save-to-disk shape is adapted from the teacher's peer registry,
// re-targeted from cross-host sync peers to same-machine host instances.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// HostRecord is the unit persisted to the shared instance list.
type HostRecord struct {
	PID         int       `json:"pid"`
	ProjectKey  string    `json:"project_key"`
	StartedAt   time.Time `json:"started_at"`
	SocketPaths []string  `json:"socket_paths,omitempty"`
}

// ReloadSignal is the canonical reload signal sent to peers. SIGHUP is
// accepted as a local-dev alias by each host's own signal handler, but
// broadcastReload always sends SIGUSR1.
const ReloadSignal = syscall.SIGUSR1

// Registry tracks the host instances recorded in the JSON file at its path.
// The host and the reload command each use a per-project file under the
// project's var directory, so only instances of the same project are listed.
type Registry struct {
	mu       sync.Mutex
	path     string
	selfPID  int
	selfKey  string
}

// New opens (or creates) the registry backed by path.
func New(path string, selfPID int, selfProjectKey string) *Registry {
	return &Registry{path: path, selfPID: selfPID, selfKey: selfProjectKey}
}

// Register adds or refreshes this host's own record in the shared list.
func (r *Registry) Register(socketPaths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.loadLocked()
	if err != nil {
		return err
	}

	now := time.Now()
	updated := records[:0]
	found := false
	for _, rec := range records {
		if rec.PID == r.selfPID {
			rec.StartedAt = now
			rec.SocketPaths = socketPaths
			found = true
		}
		updated = append(updated, rec)
	}
	if !found {
		updated = append(updated, HostRecord{
			PID:         r.selfPID,
			ProjectKey:  r.selfKey,
			StartedAt:   now,
			SocketPaths: socketPaths,
		})
	}

	return r.saveLocked(updated)
}

// Unregister removes this host's own record on shutdown.
func (r *Registry) Unregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.loadLocked()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.PID != r.selfPID {
			kept = append(kept, rec)
		}
	}
	return r.saveLocked(kept)
}

// List returns every recorded host instance, live or not.
func (r *Registry) List() ([]HostRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() ([]HostRecord, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: read %s: %w", r.path, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var records []HostRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("registry: unmarshal %s: %w", r.path, err)
	}
	return records, nil
}

func (r *Registry) saveLocked(records []HostRecord) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("registry: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("registry: rename: %w", err)
	}
	return nil
}
