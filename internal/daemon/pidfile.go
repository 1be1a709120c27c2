package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// PIDInfo is the host process metadata recorded in the host PID file.
type PIDInfo struct {
	PID         int       `json:"pid"`
	ProjectKey  string    `json:"project_key,omitempty"`
	ProjectPath string    `json:"project_path,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	SocketPath  string    `json:"socket_path,omitempty"`
}

// WritePIDFileJSON writes info to path as JSON.
func WritePIDFileJSON(path string, info PIDInfo) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal PID info: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	return nil
}

// ReadPIDFileJSON reads the host PID file written by WritePIDFileJSON.
func ReadPIDFileJSON(path string) (PIDInfo, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - path from internal var directory
	if err != nil {
		// Return error without wrapping to preserve os.IsNotExist check
		return PIDInfo{}, err
	}

	var info PIDInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return PIDInfo{}, fmt.Errorf("invalid host PID file: %w", err)
	}
	return info, nil
}

// CheckPIDFileJSON checks if the PID file exists and if the process it
// names is still alive.
// Returns: (running bool, PIDInfo, error)
// - running: true if the process is running, false if stale or the file is absent
// - PIDInfo: process metadata from the file (PID=0 if the file doesn't exist)
// - error: any error reading the file (nil if the file doesn't exist).
func CheckPIDFileJSON(path string) (bool, PIDInfo, error) {
	info, err := ReadPIDFileJSON(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, PIDInfo{}, nil
		}
		return false, PIDInfo{}, err
	}

	running := isProcessRunning(info.PID)
	return running, info, nil
}

// ValidatePIDProject reports whether info was written by a host instance
// for expectedKey. An empty ProjectKey never matches — the lock is the
// arbiter of "already running" when project affinity can't be confirmed.
func ValidatePIDProject(info PIDInfo, expectedKey string) bool {
	if info.ProjectKey == "" || expectedKey == "" {
		return false
	}
	return info.ProjectKey == expectedKey
}

// RemovePIDFile removes the PID file.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// isProcessRunning reports whether pid names a live process, using a
// signal-0 probe: ESRCH means gone, EPERM means alive but owned by
// another user, and nil means alive and signalable.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	if err == syscall.EPERM {
		return true
	}
	return false
}
