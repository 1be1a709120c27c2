// Package procinspect provides best-effort, read-only OS process probes used
// by the sidecar supervisor to decide whether a PID it did not spawn itself
// is safe to touch. Every operation degrades to a zero value ("unknown")
// rather than erroring when the underlying OS feature is unavailable —
// generalized from the signal-0 liveness probe in the teacher's PID file
// handling.
package procinspect

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	gops "github.com/mitchellh/go-ps"
)

// Inspector probes live OS processes. The zero value is ready to use.
type Inspector struct{}

// New returns a ready-to-use Inspector.
func New() *Inspector {
	return &Inspector{}
}

// IsAlive sends the null signal to pid and reports whether the process
// exists, regardless of whether the caller has permission to signal it.
func (i *Inspector) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		// Exists, we just can't signal it.
		return true
	}
	return false
}

// ProcessStartAge returns how long ago pid started, derived from the
// process's stat start time. ok is false when the age could not be
// determined (process gone, unsupported platform).
func (i *Inspector) ProcessStartAge(pid int) (age time.Duration, ok bool) {
	startedAt, found := startTime(pid)
	if !found {
		return 0, false
	}
	return time.Since(startedAt), true
}

// CommandLine returns the full argv of pid joined by spaces. When
// /proc/<pid>/cmdline cannot be read it falls back to the executable name
// reported by go-ps; ok is false only when neither source finds the process.
func (i *Inspector) CommandLine(pid int) (cmdline string, ok bool) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err == nil && len(raw) > 0 {
		parts := bytes.Split(bytes.TrimRight(raw, "\x00"), []byte{0})
		args := make([]string, 0, len(parts))
		for _, p := range parts {
			if len(p) > 0 {
				args = append(args, string(p))
			}
		}
		return strings.Join(args, " "), true
	}

	// Fall back to go-ps, which only exposes the executable name, not argv.
	proc, perr := gops.FindProcess(pid)
	if perr != nil || proc == nil {
		return "", false
	}
	return proc.Executable(), true
}

// EnvironmentValue returns the value of varName from pid's environment.
// ok is false when /proc/<pid>/environ is unreadable (permission denied,
// unsupported platform, or the process has already exited) or when varName
// is not set in it.
func (i *Inspector) EnvironmentValue(pid int, varName string) (value string, ok bool) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid))
	if err != nil {
		return "", false
	}
	prefix := varName + "="
	for _, entry := range bytes.Split(raw, []byte{0}) {
		if len(entry) == 0 {
			continue
		}
		s := string(entry)
		if strings.HasPrefix(s, prefix) {
			return strings.TrimPrefix(s, prefix), true
		}
	}
	return "", false
}

// BoundSocketPathEnv is the well-known environment variable a sidecar child
// is launched with, naming the Unix socket it must bind.
const BoundSocketPathEnv = "HOSTD_SIDECAR_SOCKET"

// BoundSocketPath returns the value of BoundSocketPathEnv from pid's
// environment, the authoritative signal for which project a sidecar process
// belongs to.
func (i *Inspector) BoundSocketPath(pid int) (path string, ok bool) {
	return i.EnvironmentValue(pid, BoundSocketPathEnv)
}

// OwnsSocket reports whether pid is safe to treat as belonging to
// socketPath, applying the hard safety rule from §4.2: prefer the bound
// socket environment variable; fall back to a command-line substring check
// when the environment cannot be read or does not carry that variable.
func (i *Inspector) OwnsSocket(pid int, socketPath string) bool {
	if bound, ok := i.BoundSocketPath(pid); ok {
		return bound == socketPath
	}
	if cmdline, ok := i.CommandLine(pid); ok {
		return strings.Contains(cmdline, socketPath)
	}
	return false
}

// startTime reads the 22nd field of /proc/<pid>/stat (process start time in
// clock ticks since boot) and converts it to a wall-clock time using the
// system boot time. Returns found=false if anything along the way fails.
func startTime(pid int) (t time.Time, found bool) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return time.Time{}, false
	}
	// Fields after the process name (which may itself contain spaces and
	// parentheses) are space separated; split on the closing paren first.
	idx := bytes.LastIndexByte(raw, ')')
	if idx < 0 || idx+2 >= len(raw) {
		return time.Time{}, false
	}
	fields := strings.Fields(string(raw[idx+2:]))
	const startTimeFieldIndex = 19 // field 22 overall, 0-indexed after the 3 consumed above
	if len(fields) <= startTimeFieldIndex {
		return time.Time{}, false
	}
	ticks, err := strconv.ParseInt(fields[startTimeFieldIndex], 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	bootTime, ok := bootTime()
	if !ok {
		return time.Time{}, false
	}
	hz := clockTicksPerSecond()
	return bootTime.Add(time.Duration(float64(ticks) / hz * float64(time.Second))), true
}

// bootTime reads the "btime" line from /proc/stat.
func bootTime() (time.Time, bool) {
	raw, err := os.ReadFile("/proc/stat")
	if err != nil {
		return time.Time{}, false
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(line, "btime ") {
			secs, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime ")), 10, 64)
			if err != nil {
				return time.Time{}, false
			}
			return time.Unix(secs, 0), true
		}
	}
	return time.Time{}, false
}

// clockTicksPerSecond is the USER_HZ value assumed on essentially every
// Linux distribution hostd targets. There is no portable syscall for this;
// getconf CLK_TCK reliably reports 100 on all supported platforms.
func clockTicksPerSecond() float64 {
	return 100
}
