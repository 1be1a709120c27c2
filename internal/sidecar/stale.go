package sidecar

import (
	"context"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	gops "github.com/mitchellh/go-ps"

	"github.com/sidecarhost/hostd/internal/project"
)

// killStaleOnStart implements §4.4.3: read the PID file, classify the
// recorded process, kill it only when ownership of this project's socket
// can be confirmed, then scan for orphans of the same binary left behind
// by a prior instance under a PID this project's PID files no longer
// record. Processes whose ownership cannot be determined at all are left
// alone.
func (s *Supervisor) killStaleOnStart(ctx context.Context) error {
	pid, ok := s.readPIDFile()
	if ok && s.inspect.IsAlive(pid) {
		if s.inspect.OwnsSocket(pid, s.socketPath()) {
			killWithGrace(pid)
		}
	}

	s.scanForOrphans()

	_ = os.Remove(s.socketPath())
	_ = os.Remove(s.pidPath())
	return nil
}

// scanForOrphans enumerates running processes and kills any whose
// executable matches cfg.ExpectedBinaryID, whose PID is absent from every
// PID file this project knows about, and whose ownership of this
// supervisor's socket can be confirmed. Orphans younger than
// cfg.Supervisor.MaxProcessAge are preserved rather than killed, since a
// process that only just started may still be mid-handoff from a
// concurrent launch. A blank ExpectedBinaryID disables the scan — without
// it there is no safe pre-filter, and scanning every process on the
// machine for socket ownership is not a trade worth making.
func (s *Supervisor) scanForOrphans() {
	if s.cfg.ExpectedBinaryID == "" {
		return
	}

	procs, err := gops.Processes()
	if err != nil {
		return
	}

	known := s.knownPIDs()
	maxAge := s.cfg.Supervisor.MaxProcessAge

	for _, p := range procs {
		pid := p.Pid()
		if known[pid] {
			continue
		}
		if !strings.Contains(p.Executable(), s.cfg.ExpectedBinaryID) {
			continue
		}
		if !s.inspect.OwnsSocket(pid, s.socketPath()) {
			continue
		}
		if age, ok := s.inspect.ProcessStartAge(pid); ok && age <= maxAge {
			continue
		}
		killWithGrace(pid)
	}
}

// knownPIDs returns the PIDs recorded in this project's own PID files,
// across both sidecar kinds — the only set of "known project PID files" a
// single Supervisor instance can observe.
func (s *Supervisor) knownPIDs() map[int]bool {
	known := make(map[int]bool, 2)
	for _, k := range []project.Kind{project.Embedding, project.CoT} {
		if pid, ok := readPIDFileAt(s.identity.PIDPath(k)); ok {
			known[pid] = true
		}
	}
	return known
}

// readPIDFile reads the "<pid>:<unix-ms>" PID file written by a managed
// start. ok is false if the file is absent or malformed.
func (s *Supervisor) readPIDFile() (pid int, ok bool) {
	return readPIDFileAt(s.pidPath())
}

// readPIDFileAt reads the "<pid>:<unix-ms>" PID file at path. ok is false
// if the file is absent or malformed.
func readPIDFileAt(path string) (pid int, ok bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	parts := strings.SplitN(strings.TrimSpace(string(raw)), ":", 2)
	if len(parts) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return n, true
}

// killWithGrace sends SIGTERM, waits, then escalates to SIGKILL only if the
// process is still alive. Best effort: an already-dead process is not an
// error.
func killWithGrace(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return
	}
	time.Sleep(stopGrace)
	if proc.Signal(syscall.Signal(0)) == nil {
		_ = proc.Kill()
	}
}
