package daemon

import "os"

// FileLock holds the exclusive host lock (see Identity.HostLockPath) that
// auto-releases on process death. The OS releases the lock automatically
// when the process exits, even on SIGKILL.
type FileLock struct {
	path string
	file *os.File
}

// LockPath returns the path to the host lock file.
func (l *FileLock) LockPath() string {
	return l.path
}
