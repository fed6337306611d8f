// Package lock implements the per-user synchronization lock (§5
// "UserScopeLock('remote-fetch')"): at most one sync cycle for a given
// account may run at a time, across process restarts. The pattern mirrors
// aerion's singleinstance lock (atomic acquire, detect-and-clean-stale,
// retry) but is lockfile-based rather than socket-based, since this lock
// must be held by a single short-lived CLI invocation rather than a
// long-running GUI process with a listener to dial.
//
// No third-party file-locking library appears anywhere in the example
// corpus (grep found none), so this stays on the standard library; see
// DESIGN.md.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrHeld is returned by TryAcquire when another live process holds the lock.
var ErrHeld = eris.New("lock is held by another process")

// Lock is a held advisory lock on a single named resource within a lock
// directory (one file per (host, username, scope) key, per §5/§6).
type Lock struct {
	path string
}

// TryAcquire attempts to take the named lock under dir (normally
// Config.LockDir()). name is sanitized into a filesystem-safe filename.
// Returns ErrHeld if a live process already holds it.
func TryAcquire(dir, name string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, eris.Wrapf(err, "create lock dir %q", dir)
	}
	path := filepath.Join(dir, sanitize(name)+".lock")

	if err := writeLockFile(path); err == nil {
		return &Lock{path: path}, nil
	} else if !os.IsExist(err) {
		return nil, eris.Wrapf(err, "create lock file %q", path)
	}

	// Lock file already exists — check whether its owner is still alive.
	pid, readErr := readLockPID(path)
	if readErr == nil && pid > 0 && processAlive(pid) {
		return nil, ErrHeld
	}

	// Stale lock (owning process is gone, or the pidfile was unreadable) —
	// remove it and retry once.
	_ = os.Remove(path)
	if err := writeLockFile(path); err != nil {
		if os.IsExist(err) {
			return nil, ErrHeld
		}
		return nil, eris.Wrapf(err, "create lock file %q after stale cleanup", path)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call once; a second call is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	path := l.path
	l.path = ""
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "remove lock file %q", path)
	}
	return nil
}

func writeLockFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	lines := strings.SplitN(string(data), "\n", 2)
	if len(lines) == 0 {
		return 0, eris.New("empty lock file")
	}
	return strconv.Atoi(strings.TrimSpace(lines[0]))
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
