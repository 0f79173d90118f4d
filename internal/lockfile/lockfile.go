package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld is returned when another live process already owns the lock.
// Callers treat this as "lose gracefully", not as a fault.
var ErrHeld = errors.New("lockfile: held by another instance")

// Lock is an exclusive, file-based single-instance guard. The external
// scheduler may fire the agent redundantly (boot trigger plus daily trigger);
// only the instance that wins this lock may touch the microphone or the spool.
type Lock struct {
	path string
}

// Acquire takes the lock at path, writing our PID into it. A lock file whose
// owner PID is no longer alive is considered stale and is replaced.
func Acquire(path string) (*Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lockfile: empty path")
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("lockfile: write %s: %w", path, errors.Join(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lockfile: create %s: %w", path, err)
		}
		pid, rerr := readOwner(path)
		if rerr == nil && pid > 0 && alive(pid) {
			return nil, fmt.Errorf("%w (pid %d)", ErrHeld, pid)
		}
		// Stale or unreadable lock from a crashed run: reclaim and retry once.
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("lockfile: remove stale %s: %w", path, rmErr)
		}
	}
	return nil, fmt.Errorf("lockfile: could not acquire %s", path)
}

// Release removes the lock file. Safe to call once per acquired lock.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

func readOwner(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pidLine, _, _ := strings.Cut(string(b), "\n")
	return strconv.Atoi(strings.TrimSpace(pidLine))
}

// alive reports whether pid refers to a running process we could signal.
func alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}
