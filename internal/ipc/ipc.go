// Package ipc implements the daemon's two local-filesystem touch
// points: the client-facing Unix-domain socket (bound 0666 so any
// local process can connect, per spec.md 6) and the pidfile that
// guarantees only one nsld instance runs against a given
// configuration, guarded by an exclusive flock the way nslcd's own
// pidfile handling does.
package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// dialProbeTimeout bounds how long Listen waits when checking whether
// a stale-looking socket path is actually still being served.
const dialProbeTimeout = 200 * time.Millisecond

// ErrAlreadyListening indicates a socket path is already being served
// by a live process.
var ErrAlreadyListening = errors.New("ipc: socket path is already being served")

// ErrAlreadyRunning indicates a pidfile's lock is already held.
var ErrAlreadyRunning = errors.New("ipc: another instance holds the pidfile lock")

// Listen creates the client-facing Unix-domain socket at path and
// marks it world read/writable. A stale socket file left behind by a
// crashed previous instance is removed first; a socket that answers a
// connection attempt is left alone and reported as an error instead.
func Listen(path string) (*net.UnixListener, error) {
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: resolve %s: %w", path, err)
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: chmod %s: %w", path, err)
	}
	return ln, nil
}

// removeStaleSocket deletes path if it exists and nothing answers a
// connection attempt against it; otherwise it reports
// ErrAlreadyListening so the caller never steals a running instance's
// socket out from under it.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ipc: stat %s: %w", path, err)
	}

	conn, err := net.DialTimeout("unix", path, dialProbeTimeout)
	if err == nil {
		conn.Close()
		return fmt.Errorf("ipc: %s: %w", path, ErrAlreadyListening)
	}

	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("ipc: remove stale socket %s: %w", path, rmErr)
	}
	return nil
}

// PIDFile is an exclusively-locked pidfile held open for the lifetime
// of the daemon process. The lock is released automatically by the
// kernel if the process dies without calling Close.
type PIDFile struct {
	f *os.File
}

// AcquirePIDFile opens (creating if needed) the pidfile at path, takes
// a non-blocking exclusive flock on it, and writes the current
// process's PID. It fails with ErrAlreadyRunning if another process
// already holds the lock.
func AcquirePIDFile(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ipc: open pidfile %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("ipc: %s: %w", path, ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("ipc: flock pidfile %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		unlockAndClose(f)
		return nil, fmt.Errorf("ipc: truncate pidfile %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		unlockAndClose(f)
		return nil, fmt.Errorf("ipc: write pidfile %s: %w", path, err)
	}

	return &PIDFile{f: f}, nil
}

// Close releases the lock and closes the pidfile. It does not remove
// the file from disk; the next AcquirePIDFile truncates and rewrites
// it in place.
func (p *PIDFile) Close() error {
	unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	return p.f.Close()
}

func unlockAndClose(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}

// Check reports whether path's lock is currently held by a running
// instance, without disturbing it. It backs the --check command-line
// mode: an operator can ask whether a daemon would start successfully
// without actually starting one.
func Check(path string) (running bool, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("ipc: open pidfile %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return true, nil
		}
		return false, fmt.Errorf("ipc: flock pidfile %s: %w", path, err)
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false, nil
}
