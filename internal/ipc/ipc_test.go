package ipc

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestListenCreatesWorldAccessibleSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nsld.sock")

	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o666 {
		t.Fatalf("socket permissions = %o, want 0666", perm)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial socket: %v", err)
	}
	conn.Close()
}

func TestListenReplacesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nsld.sock")

	first, err := Listen(path)
	if err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	first.Close()

	second, err := Listen(path)
	if err != nil {
		t.Fatalf("second Listen should replace the stale socket file: %v", err)
	}
	defer second.Close()
}

func TestListenRefusesLiveSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nsld.sock")

	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	if _, err := Listen(path); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("second Listen against a live socket = %v, want ErrAlreadyListening", err)
	}
}

func TestPIDFileExclusiveLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nsld.pid")

	pf, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("AcquirePIDFile: %v", err)
	}

	if _, err := AcquirePIDFile(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second AcquirePIDFile = %v, want ErrAlreadyRunning", err)
	}

	running, err := Check(path)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !running {
		t.Fatal("Check() = false while the pidfile is held, want true")
	}

	if err := pf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	running, err = Check(path)
	if err != nil {
		t.Fatalf("Check after release: %v", err)
	}
	if running {
		t.Fatal("Check() = true after the holder released the lock, want false")
	}

	pf2, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("AcquirePIDFile after release: %v", err)
	}
	defer pf2.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("pidfile is empty after Acquire")
	}
}
