// Package single enforces one running agent per data directory via a pid
// lockfile. Two agents sharing a data directory would fight over the history
// database and double-drive the printer.
package single

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const lockFile = "relayprint.pid"

// ErrAlreadyRunning is returned by Acquire when a live agent holds the lock.
var ErrAlreadyRunning = errors.New("single: another instance is already running")

// Lock is a held pid lockfile. Release it on shutdown.
type Lock struct {
	path string
}

// Acquire takes the pid lock for dataDir. A lockfile naming a process that no
// longer exists is stale and is taken over silently.
func Acquire(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("single: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, lockFile)

	data, err := os.ReadFile(path)
	if err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && pid > 0 && processAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		// Stale lock from a crashed process.
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("single: read lockfile: %w", err)
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o640); err != nil {
		return nil, fmt.Errorf("single: write lockfile: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lockfile. Safe to call once on shutdown.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("single: remove lockfile: %w", err)
	}
	return nil
}

// processAlive reports whether a process with the given pid exists.
// Signal 0 performs the existence check without delivering anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
