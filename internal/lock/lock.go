// Package lock implements the process-wide advisory locking and
// PID-file discipline described in spec.md §4.11 and §5: a
// shared/exclusive advisory lock on a single semaphore file, coupled
// with PID-file liveness checks gating database open.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// Semaphore wraps a shared/exclusive advisory lock on a single file.
// Writers hold it shared for their whole session; the monitor attempts
// an exclusive upgrade at startup to ensure it is the only writer
// attached before running recovery (spec.md §5).
type Semaphore struct {
	fl *flock.Flock
}

func OpenSemaphore(path string) *Semaphore {
	return &Semaphore{fl: flock.New(path)}
}

// LockShared acquires the lock in shared (reader) mode, never
// blocking indefinitely (spec.md §5: "never a blocking wait").
func (s *Semaphore) LockShared() (bool, error) { return s.fl.TryRLock() }

// LockExclusive attempts the exclusive upgrade used by the monitor to
// assert no other writer is attached.
func (s *Semaphore) LockExclusive() (bool, error) { return s.fl.TryLock() }

func (s *Semaphore) Unlock() error { return s.fl.Unlock() }

// PIDFile is an exclusive, single-writer-per-service file recording
// the owning process's pid; liveness is checked with kill(pid, 0)
// (spec.md §5).
type PIDFile struct {
	Path string
}

func NewPIDFile(path string) *PIDFile { return &PIDFile{Path: path} }

// Acquire writes the current pid to the file after verifying any
// existing pid in it is no longer alive, refusing otherwise.
func (p *PIDFile) Acquire(isAlive func(pid int) bool) error {
	if existing, ok := p.Read(); ok {
		if isAlive(existing) {
			return fmt.Errorf("lock: pidfile %s held by live pid %d", p.Path, existing)
		}
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

func (p *PIDFile) Read() (int, bool) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func (p *PIDFile) Release() error {
	return os.Remove(p.Path)
}
