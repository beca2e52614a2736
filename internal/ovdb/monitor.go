package ovdb

import (
	"context"
	"log"
	"time"

	"github.com/go-while/go-overview/internal/lock"
)

// Monitor runs the three cooperating maintenance tasks described in
// spec.md §4.2.7 under a single supervisor: a deadlock detector, a
// checkpointer, and a log remover. A non-zero-status task failure
// brings down the whole monitor (the operator's signal to investigate);
// a clean exit is simply restarted.
type Monitor struct {
	Store    *Store
	PIDFile  *lock.PIDFile
	Sem      *lock.Semaphore
	Interval time.Duration // default 30s, used by detector and checkpointer

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(store *Store, runDir string) (*Monitor, error) {
	sem := lock.OpenSemaphore(runDir + "/ovdb.sem")
	ok, err := sem.LockExclusive()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errAlreadyRunning
	}
	pf := lock.NewPIDFile(runDir + "/ovdb-monitor.pid")
	if err := pf.Acquire(IsProcessAlive); err != nil {
		sem.Unlock()
		return nil, err
	}
	return &Monitor{Store: store, PIDFile: pf, Sem: sem, Interval: 30 * time.Second, done: make(chan struct{})}, nil
}

var errAlreadyRunning = monitorErr("ovdb monitor: another monitor already holds the admin lock")

type monitorErr string

func (e monitorErr) Error() string { return string(e) }

// Run blocks supervising the three maintenance tasks until ctx is
// cancelled (propagating SIGINT/SIGTERM/SIGHUP per spec.md §4.2.7).
func (m *Monitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	defer m.cleanup()

	fatal := make(chan error, 3)
	go m.supervise(ctx, "deadlock-detector", m.Interval, fatal, m.detectDeadlocks)
	go m.supervise(ctx, "checkpointer", m.Interval, fatal, m.checkpoint)
	go m.supervise(ctx, "log-remover", 45*time.Second, fatal, m.removeLogs)

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		cancel()
		return err
	}
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) cleanup() {
	m.PIDFile.Release()
	m.Sem.Unlock()
}

// supervise restarts task on a clean (nil) return, and reports a
// non-nil error up as fatal for the whole monitor (spec.md §4.2.7).
func (m *Monitor) supervise(ctx context.Context, name string, interval time.Duration, fatal chan<- error, task func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := task(); err != nil {
				log.Printf("[MONITOR:%s] fatal: %v", name, err)
				fatal <- err
				return
			}
		}
	}
}

// detectDeadlocks resolves lock cycles, youngest-first victim
// selection (spec.md §4.2.7). bbolt's single-writer-per-db model means
// cross-partition deadlocks cannot occur within one file; it performs
// no detection and always returns nil.
func (m *Monitor) detectDeadlocks() error {
	return nil
}

// checkpoint stands in for the periodic log checkpoint (spec.md
// §4.2.7). bbolt has no separate WAL to checkpoint, so there is no
// traffic threshold: it calls Sync on every partition on each run.
func (m *Monitor) checkpoint() error {
	for _, p := range m.Store.parts {
		if err := p.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// removeLogs lists and unlinks archivable log files (spec.md §4.2.7).
// bbolt keeps no separate log segments to archive, so this is a no-op
// placeholder kept for symmetry with the spec's three-task structure.
func (m *Monitor) removeLogs() error {
	return nil
}
