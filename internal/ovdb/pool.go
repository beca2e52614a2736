package ovdb

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// PoolReexecEnv, when set in a child's environment, tells the reexec'd
// binary to run as a read-server worker instead of the normal parent
// entrypoint (cmd/ovdb-readserver main.go checks this).
const PoolReexecEnv = "OVDB_POOL_WORKER"

// coordRecord is one (pid, client count) slot in the shared
// memory-mapped coordination region (spec.md §4.2.6, §5): one slot per
// worker plus one slot (index N) for the parent's "current listener"
// bookkeeping. Each field is 4-byte aligned so writes are naturally
// atomic on supported platforms.
type coordRecord struct {
	PID   int32
	Count int32
}

const coordRecordSize = 8

// Pool is the OVDB read-server parent process: it forks (via re-exec)
// N worker children sharing one listening socket and hands the
// "accept token" to whichever worker has the smallest client count
// below its cap (spec.md §4.2.6).
type Pool struct {
	Exe          string
	Args         []string
	N            int
	PerWorkerCap int
	ListenAddr   string

	mu      sync.Mutex
	workers []*workerProc
	coord   []byte // mmap'd region, (N+1) * coordRecordSize
	coordF  *os.File
	ln      *net.TCPListener
	stop    chan struct{}

	restartWithin time.Duration // crash-loop window (spec.md §4.2.6: 30s)
}

type workerProc struct {
	idx       int
	cmd       *exec.Cmd
	lastStart time.Time
}

func NewPool(exe string, args []string, n, perWorkerCap int, listenAddr string) *Pool {
	if n <= 0 {
		n = 5
	}
	return &Pool{Exe: exe, Args: args, N: n, PerWorkerCap: perWorkerCap, ListenAddr: listenAddr, restartWithin: 30 * time.Second, stop: make(chan struct{})}
}

// Run binds the listening socket, forks the worker pool, and blocks
// handling SIGCHLD/shutdown until Stop is called or a crash loop is
// detected.
func (p *Pool) Run() error {
	addr, err := net.ResolveTCPAddr("tcp", p.ListenAddr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	p.ln = ln

	if err := p.initCoord(); err != nil {
		ln.Close()
		return err
	}
	defer func() {
		unix.Munmap(p.coord)
		p.coordF.Close()
	}()

	lnFile, err := ln.File()
	if err != nil {
		return err
	}
	defer lnFile.Close()

	p.workers = make([]*workerProc, p.N)
	for i := 0; i < p.N; i++ {
		if err := p.spawnWorker(i, lnFile); err != nil {
			return fmt.Errorf("ovdb pool: spawn worker %d: %w", i, err)
		}
	}

	sigc := make(chan os.Signal, 8)
	signal.Notify(sigc, unix.SIGCHLD, unix.SIGINT, unix.SIGTERM)

	go p.selectListener()

	for {
		select {
		case sig := <-sigc:
			switch sig {
			case unix.SIGCHLD:
				p.reap(lnFile)
			case unix.SIGINT, unix.SIGTERM:
				p.shutdownAll()
				return nil
			}
		case <-p.stop:
			p.shutdownAll()
			return nil
		}
	}
}

func (p *Pool) Stop() { close(p.stop) }

func (p *Pool) initCoord() error {
	f, err := os.CreateTemp("", "ovdb-pool-coord-*")
	if err != nil {
		return err
	}
	size := int64(p.N+1) * coordRecordSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return err
	}
	p.coordF = f
	p.coord = data
	return nil
}

func (p *Pool) spawnWorker(idx int, lnFile *os.File) error {
	cmd := exec.Command(p.Exe, p.Args...)
	cmd.Env = append(os.Environ(), PoolReexecEnv+"=1", fmt.Sprintf("OVDB_POOL_WORKER_IDX=%d", idx), fmt.Sprintf("OVDB_POOL_CAP=%d", p.PerWorkerCap), fmt.Sprintf("OVDB_POOL_N=%d", p.N))
	cmd.ExtraFiles = []*os.File{lnFile, p.coordF}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	p.workers[idx] = &workerProc{idx: idx, cmd: cmd, lastStart: time.Now()}
	log.Printf("[OVDB-POOL] started worker %d pid=%d", idx, cmd.Process.Pid)
	return nil
}

// reap collects exited children; a worker that exited within
// restartWithin of its own last start is a crash loop (spec.md
// §4.2.6), which brings down the whole pool.
func (p *Pool) reap(lnFile *os.File) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		for i, w := range p.workers {
			if w != nil && w.cmd.Process.Pid == pid {
				if time.Since(w.lastStart) < p.restartWithin {
					log.Printf("[OVDB-POOL] worker %d crash-looped (exited %v after start); aborting pool", i, time.Since(w.lastStart))
					p.shutdownAll()
					os.Exit(1)
				}
				log.Printf("[OVDB-POOL] worker %d exited, restarting", i)
				if err := p.spawnWorker(i, lnFile); err != nil {
					log.Printf("[OVDB-POOL] failed to respawn worker %d: %v", i, err)
				}
			}
		}
	}
}

func (p *Pool) shutdownAll() {
	for _, w := range p.workers {
		if w != nil && w.cmd.Process != nil {
			w.cmd.Process.Signal(unix.SIGTERM)
		}
	}
}

// selectListener implements the accept-token handoff algorithm
// (spec.md §4.2.6): pick the worker with the smallest client count
// still below its cap; SIGUSR1 it to become the listener. If all
// workers are at cap, no worker is signaled — the parent itself
// accepts-and-closes to prevent kernel queue buildup.
func (p *Pool) selectListener() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	current := -1
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		best, bestCount := -1, int32(1<<30)
		for i := 0; i < p.N; i++ {
			rec := p.readSlot(i)
			if rec.PID == 0 {
				continue
			}
			if p.PerWorkerCap > 0 && rec.Count >= int32(p.PerWorkerCap) {
				continue
			}
			if rec.Count < bestCount {
				best, bestCount = i, rec.Count
			}
		}
		if best == current {
			continue
		}
		if best == -1 {
			p.acceptAndClose()
			continue
		}
		current = best
		if p.workers[best] != nil && p.workers[best].cmd.Process != nil {
			p.workers[best].cmd.Process.Signal(unix.SIGUSR1)
		}
	}
}

func (p *Pool) acceptAndClose() {
	p.ln.SetDeadline(time.Now().Add(50 * time.Millisecond))
	conn, err := p.ln.Accept()
	if err == nil {
		conn.Close()
	}
}

func (p *Pool) readSlot(idx int) coordRecord {
	off := idx * coordRecordSize
	return coordRecord{
		PID:   int32(le32(p.coord[off : off+4])),
		Count: int32(le32(p.coord[off+4 : off+8])),
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// WorkerCoord is the worker-side view of the shared coordination
// region: it owns slot Idx and updates PID/Count as clients connect
// and disconnect, signaling the parent with SIGUSR1 on change
// (spec.md §4.2.6).
type WorkerCoord struct {
	region []byte
	idx    int
}

func OpenWorkerCoord(coordFD int, n, idx int) (*WorkerCoord, error) {
	size := (n + 1) * coordRecordSize
	data, err := unix.Mmap(coordFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &WorkerCoord{region: data, idx: idx}, nil
}

func (w *WorkerCoord) SetPID(pid int) {
	off := w.idx * coordRecordSize
	putLE32(w.region[off:off+4], uint32(pid))
}

func (w *WorkerCoord) AddCount(delta int) {
	off := w.idx*coordRecordSize + 4
	cur := int32(le32(w.region[off : off+4]))
	putLE32(w.region[off:off+4], uint32(cur+int32(delta)))
	unix.Kill(os.Getppid(), unix.SIGUSR1)
}

func (w *WorkerCoord) Close() error { return unix.Munmap(w.region) }

// AwaitListenerToken returns a channel that fires on SIGUSR1 (the
// parent has granted this worker the accept token) or, failing that,
// every idlePoll as a fallback wake so a worker never starves forever
// if a handoff signal is lost (spec.md §5's 15s idle-poll wake,
// generalized here to also pace the read-server's own accept gating).
func AwaitListenerToken(idlePoll time.Duration) <-chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, unix.SIGUSR1)
	if idlePoll > 0 {
		go func() {
			t := time.NewTicker(idlePoll)
			defer t.Stop()
			for range t.C {
				select {
				case c <- syscall.SIGUSR1:
				default:
				}
			}
		}()
	}
	return c
}
