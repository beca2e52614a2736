package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestSemaphoreSharedLocksDoNotExcludeEachOther(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sem.lock")
	a := OpenSemaphore(path)
	b := OpenSemaphore(path)

	ok, err := a.LockShared()
	if err != nil || !ok {
		t.Fatalf("a.LockShared() = %v, %v, want true, nil", ok, err)
	}
	defer a.Unlock()

	ok, err = b.LockShared()
	if err != nil || !ok {
		t.Fatalf("b.LockShared() = %v, %v, want true, nil (shared locks should coexist)", ok, err)
	}
	defer b.Unlock()
}

func TestSemaphoreExclusiveExcludesShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sem.lock")
	a := OpenSemaphore(path)
	b := OpenSemaphore(path)

	ok, err := a.LockShared()
	if err != nil || !ok {
		t.Fatalf("a.LockShared() = %v, %v, want true, nil", ok, err)
	}
	defer a.Unlock()

	ok, err = b.LockExclusive()
	if err != nil {
		t.Fatalf("b.LockExclusive() returned error: %v", err)
	}
	if ok {
		t.Fatalf("b.LockExclusive() = true, want false while a holds a shared lock")
	}
}

func TestPIDFileAcquireReadRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	p := NewPIDFile(path)

	alwaysDead := func(pid int) bool { return false }
	if err := p.Acquire(alwaysDead); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	pid, ok := p.Read()
	if !ok || pid != os.Getpid() {
		t.Fatalf("Read() = %d, %v, want %d, true", pid, ok, os.Getpid())
	}

	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := p.Read(); ok {
		t.Fatalf("Read() after Release should report absent")
	}
}

func TestPIDFileAcquireRefusesLivePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(12345)+"\n"), 0644); err != nil {
		t.Fatalf("seed pidfile: %v", err)
	}

	p := NewPIDFile(path)
	alwaysAlive := func(pid int) bool { return pid == 12345 }
	if err := p.Acquire(alwaysAlive); err == nil {
		t.Fatalf("expected Acquire to refuse a pidfile held by a live pid")
	}
}

func TestPIDFileAcquireReclaimsDeadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(12345)+"\n"), 0644); err != nil {
		t.Fatalf("seed pidfile: %v", err)
	}

	p := NewPIDFile(path)
	alwaysDead := func(pid int) bool { return false }
	if err := p.Acquire(alwaysDead); err != nil {
		t.Fatalf("Acquire should reclaim a pidfile left by a dead pid: %v", err)
	}
	pid, ok := p.Read()
	if !ok || pid != os.Getpid() {
		t.Fatalf("Read() = %d, %v, want %d, true", pid, ok, os.Getpid())
	}
}

func TestPIDFileReadMissingFile(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "missing.pid"))
	if _, ok := p.Read(); ok {
		t.Fatalf("Read() on a missing pidfile should report absent")
	}
}
