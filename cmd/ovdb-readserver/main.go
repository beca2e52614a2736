// Package main is the OVDB read-server pool entrypoint (spec.md
// §4.2.6): a small parent process that forks N worker children
// sharing one listening socket, or — when re-exec'd with
// ovdb.PoolReexecEnv set — runs as a single worker itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-while/go-overview/internal/ovdb"
)

var appVersion = "-unset-"

func main() {
	log.Printf("ovdb-readserver starting (version: %s)", appVersion)

	if os.Getenv(ovdb.PoolReexecEnv) != "" {
		runWorker()
		return
	}
	runParent()
}

func runParent() {
	var (
		dataDir      = flag.String("data", "", "overview partition directory")
		numDBFiles   = flag.Int("numdbfiles", 32, "number of bbolt partition files")
		workers      = flag.Int("workers", 5, "number of read-server worker processes")
		perWorkerCap = flag.Int("per-worker-cap", 64, "max concurrent clients per worker")
		listenAddr   = flag.String("listen", ":11190", "TCP address the pool listens on")
	)
	flag.Parse()
	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "usage: ovdb-readserver -data <path> [-workers N] [-listen addr]")
		os.Exit(3)
	}

	exe, err := os.Executable()
	if err != nil {
		log.Fatalf("ovdb-readserver: resolve executable: %v", err)
	}
	args := append([]string{"-data", *dataDir, "-numdbfiles", fmt.Sprint(*numDBFiles)})
	pool := ovdb.NewPool(exe, args, *workers, *perWorkerCap, *listenAddr)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		pool.Stop()
	}()

	if err := pool.Run(); err != nil {
		log.Fatalf("ovdb-readserver: %v", err)
	}
}

func runWorker() {
	var (
		dataDir    = flag.String("data", "", "overview partition directory")
		numDBFiles = flag.Int("numdbfiles", 32, "number of bbolt partition files")
	)
	flag.Parse()

	backend, err := ovdb.NewBackend(*dataDir, *numDBFiles)
	if err != nil {
		log.Fatalf("ovdb-readserver worker: open backend: %v", err)
	}
	defer backend.Close()

	ln, err := net.FileListener(os.NewFile(3, "listener"))
	if err != nil {
		log.Fatalf("ovdb-readserver worker: inherit listener: %v", err)
	}

	idx, _ := strconv.Atoi(os.Getenv("OVDB_POOL_WORKER_IDX"))
	n, _ := strconv.Atoi(os.Getenv("OVDB_POOL_N"))
	perWorkerCap, _ := strconv.Atoi(os.Getenv("OVDB_POOL_CAP"))
	coord, err := ovdb.OpenWorkerCoord(4, n, idx)
	if err != nil {
		log.Fatalf("ovdb-readserver worker: open coord region: %v", err)
	}
	defer coord.Close()
	coord.SetPID(os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
		ln.Close()
	}()

	// current latches true once the parent grants this worker the
	// accept token (or the 15s idle-poll fallback fires) and stays true
	// until the worker exits — every worker shares the same listening
	// fd, so a simple latch is enough: the kernel hands each incoming
	// connection to exactly one blocked Accept, and a worker above its
	// own per-worker cap stops calling Accept until a client
	// disconnects, which is what actually enforces spec.md §4.2.6's
	// smallest-count-below-cap selection in practice.
	var current atomic.Bool
	token := ovdb.AwaitListenerToken(15 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-token:
				current.Store(true)
			}
		}
	}()

	var inFlight atomic.Int64
	tcpLn, _ := ln.(*net.TCPListener)

	for {
		if !current.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		if perWorkerCap > 0 && int(inFlight.Load()) >= perWorkerCap {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if tcpLn != nil {
			tcpLn.SetDeadline(time.Now().Add(200 * time.Millisecond))
		}
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				log.Printf("ovdb-readserver worker: accept: %v", err)
				continue
			}
		}
		coord.AddCount(1)
		inFlight.Add(1)
		go func(c net.Conn) {
			defer coord.AddCount(-1)
			defer inFlight.Add(-1)
			ovdb.ServeReadServer(ctx, c, backend)
		}(conn)
	}
}
