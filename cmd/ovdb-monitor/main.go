// Package main is the OVDB monitor daemon entrypoint (spec.md §4.2.7):
// it holds the exclusive admin lock, runs the deadlock detector,
// checkpointer, and log remover, and serves a small /healthz /stats
// inspection endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prof "github.com/go-while/go-cpu-mem-profiler"
	"github.com/go-while/go-overview/internal/ovdb"
)

var appVersion = "-unset-"

func main() {
	var (
		dataDir    = flag.String("data", "", "overview partition directory")
		numDBFiles = flag.Int("numdbfiles", 32, "number of bbolt partition files")
		runDir     = flag.String("rundir", "/var/run/news", "pathrun: pidfile + semaphore directory")
		interval   = flag.Duration("interval", 30*time.Second, "deadlock-detect/checkpoint interval")
		statusAddr = flag.String("status", "", "address for the /healthz and /stats endpoint, empty disables it")
		pprofAddr  = flag.String("pprof", "", "address for the pprof web endpoint, empty disables it")
	)
	flag.Parse()
	log.Printf("ovdb-monitor starting (version: %s)", appVersion)

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "usage: ovdb-monitor -data <path> [-rundir <path>] [-interval 30s]")
		os.Exit(3)
	}

	if *pprofAddr != "" {
		p := prof.NewProf()
		go p.PprofWeb(*pprofAddr)
	}

	backend, err := ovdb.NewBackend(*dataDir, *numDBFiles)
	if err != nil {
		log.Fatalf("ovdb-monitor: open backend: %v", err)
	}
	defer backend.Close()

	monitor, err := ovdb.NewMonitor(backend.UnderlyingStore(), *runDir)
	if err != nil {
		log.Fatalf("ovdb-monitor: %v", err)
	}
	monitor.Interval = *interval

	if *statusAddr != "" {
		status := &ovdb.StatusServer{Monitor: monitor}
		go func() {
			if err := http.ListenAndServe(*statusAddr, status.Router()); err != nil {
				log.Printf("ovdb-monitor: status server: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		<-sig
		cancel()
	}()

	if err := monitor.Run(ctx); err != nil {
		log.Fatalf("ovdb-monitor: %v", err)
	}
}
