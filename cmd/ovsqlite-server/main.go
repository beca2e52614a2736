// Package main is the OVSQLITE single-writer server entrypoint
// (spec.md §4.3): opens the sqlite database, binds the unix socket,
// and serves every client through the batching writer loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	prof "github.com/go-while/go-cpu-mem-profiler"
	"github.com/go-while/go-overview/internal/ovsqlite"
)

var appVersion = "-unset-"

func main() {
	var (
		dataDir      = flag.String("data", "", "directory holding ovsqlite.db")
		socketPath   = flag.String("socket", "/var/run/news/ovsqlite.sock", "unix socket path")
		compress     = flag.Bool("compress", true, "enable per-record dictionary zlib compression")
		pageSizeKiB  = flag.Int("page-size", 4, "sqlite page_size in KiB, 0 = sqlite default")
		cacheSizeKiB = flag.Int("cache-size", 8192, "sqlite cache_size in KiB")
		rowLimit     = flag.Int("txn-row-limit", 10000, "rows per write transaction before commit")
		timeLimit    = flag.Duration("txn-time-limit", 10*time.Second, "max time a write transaction stays open")
		pprofAddr    = flag.String("pprof", "", "address for the pprof web endpoint, empty disables it")
	)
	flag.Parse()
	log.Printf("ovsqlite-server starting (version: %s)", appVersion)

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "usage: ovsqlite-server -data <path> [-socket <path>]")
		os.Exit(3)
	}

	if *pprofAddr != "" {
		p := prof.NewProf()
		go p.PprofWeb(*pprofAddr)
	}

	db, err := ovsqlite.Open(*dataDir, *compress, *pageSizeKiB*1024, *cacheSizeKiB)
	if err != nil {
		log.Fatalf("ovsqlite-server: open %s: %v", *dataDir, err)
	}
	defer db.Close()

	os.Remove(*socketPath)
	ln, err := net.Listen("unix", *socketPath)
	if err != nil {
		log.Fatalf("ovsqlite-server: listen %s: %v", *socketPath, err)
	}

	srv := ovsqlite.NewServer(db, ln, *rowLimit, *timeLimit)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
		ln.Close()
	}()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("ovsqlite-server: %v", err)
	}
}
