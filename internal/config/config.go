// Package config provides configuration management for go-overview.
// Adapted from go-pugleaf's plain-struct configuration style for the
// news overview storage/reconciliation domain.
package config

import (
	"fmt"
	"log"
	"sync"
	"time"
)

var AppVersion = "-unset-" // will be set at build time

// Config holds every path, tuning knob, and CLI default used by the
// overview storage backends and the reconciliation tool. Paths are
// modelled after INN's pathrun/pathoverview/pathetc/pathbin, per
// spec.md §6.5: no environment variable is read directly by the core,
// everything flows through this struct.
type Config struct {
	// Mutex for thread-safe access during a future reload-on-SIGHUP path
	mux sync.Mutex `json:"-"`

	AppVersion string `json:"app_version"`

	Paths  PathConfig   `json:"paths"`
	OVDB   OVDBConfig   `json:"ovdb"`
	OVSQL  OVSQLConfig  `json:"ovsqlite"`
	Expire ExpireConfig `json:"expire"`
	Sync   SyncConfig   `json:"actsync"`
}

// PathConfig mirrors INN's well-known runtime directories.
type PathConfig struct {
	Run        string `json:"pathrun"`      // pid files, unix sockets, semaphore
	Overview   string `json:"pathoverview"` // database files (ovdb.*, ovsqlite.db)
	Etc        string `json:"pathetc"`      // active file, ignore files
	Bin        string `json:"pathbin"`      // ctlinnd and other helper binaries
	ActiveFile string `json:"active_file"`  // pathetc/active
}

// OVDBConfig tunes the partitioned bbolt-backed storage layer and its
// read-server pool (spec.md §4.2).
type OVDBConfig struct {
	NumDBFiles      int           `json:"numdbfiles"`        // partition count, default 32
	PoolSize        int           `json:"pool_size"`         // read-server worker processes
	PerWorkerCap    int           `json:"per_worker_cap"`    // max concurrent searches per worker
	SyncWrites      bool          `json:"sync_writes"`       // fsync every commit
	IdlePollTimeout time.Duration `json:"idle_poll_timeout"` // AwaitListenerToken idle window
	LockWaitTimeout time.Duration `json:"lock_wait_timeout"`
}

// OVSQLConfig tunes the single-writer sqlite backend (spec.md §4.3).
type OVSQLConfig struct {
	TxnRowLimit  int           `json:"transaction_row_limit"`  // default 10000
	TxnTimeLimit time.Duration `json:"transaction_time_limit"` // default 10s
	Compress     bool          `json:"compress"`
	PageSizeKiB  int           `json:"page_size_kib"`
	CacheSizeKiB int           `json:"cache_size_kib"`
	SocketPath   string        `json:"socket_path"`
}

// ExpireConfig tunes the backend-agnostic expiration engine (spec.md
// §4.5).
type ExpireConfig struct {
	TxnSize            int `json:"txn_size"`
	NoCompactThreshold int `json:"no_compact_threshold"`
}

// SyncConfig carries the reconciliation tool's CLI defaults (spec.md
// §6.4). cmd/actsync does not read it; its own flag defaults seed
// actsync.Options.
type SyncConfig struct {
	IgnoreFile   string        `json:"ignore_file"`
	MinUnchanged float64       `json:"min_unchanged"`
	ExecSleep    time.Duration `json:"exec_sleep"`
	CtlinndPath  string        `json:"ctlinnd_path"`
}

// NewDefaultConfig returns the configuration used when no override
// file is supplied, matching the constants actsync.c and ovdb.c
// compile in.
func NewDefaultConfig() *Config {
	if AppVersion == "-unset-" {
		log.Printf("config: AppVersion is unset, using development build")
	}
	cfg := &Config{
		AppVersion: AppVersion,
		Paths: PathConfig{
			Run:        "/var/run/news",
			Overview:   "/var/spool/news/overview",
			Etc:        "/etc/news",
			Bin:        "/usr/lib/news/bin",
			ActiveFile: "/etc/news/active",
		},
		OVDB: OVDBConfig{
			NumDBFiles:      32,
			PoolSize:        4,
			PerWorkerCap:    64,
			SyncWrites:      false,
			IdlePollTimeout: 15 * time.Second,
			LockWaitTimeout: 5 * time.Second,
		},
		OVSQL: OVSQLConfig{
			TxnRowLimit:  10000,
			TxnTimeLimit: 10 * time.Second,
			Compress:     true,
			PageSizeKiB:  4,
			CacheSizeKiB: 8192,
			SocketPath:   "/var/run/news/ovsqlite.sock",
		},
		Expire: ExpireConfig{
			TxnSize:            100,
			NoCompactThreshold: 1000,
		},
		Sync: SyncConfig{
			MinUnchanged: 96.0,
			ExecSleep:    0,
			CtlinndPath:  "/usr/lib/news/bin/ctlinnd",
		},
	}
	cfg.mux.Lock()
	log.Printf("config: initialized (pathoverview=%s, numdbfiles=%d)", cfg.Paths.Overview, cfg.OVDB.NumDBFiles)
	cfg.mux.Unlock()
	return cfg
}

// Lock/Unlock support concurrent reload of a shared *Config the way
// the teacher's MainConfig is guarded: config mutation and reads never
// race.
func (c *Config) Lock()   { c.mux.Lock() }
func (c *Config) Unlock() { c.mux.Unlock() }

// Validate reports the first structurally invalid setting, matching
// the fail-fast posture of the teacher's own config loader.
func (c *Config) Validate() error {
	if c.Paths.Overview == "" {
		return fmt.Errorf("config: pathoverview must be set")
	}
	if c.OVDB.NumDBFiles <= 0 {
		return fmt.Errorf("config: ovdb.numdbfiles must be positive")
	}
	if c.OVSQL.TxnRowLimit <= 0 {
		return fmt.Errorf("config: ovsqlite.transaction_row_limit must be positive")
	}
	if c.OVSQL.TxnTimeLimit <= 0 {
		return fmt.Errorf("config: ovsqlite.transaction_time_limit must be positive")
	}
	if c.Sync.MinUnchanged < 0 || c.Sync.MinUnchanged > 100 {
		return fmt.Errorf("config: actsync.min_unchanged must be in [0,100]")
	}
	return nil
}
