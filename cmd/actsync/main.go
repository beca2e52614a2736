// Package main is the active-file reconciliation CLI (spec.md §6.4):
// it reads two active files, merges host2 into host1, and emits the
// resulting change plan in one of four modes.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-while/go-overview/internal/actsync"
)

var appVersion = "-unset-"

// hostSelector parses the -b/-d/-t/-q/-l/-I flag value (one of
// 0, 1, 2, 12, 21) into which host(s) it applies to.
func hostSelector(v string) (host1, host2 bool, err error) {
	switch v {
	case "0":
		return false, false, nil
	case "1":
		return true, false, nil
	case "2":
		return false, true, nil
	case "12", "21":
		return true, true, nil
	default:
		return false, false, fmt.Errorf("must be 0, 1, 2, 12 or 21, got %q", v)
	}
}

func main() {
	var (
		borkSel   = flag.String("b", "0", "bork-group check: host selector {0,1,2,12,21}")
		numSel    = flag.String("d", "0", "all-numeric-last-component check: host selector")
		topSel    = flag.String("t", "2", "bad-top-level check: host selector")
		quietSel  = flag.String("q", "0", "suppress diagnostics: host selector")
		eqSel     = flag.String("l", "12", "=type alias-chain check: host selector")
		ignoreSel = flag.String("I", "12", "apply ignore file: host selector")
		maxDepth  = flag.Int("g", 0, "max hierarchy depth, 0 = unlimited")
		ignFile   = flag.String("i", "", "ignore-file path")
		keep      = flag.Bool("k", false, "keep erroring host1 groups instead of removing them")
		mergeOnly = flag.Bool("m", false, "merge only, never mark host1-only groups for removal")
		newName   = flag.String("n", "actsync", "newgroup creator name")
		outMode   = flag.String("o", "c", "output mode: a, a1, c, x, xi")
		percent   = flag.Float64("p", actsync.MinUnchangedPercent, "min %% of host1 lines required to remain unchanged")
		maxLen    = flag.Int("s", 0, "max group name length, 0 = unlimited")
		noNewHier = flag.Bool("T", false, "ignore new top-level hierarchies from host2")
		verbosity = flag.Int("v", 0, "diagnostic verbosity, 0..4")
		sleepSecs = flag.Int("z", 0, "seconds to sleep before each non-interactive exec")
		host2Hi   = flag.Bool("host2-hilow", false, "use host2's hi/low watermarks on matched groups")
		spoolDir  = flag.String("spool", "", "spool directory root, required with -T")
		ctlinnd   = flag.String("ctlinnd", "/usr/lib/news/bin/ctlinnd", "ctlinnd binary path, modes x/xi")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] host1-active host2-active\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	log.Printf("actsync starting (version: %s)", appVersion)

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(3)
	}
	host1Path, host2Path := flag.Arg(0), flag.Arg(1)

	opts := actsync.DefaultOptions()
	opts.BorkHost1, opts.BorkHost2 = mustHostSelector(*borkSel)
	opts.NumHost1, opts.NumHost2 = mustHostSelector(*numSel)
	opts.TopHost1, opts.TopHost2 = mustHostSelector(*topSel)
	opts.QuietHost1, opts.QuietHost2 = mustHostSelector(*quietSel)
	opts.EqCheckHost1, opts.EqCheckHost2 = mustHostSelector(*eqSel)
	opts.IgnoreHost1, opts.IgnoreHost2 = mustHostSelector(*ignoreSel)
	opts.MaxDepth = *maxDepth
	opts.IgnoreFile = *ignFile
	opts.KeepEmptyLines = *keep
	opts.MergeOnly = *mergeOnly
	opts.NewGroupName = *newName
	opts.MinUnchanged = *percent
	opts.MaxNameLen = *maxLen
	opts.NoNewHierarchies = *noNewHier
	opts.Verbosity = *verbosity
	opts.Host2HiLowAll = *host2Hi

	mode, err := parseOutputMode(*outMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: -o %v\n", os.Args[0], err)
		os.Exit(1)
	}
	opts.OutputMode = mode

	h1, err := os.Open(host1Path)
	if err != nil {
		log.Fatalf("actsync: open host1 active file %s: %v", host1Path, err)
	}
	defer h1.Close()
	h2, err := os.Open(host2Path)
	if err != nil {
		log.Fatalf("actsync: open host2 active file %s: %v", host2Path, err)
	}
	defer h2.Close()

	var ignoreReader io.Reader
	if opts.IgnoreFile != "" {
		f, err := os.Open(opts.IgnoreFile)
		if err != nil {
			log.Fatalf("actsync: open ignore file %s: %v", opts.IgnoreFile, err)
		}
		defer f.Close()
		ignoreReader = f
	}

	emit := actsync.EmitOptions{
		CtlinndPath: *ctlinnd,
		ExecSleep:   time.Duration(*sleepSecs) * time.Second,
		Creator:     opts.NewGroupName,
	}

	res, err := actsync.Run(
		actsync.Source{Host: actsync.Host1, Reader: h1},
		actsync.Source{Host: actsync.Host2, Reader: h2},
		host1Path, host2Path,
		opts, ignoreReader, *spoolDir, emit,
	)
	if err != nil {
		if halt, ok := err.(*actsync.ErrTooMuchChange); ok {
			fmt.Fprintf(os.Stderr, "%s: HALT: %v\n", os.Args[0], halt)
			fmt.Fprintln(os.Stderr, "\tNo output or commands executed. Re-run with a lower -p value")
			fmt.Fprintln(os.Stderr, "\tor fix the underlying problem.")
			os.Exit(36)
		}
		log.Fatalf("actsync: %v", err)
	}

	log.Printf("actsync: added=%d changed=%d removed=%d skipped=%d (%.2f%% unchanged)",
		res.Emit.Added, res.Emit.Changed, res.Emit.Removed, res.Emit.Skipped,
		actsync.PercentUnchanged(res.Stats, res.Host1Errs))
}

func mustHostSelector(v string) (bool, bool) {
	h1, h2, err := hostSelector(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "actsync: %v\n", err)
		os.Exit(1)
	}
	return h1, h2
}

func parseOutputMode(v string) (actsync.Mode, error) {
	switch v {
	case "a", "a1", "aK", "ak":
		return actsync.ModeActive, nil
	case "c":
		return actsync.ModeCtlinnd, nil
	case "x":
		return actsync.ModeExec, nil
	case "xi":
		return actsync.ModeInteractiveExec, nil
	default:
		return 0, fmt.Errorf("must be one of a, a1, ak, aK, c, x, xi, got %q", v)
	}
}
