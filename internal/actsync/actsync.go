package actsync

import (
	"bufio"
	"fmt"
	"io"
	"log"
)

// Source supplies one host's active file as a sequence of lines.
// readActive counts the lines of a Source that were structurally
// unparsable (get_active's host1_errs/host2_errs in actsync.c, which
// feed the percent-unchanged gate independently of per-group Ignore
// reasons).
type Source struct {
	Host   HostID
	Reader io.Reader
}

// Result is the outcome of one end-to-end Run.
type Result struct {
	Groups      []*Group
	Stats       ChangeStats
	Merge       MergeStats
	Emit        EmitResult
	Host1Errs   int
	Host2Errs   int
	TopIgnored  int
}

// readActive parses every line of src into Groups, counting malformed
// lines into errs (get_active in actsync.c).
func readActive(src Source, errs *int) []*Group {
	var groups []*Group
	scanner := bufio.NewScanner(src.Reader)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		g, ok := ParseLine(line, src.Host, lineNum)
		if !ok {
			*errs++
			continue
		}
		groups = append(groups, g)
	}
	return groups
}

// Run executes the full reconciliation pipeline of spec.md §4.6:
// parse both active files, sanitize every entry, apply the optional
// ignore file, merge host1 against host2 (including alias-chain
// analysis), mark host1 error groups for removal, filter new top-level
// hierarchies if requested, check the percent-unchanged safety gate,
// and finally emit. If the gate fails, Run returns the *ErrTooMuchChange
// together with the otherwise-complete Result so the caller can report
// it without anything having been emitted.
func Run(host1, host2 Source, host1Name, host2Name string, opts Options, ignoreFile io.Reader, spoolDir string, emit EmitOptions) (*Result, error) {
	res := &Result{}

	res.Groups = append(readActive(host1, &res.Host1Errs), readActive(host2, &res.Host2Errs)...)
	for _, g := range res.Groups {
		Sanitize(g, opts)
	}

	if ignoreFile != nil {
		il, err := ParseIgnoreFile(ignoreFile)
		if err != nil {
			return nil, fmt.Errorf("actsync: %w", err)
		}
		for _, g := range res.Groups {
			if (g.Host == Host1 && opts.IgnoreHost1) || (g.Host == Host2 && opts.IgnoreHost2) {
				il.Apply(g)
			}
		}
	}

	res.Merge = Merge(res.Groups, opts, host1Name, host2Name)

	if !opts.KeepEmptyLines {
		marked := MarkErrorsForRemoval(res.Groups, Host1)
		log.Printf("actsync: marked %d error groups for removal", marked)
	}

	if opts.NoNewHierarchies && spoolDir != "" {
		res.TopIgnored = FilterNewHierarchies(res.Groups, spoolDir)
	}

	stats, err := CheckGate(res.Groups, res.Host1Errs, opts.MinUnchanged)
	res.Stats = stats
	if err != nil {
		return res, err
	}

	result, err := Emit(res.Groups, opts, emit)
	res.Emit = result
	if err != nil {
		return res, err
	}
	return res, nil
}
