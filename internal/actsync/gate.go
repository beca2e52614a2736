package actsync

import "fmt"

// MarkErrorsForRemoval implements error_mark: every group from host
// that ended up in an error state (not merely a check-ignore) is
// forced to output+remove, unless -k (KeepEmptyLines) suppresses this
// pass for that host.
func MarkErrorsForRemoval(groups []*Group, host HostID) int {
	count := 0
	for _, g := range groups {
		if g.Host != host {
			continue
		}
		if g.Ignore.IsError() {
			g.Output = true
			g.Remove = true
			count++
		}
	}
	return count
}

// ChangeStats tallies output_grps's add/change/remove/same/ignore
// counters for the percent-unchanged safety gate.
type ChangeStats struct {
	Add, Change, Remove, Same, Ignore int
}

func tallyChanges(groups []*Group) ChangeStats {
	var s ChangeStats
	for _, g := range groups {
		if !g.Output {
			if g.Host == Host1 {
				s.Ignore++
			}
			continue
		}
		switch {
		case g.Remove:
			s.Remove++
		case g.Host == Host2:
			s.Add++
		case g.Type != g.OutType:
			s.Change++
		default:
			s.Same++
		}
	}
	return s
}

// PercentUnchanged computes the % of host1 lines that remain unchanged
// (output_grps in actsync.c), counting host1Errs (line-format errors
// encountered while reading host1's active file, independent of the
// per-group Ignore reasons) against the total.
func PercentUnchanged(stats ChangeStats, host1Errs int) float64 {
	work := stats.Add + stats.Change + stats.Remove
	denom := stats.Same + work + host1Errs
	if denom <= 0 {
		return 100.0
	}
	return 100.0 * float64(stats.Same) / float64(denom)
}

// ErrTooMuchChange is returned by CheckGate when the computed
// percent-unchanged falls below the configured threshold, matching
// actsync.c's HALT exit(36): no output should be emitted or commands
// run when this happens.
type ErrTooMuchChange struct {
	Unchanged float64
	MinAllow  float64
}

func (e *ErrTooMuchChange) Error() string {
	return fmt.Sprintf("actsync: lines unchanged: %.2f%% < min change limit: %.2f%%", e.Unchanged, e.MinAllow)
}

// CheckGate runs the safety gate of spec.md §4.6 step 5: it tallies
// change stats and returns ErrTooMuchChange if too little of host1's
// active file would remain unchanged, leaving groups untouched so the
// caller can abort cleanly without emitting anything.
func CheckGate(groups []*Group, host1Errs int, minUnchanged float64) (ChangeStats, error) {
	stats := tallyChanges(groups)
	unchanged := PercentUnchanged(stats, host1Errs)
	if unchanged < minUnchanged {
		return stats, &ErrTooMuchChange{Unchanged: unchanged, MinAllow: minUnchanged}
	}
	return stats, nil
}
