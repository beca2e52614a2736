// Package expire implements the backend-agnostic expiration engine
// described in spec.md §4.5: it drives any overview.Backend through a
// start/search/expire/finish cycle, deciding per-record survival via
// caller-supplied probes (overview.ExpireProbes) and never touching
// blob storage or history directly itself.
package expire

import (
	"context"
	"fmt"
	"os"

	"github.com/go-while/go-overview/internal/models"
	"github.com/go-while/go-overview/internal/overview"
)

// TxnSize bounds how many article numbers are sent in one
// expire_group batch (spec.md §4.5, EXPIREGROUP_TXN_SIZE in the
// original ovdb.c).
const TxnSize = 100

// NoCompactThreshold is the OVDB-only compaction heuristic cutoff
// (spec.md §4.5, nocompact_threshold / OVDBnocompact in ovdb.c): at or
// above this article count the group is expired in place rather than
// rewritten under a new gid.
const NoCompactThreshold = 1000

// Compactor is implemented by OVDB-flavored backends that support the
// MOVING-protocol rewrite (spec.md §4.2.5). OVSQLITE backends don't
// implement it; the engine type-asserts for it and falls back to
// in-place expiry when absent.
type Compactor interface {
	Compact(ctx context.Context, group string, pid int) (models.GroupID, error)
	CopySurvivor(ctx context.Context, group string, rec *models.OverviewRecord) error
	FinishCompaction(ctx context.Context, group string) error
}

// GroupResult summarizes one group's expiration pass.
type GroupResult struct {
	Group     string
	Scanned   int
	Deleted   int
	Compacted bool
	NewLow    uint64
	NewHigh   uint64
}

// Engine drives expiration against a single overview.Backend.
type Engine struct {
	Backend overview.Backend
	Probes  overview.ExpireProbes
}

func New(backend overview.Backend, probes overview.ExpireProbes) *Engine {
	return &Engine{Backend: backend, Probes: probes}
}

// ExpireGroup runs the full algorithm of spec.md §4.5 for one group:
// decide compaction strategy, walk records in ascending artnum order
// deciding survival via probes, batch deletions, then recompute
// watermarks if the running count diverged from what GroupInfo had.
func (e *Engine) ExpireGroup(ctx context.Context, group string) (*GroupResult, error) {
	low, high, count, _, err := e.Backend.GroupStats(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("expire: group stats %q: %w", group, err)
	}

	compactor, canCompact := e.Backend.(Compactor)
	compact := canCompact && count > 0 && count < NoCompactThreshold
	result := &GroupResult{Group: group}

	if err := e.Backend.StartExpireGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("expire: start_expire_group %q: %w", group, err)
	}

	if compact {
		if _, err := compactor.Compact(ctx, group, os.Getpid()); err != nil {
			return nil, fmt.Errorf("expire: compact %q: %w", group, err)
		}
		result.Compacted = true
	}

	it := e.Backend.SearchGroup(ctx, group, low, &high, overview.ColsAll)
	defer it.Close()

	var batch []uint64
	var survivingCount int
	var newLow, newHigh uint64
	first := true

	flushDeletes := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.Backend.ExpireGroup(ctx, group, batch); err != nil {
			return err
		}
		result.Deleted += len(batch)
		batch = batch[:0]
		return nil
	}

	for it.Next(ctx) {
		row := it.Row()
		result.Scanned++
		if e.shouldDelete(group, row) {
			if !compact {
				batch = append(batch, row.ArtNum)
				if len(batch) >= TxnSize {
					if err := flushDeletes(); err != nil {
						return nil, fmt.Errorf("expire: expire_group %q: %w", group, err)
					}
				}
			} else {
				result.Deleted++
			}
			continue
		}
		if compact {
			rec := &models.OverviewRecord{
				ArtNum:  row.ArtNum,
				Token:   models.Token(row.Token),
				Arrived: row.Arrived,
				Expires: row.Expires,
				Payload: row.Payload,
			}
			if err := compactor.CopySurvivor(ctx, group, rec); err != nil {
				return nil, fmt.Errorf("expire: copy_survivor %q/%d: %w", group, row.ArtNum, err)
			}
		}
		survivingCount++
		if first {
			newLow = row.ArtNum
			first = false
		}
		newHigh = row.ArtNum
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("expire: search_group %q: %w", group, err)
	}
	if !compact {
		if err := flushDeletes(); err != nil {
			return nil, fmt.Errorf("expire: expire_group %q: %w", group, err)
		}
	} else {
		if err := compactor.FinishCompaction(ctx, group); err != nil {
			return nil, fmt.Errorf("expire: finish_compaction %q: %w", group, err)
		}
	}

	newCount := survivingCount
	if uint64(survivingCount) != count-uint64(result.Deleted) {
		// Watermark recomputation (spec.md §4.5): the running count
		// diverged from what GroupInfo recorded, so recompute low/high/
		// count from a fresh cursor walk rather than trust the tally.
		recomputedLow, recomputedHigh, recomputedCount, err := e.recompute(ctx, group)
		if err != nil {
			return nil, err
		}
		newLow, newHigh = recomputedLow, recomputedHigh
		newCount = recomputedCount
		result.Deleted = int(count) - recomputedCount
	}
	if newCount == 0 {
		// Empty-group sentinel (spec.md §4.2.2): low > high marks a
		// group with no articles, the same convention OVDB's GroupAdd
		// and OVSQLITE's opArticleAdd/opArticleDelete already use.
		newLow, newHigh = high+1, high
	}
	if err := e.Backend.SetGroupWatermarks(ctx, group, newLow, newHigh, uint64(newCount)); err != nil {
		return nil, fmt.Errorf("expire: set_watermarks %q: %w", group, err)
	}
	result.NewLow, result.NewHigh = newLow, newHigh
	return result, nil
}

func (e *Engine) recompute(ctx context.Context, group string) (low, high uint64, count int, err error) {
	it := e.Backend.SearchGroup(ctx, group, 0, nil, overview.Cols(0))
	defer it.Close()
	first := true
	for it.Next(ctx) {
		row := it.Row()
		if first {
			low = row.ArtNum
			first = false
		}
		high = row.ArtNum
		count++
	}
	return low, high, count, it.Err()
}

// shouldDelete implements the per-record decision tree of spec.md §4.5.
func (e *Engine) shouldDelete(group string, row *overview.SearchRow) bool {
	deleteIt := false
	useBlob := e.Probes.ProbeAll || e.Probes.HistoryHasMsgID == nil
	switch {
	case useBlob && e.Probes.ProbeBlob != nil:
		if !e.Probes.ProbeBlob(row.Token) {
			deleteIt = true
		}
	case e.Probes.HistoryHasMsgID != nil:
		msgID := ""
		if e.Probes.MsgIDOf != nil {
			msgID = e.Probes.MsgIDOf(row.Payload)
		}
		if !e.Probes.HistoryHasMsgID(msgID) {
			deleteIt = true
		}
	}
	if !deleteIt && e.Probes.GroupBasedExpiry && e.Probes.ShouldExpire != nil {
		if e.Probes.ShouldExpire(row.Token, group, row.Payload, row.Arrived, row.Expires) {
			deleteIt = true
		}
	}
	return deleteIt
}

// FinishExpire completes the forgotten-group sweep (spec.md §4.3.5
// phase 2), calling the backend's FinishExpire repeatedly until it
// reports Done.
func (e *Engine) FinishExpire(ctx context.Context) error {
	for {
		outcome, err := e.Backend.FinishExpire(ctx)
		if err != nil {
			return fmt.Errorf("expire: finish_expire: %w", err)
		}
		if outcome == overview.ExpireDone {
			return nil
		}
	}
}
