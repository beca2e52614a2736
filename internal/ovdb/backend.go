package ovdb

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/go-while/go-overview/internal/models"
	"github.com/go-while/go-overview/internal/overview"
)

// Backend adapts a shared *Store to the overview.Backend façade for one
// session. cutoffLow and the expire-session bookkeeping are per-session
// state (spec.md §9 "a clean re-architecture makes them fields of a
// Backend handle").
type Backend struct {
	store        *Store
	cutoffLow    bool
	sessionStart time.Time
	expireReady  bool
}

// NewBackend opens (or reuses) the OVDB home directory at dir and
// returns a façade handle over it.
func NewBackend(dir string, numDBFiles int) (*Backend, error) {
	st, err := Open(dir, numDBFiles)
	if err != nil {
		return nil, err
	}
	return &Backend{store: st}, nil
}

func (b *Backend) Close() error { return b.store.Close() }

// UnderlyingStore exposes the shared *Store for callers that need to
// drive it directly — the monitor daemon runs maintenance tasks
// (deadlock detection, checkpointing) against the store itself rather
// than through the per-session façade.
func (b *Backend) UnderlyingStore() *Store { return b.store }

func (b *Backend) SetCutoffLow(cutoff bool) { b.cutoffLow = cutoff }

func (b *Backend) GroupStats(_ context.Context, group string) (uint64, uint64, uint64, string, error) {
	return b.store.GroupStats(group)
}

func (b *Backend) GroupAdd(_ context.Context, group string, low, high uint64, flagAlias string) error {
	return b.store.GroupAdd(group, low, high, flagAlias)
}

func (b *Backend) GroupDelete(_ context.Context, group string) error {
	return b.store.GroupDelete(group)
}

func (b *Backend) ListGroups(_ context.Context, cursor int64, budgetBytes int) overview.GroupIterator {
	rows, next, done, err := b.store.ListGroups(cursor, budgetBytes)
	return &groupIterator{rows: rows, cursor: next, done: done, err: err}
}

type groupIterator struct {
	rows   []overview.GroupInfoRow
	idx    int
	cursor int64
	done   bool
	err    error
}

func (g *groupIterator) Next(ctx context.Context) bool {
	if g.err != nil || g.idx >= len(g.rows) {
		return false
	}
	g.idx++
	return true
}
func (g *groupIterator) Row() *overview.GroupInfoRow { return &g.rows[g.idx-1] }
func (g *groupIterator) Cursor() int64               { return g.cursor }
func (g *groupIterator) Done() bool                  { return g.done }
func (g *groupIterator) Err() error                  { return g.err }
func (g *groupIterator) Close() error                { return nil }

func (b *Backend) ArticleAdd(_ context.Context, group string, artnum uint64, token [18]byte, payload []byte, arrived, expires int64) error {
	return b.store.ArticleAdd(group, artnum, models.Token(token), payload, arrived, expires, b.cutoffLow)
}

func (b *Backend) ArticleGet(_ context.Context, group string, artnum uint64) ([18]byte, error) {
	tok, err := b.store.ArticleGet(group, artnum)
	return [18]byte(tok), err
}

func (b *Backend) ArticleDelete(_ context.Context, group string, artnum uint64) error {
	return b.store.ArticleDelete(group, artnum)
}

func (b *Backend) SearchGroup(_ context.Context, group string, low uint64, high *uint64, cols overview.Cols) overview.RowIterator {
	return b.store.SearchGroup(group, low, high, cols)
}

// StartExpireGroup stamps the group's expired timestamp with the
// session start time and asserts it exists (spec.md §4.3.5 step 1,
// generalized to both backends).
func (b *Backend) StartExpireGroup(_ context.Context, group string) error {
	if b.sessionStart.IsZero() {
		b.sessionStart = time.Now()
	}
	return b.store.ctrl.Update(func(tx *bolt.Tx) error {
		gi, err := b.store.getGroup(tx, group)
		if err != nil {
			return err
		}
		gi.Expired = b.sessionStart
		return tx.Bucket([]byte(bucketGroups)).Put([]byte(group), encodeGroupInfo(gi))
	})
}

// ExpireGroup deletes the given article numbers from group, one
// ArticleDelete (with its own transactions) per article, each of which
// updates Low/Count (spec.md §4.3.5 step 2;
// §4.5 batches work into chunks of at most EXPIREGROUP_TXN_SIZE at the
// caller's discretion — the caller controls batch size via the slice
// length it passes).
func (b *Backend) ExpireGroup(_ context.Context, group string, artnums []uint64) error {
	for _, a := range artnums {
		if err := b.store.ArticleDelete(group, a); err != nil && err != overview.NoArticle {
			return err
		}
	}
	return nil
}

// FinishExpire implements the two-phase cleanup described in spec.md
// §4.3.5, generalized across backends: first mark forgotten groups
// (those whose Expired stamp predates this session) deleted, then
// physically reclaim deleted groups' storage in bounded batches.
func (b *Backend) FinishExpire(_ context.Context) (overview.ExpireOutcome, error) {
	const batchSize = 5000

	if !b.expireReady {
		if err := b.markForgottenGroupsDeleted(); err != nil {
			return overview.ExpireDone, err
		}
		b.expireReady = true
	}

	name, more, err := b.nextDeletedGroup()
	if err != nil {
		return overview.ExpireDone, err
	}
	if name == "" {
		return overview.ExpireDone, nil
	}
	if err := b.reclaimDeletedGroup(name, batchSize); err != nil {
		return overview.ExpireDone, err
	}
	if more {
		return overview.ExpireMore, nil
	}
	return overview.ExpireMore, nil
}

func (b *Backend) markForgottenGroupsDeleted() error {
	if b.sessionStart.IsZero() {
		return nil
	}
	return b.store.ctrl.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketGroups))
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if bytesContainsNul(k) || string(k) == tombstoneCounterKey {
				continue
			}
			gi := decodeGroupInfo(string(k), v)
			if gi.IsDeleted() {
				continue
			}
			if !gi.Expired.IsZero() && gi.Expired.Before(b.sessionStart) {
				gi.Status |= models.StatusDeleted
				if err := bucket.Put(k, encodeGroupInfo(gi)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (b *Backend) nextDeletedGroup() (string, bool, error) {
	var name string
	more := false
	err := b.store.ctrl.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketGroups)).Cursor()
		count := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if bytesContainsNul(k) || string(k) == tombstoneCounterKey {
				continue
			}
			gi := decodeGroupInfo(string(k), v)
			if gi.IsDeleted() {
				count++
				if name == "" {
					name = gi.Name
				}
				if count > 1 {
					more = true
					break
				}
			}
		}
		return nil
	})
	return name, more, err
}

func (b *Backend) reclaimDeletedGroup(group string, batchSize int) error {
	var gi *models.GroupInfo
	if err := b.store.ctrl.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketGroups)).Get([]byte(group))
		if v == nil {
			return nil
		}
		gi = decodeGroupInfo(group, v)
		return nil
	}); err != nil || gi == nil {
		return err
	}

	emptied := false
	err := b.store.parts[gi.CurrentDB].Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketOverview))
		c := bkt.Cursor()
		prefix := recordKey(gi.CurrentGID, 0)[0:4]
		deleted := 0
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && gidOfKey(k) == gi.CurrentGID; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
			deleted++
			if deleted >= batchSize {
				break
			}
		}
		for _, k := range keys {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		// Any records left for this gid?
		if k, _ := c.Seek(prefix); k == nil || gidOfKey(k) != gi.CurrentGID {
			emptied = true
			return freeGID(tx, gi.CurrentGID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if emptied {
		return b.store.ctrl.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(bucketGroups)).Delete([]byte(group))
		})
	}
	return nil
}

// SetGroupWatermarks persists a recomputed Low/High/Count onto an
// existing group's GroupInfo, independent of GroupAdd's upsert (which
// leaves Low/High/Count alone on an existing group). The expiration
// engine calls this after a compaction or divergence recompute (spec.md
// §4.5) so the correction survives past the current process.
func (b *Backend) SetGroupWatermarks(_ context.Context, group string, low, high, count uint64) error {
	return b.store.ctrl.Update(func(tx *bolt.Tx) error {
		gi, err := b.store.getGroup(tx, group)
		if err != nil {
			return err
		}
		gi.Low = low
		gi.High = high
		gi.Count = count
		return tx.Bucket([]byte(bucketGroups)).Put([]byte(group), encodeGroupInfo(gi))
	})
}

// Compact runs the OVDB-only compaction heuristic entry point used by
// internal/expire (spec.md §4.5): it begins the MOVING protocol. The
// expiration engine is responsible for copying survivors via
// CopySurvivor and calling FinishMove when the walk completes.
func (b *Backend) Compact(_ context.Context, group string, pid int) (models.GroupID, error) {
	return b.store.BeginMove(group, pid)
}

func (b *Backend) CopySurvivor(_ context.Context, group string, rec *models.OverviewRecord) error {
	return b.store.CopySurvivor(group, rec)
}

func (b *Backend) FinishCompaction(_ context.Context, group string) error {
	return b.store.FinishMove(group)
}

var _ overview.Backend = (*Backend)(nil)
