package ovdb

import (
	"context"

	bolt "go.etcd.io/bbolt"

	"github.com/go-while/go-overview/internal/models"
	"github.com/go-while/go-overview/internal/overview"
)

// ArticleAdd implements spec.md §4.1/§4.2.5. "group not found" is
// treated as success (silent drop) per spec.md §4.1. While the group
// is MOVING, artnums strictly below its High, as read at the start of
// this call, are dual-written under both CurrentGID and NewGID (the
// MOVING protocol).
func (s *Store) ArticleAdd(group string, artnum uint64, token models.Token, payload []byte, arrived, expires int64, cutoffLow bool) error {
	var gi *models.GroupInfo
	err := s.ctrl.Update(func(tx *bolt.Tx) error {
		var e error
		gi, e = s.getGroup(tx, group)
		if e != nil {
			return e
		}
		if cutoffLow && artnum < gi.Low {
			return overview.OldArticle
		}
		return nil
	})
	if err == overview.NoGroup {
		return nil // silent drop, per spec
	}
	if err != nil {
		return err
	}

	part := s.parts[gi.CurrentDB]
	writeErr := part.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOverview))
		key := recordKey(gi.CurrentGID, artnum)
		if b.Get(key) != nil {
			return overview.DupArticle
		}
		val := encodeRecordValue(token, arrived, expires, payload)
		if err := b.Put(key, val); err != nil {
			return err
		}
		if gi.IsMoving() && artnum < gi.High {
			newPart := s.parts[gi.NewDB]
			if newPart == part {
				return b.Put(recordKey(gi.NewGID, artnum), val)
			}
			return newPart.Update(func(ntx *bolt.Tx) error {
				return ntx.Bucket([]byte(bucketOverview)).Put(recordKey(gi.NewGID, artnum), val)
			})
		}
		return nil
	})
	if writeErr != nil {
		return writeErr
	}

	return s.ctrl.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketGroups))
		cur, e := s.getGroup(tx, group)
		if e != nil {
			return nil // group vanished concurrently; article already stored
		}
		cur.Count++
		if cur.Low > cur.High || artnum < cur.Low {
			cur.Low = artnum
		}
		if artnum > cur.High {
			cur.High = artnum
		}
		return b.Put([]byte(group), encodeGroupInfo(cur))
	})
}

func (s *Store) ArticleGet(group string, artnum uint64) (models.Token, error) {
	var tok models.Token
	var gi *models.GroupInfo
	err := s.ctrl.View(func(tx *bolt.Tx) error {
		var e error
		gi, e = s.getGroup(tx, group)
		return e
	})
	if err != nil {
		return tok, err
	}
	err = s.parts[gi.CurrentDB].View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketOverview)).Get(recordKey(gi.CurrentGID, artnum))
		if v == nil {
			return overview.NoArticle
		}
		tok, _, _, _ = decodeRecordValue(v)
		return nil
	})
	return tok, err
}

func (s *Store) ArticleDelete(group string, artnum uint64) error {
	var gi *models.GroupInfo
	err := s.ctrl.View(func(tx *bolt.Tx) error {
		var e error
		gi, e = s.getGroup(tx, group)
		return e
	})
	if err != nil {
		return err
	}
	err = s.parts[gi.CurrentDB].Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOverview))
		key := recordKey(gi.CurrentGID, artnum)
		if b.Get(key) == nil {
			return overview.NoArticle
		}
		return b.Delete(key)
	})
	if err != nil {
		return err
	}
	return s.ctrl.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketGroups))
		cur, e := s.getGroup(tx, group)
		if e != nil {
			return nil
		}
		if cur.Count > 0 {
			cur.Count--
		}
		if artnum == cur.Low {
			newLow, ok := s.nextLiveArtnum(cur.CurrentDB, cur.CurrentGID, artnum+1, cur.High)
			if ok {
				cur.Low = newLow
			} else {
				cur.Low = cur.High + 1
			}
		}
		return b.Put([]byte(group), encodeGroupInfo(cur))
	})
}

// nextLiveArtnum finds the smallest live artnum >= from within a
// group's key range, used to recompute Low after a delete at the
// watermark (spec.md §8, testable property #3).
func (s *Store) nextLiveArtnum(partIdx int, gid models.GroupID, from, high uint64) (uint64, bool) {
	var result uint64
	found := false
	s.parts[partIdx].View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketOverview)).Cursor()
		start := recordKey(gid, from)
		for k, _ := c.Seek(start); k != nil; k, _ = c.Next() {
			if gidOfKey(k) != gid {
				break
			}
			result = artnumOfKey(k)
			found = true
			break
		}
		return nil
	})
	return result, found
}

// searchIterator implements overview.RowIterator over a single
// partition's bolt cursor, batching reads inside short read
// transactions so a long scan never holds one transaction open
// indefinitely (spec.md §5 "budget_bytes").
type searchIterator struct {
	store   *Store
	partIdx int
	gid     models.GroupID
	next    uint64
	high    uint64
	cols    overview.Cols
	row     overview.SearchRow
	err     error
	done    bool
}

func (s *Store) SearchGroup(group string, low uint64, high *uint64, cols overview.Cols) overview.RowIterator {
	var gi *models.GroupInfo
	err := s.ctrl.View(func(tx *bolt.Tx) error {
		var e error
		gi, e = s.getGroup(tx, group)
		return e
	})
	if err != nil {
		return &searchIterator{err: err, done: true}
	}
	hi := gi.High
	if high != nil {
		hi = *high
	}
	return &searchIterator{store: s, partIdx: gi.CurrentDB, gid: gi.CurrentGID, next: low, high: hi, cols: cols}
}

func (it *searchIterator) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	found := false
	err := it.store.parts[it.partIdx].View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketOverview)).Cursor()
		start := recordKey(it.gid, it.next)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if gidOfKey(k) != it.gid {
				break
			}
			artnum := artnumOfKey(k)
			if artnum > it.high {
				break
			}
			token, arrived, expires, payload := decodeRecordValue(v)
			it.row = overview.SearchRow{ArtNum: artnum}
			if it.cols&overview.ColArrived != 0 {
				it.row.Arrived = arrived
			}
			if it.cols&overview.ColExpires != 0 {
				it.row.Expires = expires
			}
			if it.cols&overview.ColToken != 0 {
				it.row.Token = token
			}
			if it.cols&overview.ColPayload != 0 {
				it.row.Payload = payload
			}
			it.next = artnum + 1
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		it.err = err
		return false
	}
	if !found {
		it.done = true
		return false
	}
	return true
}

func (it *searchIterator) Row() *overview.SearchRow { return &it.row }
func (it *searchIterator) Err() error                { return it.err }
func (it *searchIterator) Close() error              { it.done = true; return nil }
