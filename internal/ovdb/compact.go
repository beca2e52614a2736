package ovdb

import (
	bolt "go.etcd.io/bbolt"

	"github.com/go-while/go-overview/internal/models"
	"github.com/go-while/go-overview/internal/overview"
)

// BeginMove starts the MOVING protocol (spec.md §4.2.5): it allocates
// NewGID in the group's current partition and sets the EXPIRING|MOVING
// status bits so that concurrent ArticleAdd calls below High dual-write
// under both gids. The expire_pid field is stamped so a crashed move
// can later be detected as stale.
func (s *Store) BeginMove(group string, pid int) (models.GroupID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newGID models.GroupID
	err := s.ctrl.Update(func(tx *bolt.Tx) error {
		gi, e := s.getGroup(tx, group)
		if e != nil {
			return e
		}
		if gi.IsMoving() {
			newGID = gi.NewGID
			return nil
		}
		var allocErr error
		if err := s.parts[gi.CurrentDB].Update(func(ptx *bolt.Tx) error {
			newGID, allocErr = allocGID(ptx)
			return allocErr
		}); err != nil {
			return err
		}
		gi.NewGID = newGID
		gi.NewDB = gi.CurrentDB
		gi.Status |= models.StatusExpiring | models.StatusMoving
		gi.ExpirePID = pid
		return tx.Bucket([]byte(bucketGroups)).Put([]byte(group), encodeGroupInfo(gi))
	})
	return newGID, err
}

// FinishMove completes the MOVING protocol: CurrentGID/CurrentDB are
// swapped to the New* values, MOVING|EXPIRING are cleared, and then
// (post-commit, since it touches a different bolt.DB) all records
// under the old gid are deleted and the old gid is returned to its
// partition's freelist.
func (s *Store) FinishMove(group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldGID models.GroupID
	var oldPart int
	err := s.ctrl.Update(func(tx *bolt.Tx) error {
		gi, e := s.getGroup(tx, group)
		if e != nil {
			return e
		}
		if !gi.IsMoving() {
			return nil
		}
		oldGID, oldPart = gi.CurrentGID, gi.CurrentDB
		gi.CurrentGID, gi.CurrentDB = gi.NewGID, gi.NewDB
		gi.Status &^= models.StatusExpiring | models.StatusMoving
		gi.ExpirePID = 0
		return tx.Bucket([]byte(bucketGroups)).Put([]byte(group), encodeGroupInfo(gi))
	})
	if err != nil || oldGID == 0 {
		return err
	}
	if oldGID == 0 {
		return nil
	}
	return s.parts[oldPart].Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOverview))
		c := b.Cursor()
		prefix := recordKey(oldGID, 0)[0:4]
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && gidOfKey(k) == oldGID; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return freeGID(tx, oldGID)
	})
}

// AbortMove discards an in-progress compaction's NewGID data and
// clears the MOVING|EXPIRING bits. Used when the supervising process
// detects (via ExpirePID no longer live) that the mover crashed
// mid-compaction (spec.md §4.2.5).
func (s *Store) AbortMove(group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newGID models.GroupID
	var newPart int
	err := s.ctrl.Update(func(tx *bolt.Tx) error {
		gi, e := s.getGroup(tx, group)
		if e != nil {
			return e
		}
		if !gi.IsMoving() {
			return nil
		}
		newGID, newPart = gi.NewGID, gi.NewDB
		gi.Status &^= models.StatusExpiring | models.StatusMoving
		gi.NewGID, gi.NewDB = gi.CurrentGID, gi.CurrentDB
		gi.ExpirePID = 0
		return tx.Bucket([]byte(bucketGroups)).Put([]byte(group), encodeGroupInfo(gi))
	})
	if err != nil || newGID == 0 {
		return err
	}
	return s.parts[newPart].Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOverview))
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if gidOfKey(k) == newGID {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return freeGID(tx, newGID)
	})
}

// CopySurvivor writes a surviving record under the group's NewGID
// during compaction (the expiration engine calls this for every record
// it decides to keep while MOVING is in effect).
func (s *Store) CopySurvivor(group string, rec *models.OverviewRecord) error {
	var gi *models.GroupInfo
	if err := s.ctrl.View(func(tx *bolt.Tx) error {
		var e error
		gi, e = s.getGroup(tx, group)
		return e
	}); err != nil {
		return err
	}
	if !gi.IsMoving() {
		return overview.New(overview.ErrStorage, nil)
	}
	return s.parts[gi.NewDB].Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOverview))
		return b.Put(recordKey(gi.NewGID, rec.ArtNum), encodeRecordValue(rec.Token, rec.Arrived, rec.Expires, rec.Payload))
	})
}

// IsProcessAlive is overridden in tests; production code uses
// kill(pid, 0) semantics via processAlive (alive.go). A pid of 0 is
// reported alive.
var IsProcessAlive = func(pid int) bool { return pid == 0 || processAlive(pid) }

// ReclaimStaleMoves scans for groups whose ExpirePID no longer exists
// and aborts their in-progress compaction (spec.md §4.2.5 crash
// recovery), returning the names it reclaimed.
func (s *Store) ReclaimStaleMoves() ([]string, error) {
	var stale []string
	err := s.ctrl.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketGroups)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if bytesContainsNul(k) || string(k) == tombstoneCounterKey {
				continue
			}
			gi := decodeGroupInfo(string(k), v)
			if gi.IsMoving() && !IsProcessAlive(gi.ExpirePID) {
				stale = append(stale, gi.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, name := range stale {
		if err := s.AbortMove(name); err != nil {
			return stale, err
		}
	}
	return stale, nil
}
