package ovdb

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/go-while/go-overview/internal/models"
	"github.com/go-while/go-overview/internal/overview"
)

// GroupAdd implements spec.md §4.2.3. If the group exists and is not
// deleted, only its flag is updated. If it exists and is deleted, the
// stale record is renamed to an anonymous tombstone key before the new
// incarnation is inserted, preserving on-disk records pending physical
// deletion by the cleanup pass. If absent, a fresh group-id is
// allocated in the group's partition.
func (s *Store) GroupAdd(group string, low, high uint64, flagAlias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ctrl.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketGroups))
		existing := b.Get([]byte(group))

		if existing != nil {
			gi := decodeGroupInfo(group, existing)
			if !gi.IsDeleted() {
				gi.FlagAlias = flagAlias
				if err := b.Put([]byte(group), encodeGroupInfo(gi)); err != nil {
					return err
				}
				return s.upsertAlias(tx, group, flagAlias)
			}
			// Tombstone the deleted incarnation under a serial-suffixed key.
			serial := nextTombstoneSerial(tx)
			tomb := fmt.Sprintf("%s\x00tomb%d", group, serial)
			if err := b.Put([]byte(tomb), existing); err != nil {
				return err
			}
		}

		part := Partition(group, s.numDBFiles)
		var gid models.GroupID
		if err := s.parts[part].Update(func(ptx *bolt.Tx) error {
			var err error
			gid, err = allocGID(ptx)
			return err
		}); err != nil {
			return err
		}

		gi := &models.GroupInfo{
			Name:       group,
			Low:        low,
			High:       high,
			FlagAlias:  flagAlias,
			CurrentGID: gid,
			NewGID:     gid,
			CurrentDB:  part,
			NewDB:      part,
		}
		if low > high {
			gi.Count = 0
		}
		if err := b.Put([]byte(group), encodeGroupInfo(gi)); err != nil {
			return err
		}
		return s.upsertAlias(tx, group, flagAlias)
	})
}

func (s *Store) upsertAlias(tx *bolt.Tx, group, flagAlias string) error {
	aliases := tx.Bucket([]byte(bucketAliases))
	if len(flagAlias) > 0 && models.GroupFlag(flagAlias[0]) == models.FlagAlias {
		return aliases.Put([]byte(group), []byte(flagAlias[1:]))
	}
	return nil
}

func nextTombstoneSerial(tx *bolt.Tx) uint64 {
	b := tx.Bucket([]byte(bucketGroups))
	key := []byte(tombstoneCounterKey)
	var n uint64
	if v := b.Get(key); v != nil {
		n = binary.BigEndian.Uint64(v)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n+1)
	b.Put(key, buf[:])
	return n
}

// GroupDelete marks the group deleted (spec.md §4.2.3). Overview
// records are not touched synchronously; they are reclaimed by the
// expiration engine's cleanup pass.
func (s *Store) GroupDelete(group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketGroups))
		v := b.Get([]byte(group))
		if v == nil {
			return overview.NoGroup
		}
		gi := decodeGroupInfo(group, v)
		gi.Status |= models.StatusDeleted
		if err := b.Put([]byte(group), encodeGroupInfo(gi)); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketAliases)).Delete([]byte(group))
	})
}

func (s *Store) getGroup(tx *bolt.Tx, group string) (*models.GroupInfo, error) {
	v := tx.Bucket([]byte(bucketGroups)).Get([]byte(group))
	if v == nil {
		return nil, overview.NoGroup
	}
	gi := decodeGroupInfo(group, v)
	if gi.IsDeleted() {
		return nil, overview.NoGroup
	}
	return gi, nil
}

func (s *Store) GroupStats(group string) (low, high, count uint64, flagAlias string, err error) {
	err = s.ctrl.View(func(tx *bolt.Tx) error {
		gi, e := s.getGroup(tx, group)
		if e != nil {
			return e
		}
		low, high, count, flagAlias = gi.Low, gi.High, gi.Count, gi.FlagAlias
		return nil
	})
	return
}

// ListGroups walks groups in key order starting after cursor groups,
// stopping once budgetBytes of (approximate) response payload has been
// produced (spec.md §4.1, §5 "budget_bytes").
func (s *Store) ListGroups(cursor int64, budgetBytes int) ([]overview.GroupInfoRow, int64, bool, error) {
	var rows []overview.GroupInfoRow
	var nextCursor int64
	done := true
	err := s.ctrl.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketGroups)).Cursor()
		used := 0
		idx := int64(0)
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if bytesContainsNul(k) {
				continue // tombstone key
			}
			if idx < cursor {
				idx++
				continue
			}
			if string(k) == tombstoneCounterKey {
				idx++
				continue
			}
			gi := decodeGroupInfo(string(k), v)
			idx++
			if gi.IsDeleted() {
				continue
			}
			rows = append(rows, overview.GroupInfoRow{
				Name: gi.Name, Low: gi.Low, High: gi.High, Count: gi.Count, FlagAlias: gi.FlagAlias,
			})
			used += len(gi.Name) + len(gi.FlagAlias) + 32
			nextCursor = idx
			if budgetBytes > 0 && used >= budgetBytes {
				// peek: is there more after this?
				if nk, _ := c.Next(); nk != nil {
					done = false
				}
				return nil
			}
		}
		return nil
	})
	return rows, nextCursor, done, err
}

func bytesContainsNul(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}
