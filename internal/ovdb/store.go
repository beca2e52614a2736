// Package ovdb implements the partitioned B-tree overview backend
// (spec.md §4.2): group-id allocation, per-group record storage, the
// MOVING compaction protocol, and the façade operations, all on top of
// go.etcd.io/bbolt as the embedded transactional key/value engine.
package ovdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/go-while/go-overview/internal/models"
	"github.com/go-while/go-overview/internal/overview"
)

const (
	bucketOverview = "overview"
	bucketMeta     = "meta" // per-partition: freelist + next-gid counter
	bucketGroups   = "groupinfo"
	bucketAliases  = "groupaliases"
	bucketVersion  = "version"

	tombstoneCounterKey = "groupinfo:serial"
)

var (
	keyFreelist = []byte("freelist")
	keyNextGID  = []byte("nextgid")
)

// Store owns the control database (groupinfo/aliases/version) and the
// NumDBFiles partitioned overview databases.
type Store struct {
	dir        string
	numDBFiles int
	ctrl       *bolt.DB
	parts      []*bolt.DB

	mu sync.Mutex // serializes cross-partition group lifecycle bookkeeping
}

// Open opens (creating if necessary) the OVDB home directory described
// in spec.md §6.1: one "groupinfo" control database plus numDBFiles
// "ov%05d" partition databases.
func Open(dir string, numDBFiles int) (*Store, error) {
	if numDBFiles <= 0 {
		numDBFiles = DefaultNumDBFiles
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("ovdb: create home dir: %w", err)
	}

	ctrl, err := bolt.Open(filepath.Join(dir, "groupinfo"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ovdb: open control db: %w", err)
	}
	if err := ctrl.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{bucketGroups, bucketAliases, bucketVersion} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("ovdb: init control buckets: %w", err)
	}

	if err := checkOrWriteVersion(ctrl, numDBFiles); err != nil {
		ctrl.Close()
		return nil, err
	}
	// numdbfiles is pinned: re-read what was actually persisted, in case
	// this home directory already existed with a different value.
	persisted, err := readNumDBFiles(ctrl)
	if err != nil {
		ctrl.Close()
		return nil, err
	}
	numDBFiles = persisted

	parts := make([]*bolt.DB, numDBFiles)
	for i := 0; i < numDBFiles; i++ {
		name := fmt.Sprintf("ov%05d", i)
		db, err := bolt.Open(filepath.Join(dir, name), 0600, &bolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			closeAll(ctrl, parts)
			return nil, fmt.Errorf("ovdb: open partition %s: %w", name, err)
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucketOverview)); err != nil {
				return err
			}
			_, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
			return err
		}); err != nil {
			closeAll(ctrl, parts)
			return nil, fmt.Errorf("ovdb: init partition %s: %w", name, err)
		}
		parts[i] = db
	}

	return &Store{dir: dir, numDBFiles: numDBFiles, ctrl: ctrl, parts: parts}, nil
}

func closeAll(ctrl *bolt.DB, parts []*bolt.DB) {
	if ctrl != nil {
		ctrl.Close()
	}
	for _, p := range parts {
		if p != nil {
			p.Close()
		}
	}
}

func (s *Store) Close() error {
	var firstErr error
	if err := s.ctrl.Close(); err != nil {
		firstErr = err
	}
	for _, p := range s.parts {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func checkOrWriteVersion(ctrl *bolt.DB, numDBFiles int) error {
	return ctrl.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketVersion))
		if v := b.Get([]byte("dataversion")); v != nil {
			existing := int(binary.BigEndian.Uint32(v))
			if existing > models.CurrentDataVersion {
				return overview.New(overview.ErrWrongVersion, fmt.Errorf("on-disk version %d newer than supported %d", existing, models.CurrentDataVersion))
			}
			// A forward-only upgrade path would run here if existing < CurrentDataVersion.
			return nil
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(models.CurrentDataVersion))
		if err := b.Put([]byte("dataversion"), buf[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(buf[:], uint32(numDBFiles))
		return b.Put([]byte("numdbfiles"), buf[:])
	})
}

func readNumDBFiles(ctrl *bolt.DB) (int, error) {
	var n int
	err := ctrl.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketVersion)).Get([]byte("numdbfiles"))
		if v == nil {
			return fmt.Errorf("ovdb: numdbfiles not set")
		}
		n = int(binary.BigEndian.Uint32(v))
		return nil
	})
	return n, err
}

// recordKey is gid (4 bytes BE) ++ artnum (8 bytes BE); big-endian on
// both fields gives byte-lexical ordering that matches the numeric
// (gid, artnum) ordering required by spec.md §3.1.
func recordKey(gid models.GroupID, artnum uint64) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key[0:4], uint32(gid))
	binary.BigEndian.PutUint64(key[4:12], artnum)
	return key
}

func gidOfKey(key []byte) models.GroupID {
	return models.GroupID(binary.BigEndian.Uint32(key[0:4]))
}

func artnumOfKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[4:12])
}

func encodeRecordValue(token models.Token, arrived, expires int64, payload []byte) []byte {
	buf := make([]byte, 18+8+8+len(payload))
	copy(buf[0:18], token[:])
	binary.BigEndian.PutUint64(buf[18:26], uint64(arrived))
	binary.BigEndian.PutUint64(buf[26:34], uint64(expires))
	copy(buf[34:], payload)
	return buf
}

func decodeRecordValue(v []byte) (token models.Token, arrived, expires int64, payload []byte) {
	copy(token[:], v[0:18])
	arrived = int64(binary.BigEndian.Uint64(v[18:26]))
	expires = int64(binary.BigEndian.Uint64(v[26:34]))
	payload = append([]byte(nil), v[34:]...)
	return
}

func partitionFor(s *Store, idx int) *bolt.DB { return s.parts[idx] }

// allocGID pops the head of the partition's freelist, or bumps its
// next-never-used counter (spec.md §4.2.4).
func allocGID(tx *bolt.Tx) (models.GroupID, error) {
	meta := tx.Bucket([]byte(bucketMeta))
	fl := meta.Get(keyFreelist)
	if len(fl) >= 4 {
		gid := binary.BigEndian.Uint32(fl[0:4])
		if err := meta.Put(keyFreelist, fl[4:]); err != nil {
			return 0, err
		}
		return models.GroupID(gid), nil
	}
	next := uint32(1)
	if v := meta.Get(keyNextGID); v != nil {
		next = binary.BigEndian.Uint32(v)
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], next+1)
	if err := meta.Put(keyNextGID, buf[:]); err != nil {
		return 0, err
	}
	return models.GroupID(next), nil
}

// freeGID pushes gid onto the partition's freelist, capped at
// models.GroupIdFreelistCap entries (spec.md §3.1).
func freeGID(tx *bolt.Tx, gid models.GroupID) error {
	meta := tx.Bucket([]byte(bucketMeta))
	fl := meta.Get(keyFreelist)
	if len(fl)/4 >= models.GroupIdFreelistCap {
		return nil // discard; next-never-used counter keeps advancing
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(gid))
	return meta.Put(keyFreelist, append(append([]byte(nil), fl...), buf[:]...))
}

func encodeGroupInfo(g *models.GroupInfo) []byte {
	var buf bytes.Buffer
	putU64 := func(v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); buf.Write(b[:]) }
	putU32 := func(v uint32) { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); buf.Write(b[:]) }
	putStr := func(s string) { putU32(uint32(len(s))); buf.WriteString(s) }

	putU64(g.Low)
	putU64(g.High)
	putU64(g.Count)
	putStr(g.FlagAlias)
	putU32(uint32(g.Status))
	putU32(uint32(g.CurrentGID))
	putU32(uint32(g.NewGID))
	putU32(uint32(g.CurrentDB))
	putU32(uint32(g.NewDB))
	putU64(uint64(g.Expired.Unix()))
	putU32(uint32(g.ExpirePID))
	return buf.Bytes()
}

func decodeGroupInfo(name string, v []byte) *models.GroupInfo {
	r := bytes.NewReader(v)
	readU64 := func() uint64 { var b [8]byte; r.Read(b[:]); return binary.BigEndian.Uint64(b[:]) }
	readU32 := func() uint32 { var b [4]byte; r.Read(b[:]); return binary.BigEndian.Uint32(b[:]) }
	readStr := func() string {
		n := readU32()
		b := make([]byte, n)
		r.Read(b)
		return string(b)
	}

	g := &models.GroupInfo{Name: name}
	g.Low = readU64()
	g.High = readU64()
	g.Count = readU64()
	g.FlagAlias = readStr()
	g.Status = models.StatusBits(readU32())
	g.CurrentGID = models.GroupID(readU32())
	g.NewGID = models.GroupID(readU32())
	g.CurrentDB = int(readU32())
	g.NewDB = int(readU32())
	g.Expired = time.Unix(int64(readU64()), 0)
	g.ExpirePID = int(readU32())
	return g
}
