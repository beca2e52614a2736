// Package models defines the core data structures shared by both overview
// storage backends (OVDB and OVSQLITE) and by the expiration and
// reconciliation engines.
package models

import "time"

// TokenSize is the fixed length of an opaque storage-token blob.
const TokenSize = 18

// Token identifies an article body in the external blob store. It is
// opaque to this package; callers obtain it from and hand it back to
// the blob-storage collaborator.
type Token [TokenSize]byte

// MaxPayloadSize is the largest serialized overview header block this
// store will accept.
const MaxPayloadSize = 100000

// MaxGroupNameLen is the largest newsgroup name this store will accept.
const MaxGroupNameLen = 512

// GroupIdFreelistCap bounds the number of reclaimed group-ids retained
// for reuse; once full, freed ids are discarded and the next-never-used
// counter keeps advancing.
const GroupIdFreelistCap = 10240

// GroupFlag is the first byte of a GroupInfo's flag/alias field.
type GroupFlag byte

const (
	FlagPostingOK   GroupFlag = 'y'
	FlagModerated   GroupFlag = 'm'
	FlagNoLocalPost GroupFlag = 'n'
	FlagJunk        GroupFlag = 'j'
	FlagRemoved     GroupFlag = 'x'
	FlagAlias       GroupFlag = '='
)

// StatusBits are orthogonal per-group lifecycle bits.
type StatusBits uint32

const (
	StatusDeleted StatusBits = 1 << iota
	StatusExpiring
	StatusMoving
	StatusMoveRequested
)

// GroupID is an opaque group handle. Values are never reused while a
// group is live; freed ids are recycled through the group-id freelist.
type GroupID uint32

// GroupInfo is the per-newsgroup record (spec.md §3.1).
type GroupInfo struct {
	Name string

	Low   uint64
	High  uint64
	Count uint64

	// FlagAlias is the raw flag/alias field: first byte is one of
	// 'y','m','n','j','x','='; when '=', the remainder is the alias
	// target group name.
	FlagAlias string

	Status StatusBits

	CurrentGID GroupID
	NewGID     GroupID

	CurrentDB int // partition index (OVDB only)
	NewDB     int // partition index (OVDB only)

	Expired   time.Time // last time an expiration walk touched this group
	ExpirePID int       // pid of the process presently walking this group, or 0
}

// Flag returns the first byte of FlagAlias, or 0 if unset.
func (g *GroupInfo) Flag() GroupFlag {
	if len(g.FlagAlias) == 0 {
		return 0
	}
	return GroupFlag(g.FlagAlias[0])
}

// AliasTarget returns the target group name when Flag() == FlagAlias.
func (g *GroupInfo) AliasTarget() (string, bool) {
	if g.Flag() != FlagAlias || len(g.FlagAlias) < 2 {
		return "", false
	}
	return g.FlagAlias[1:], true
}

func (g *GroupInfo) IsDeleted() bool       { return g.Status&StatusDeleted != 0 }
func (g *GroupInfo) IsExpiring() bool      { return g.Status&StatusExpiring != 0 }
func (g *GroupInfo) IsMoving() bool        { return g.Status&StatusMoving != 0 }
func (g *GroupInfo) IsMoveRequested() bool { return g.Status&StatusMoveRequested != 0 }

// OverviewRecord is the per-article entry (spec.md §3.1). Key is
// (gid, artnum); Payload is the serialized overview header block.
type OverviewRecord struct {
	GID     GroupID
	ArtNum  uint64
	Token   Token
	Arrived int64
	Expires int64
	Payload []byte
}

// VersionRecord is the singleton database metadata record.
type VersionRecord struct {
	DataVersion int
	NumDBFiles  int  // OVDB only; pinned at first database creation
	Compress    bool // OVSQLITE only
	BaseDict    []byte
}

// CurrentDataVersion is the schema/data version this implementation
// writes and expects on open. A version on disk that is newer is
// refused (spec.md §7); a version that is older triggers the one-shot
// upgrade path (spec.md §4.12 via the startup/version gate).
const CurrentDataVersion = 1
