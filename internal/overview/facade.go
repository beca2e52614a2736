// Package overview defines the backend-agnostic façade described in
// spec.md §4.1: a single set of operations dispatched, at open time, to
// one of two storage backends (OVDB or OVSQLITE). Callers depend only
// on the Backend interface; internal/ovdb and internal/ovsqlite each
// provide a concrete implementation.
package overview

import "context"

// Mode selects how a backend is opened.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeServer
)

// Cols selects which optional columns search_group returns.
type Cols uint8

const (
	ColArrived Cols = 1 << iota
	ColExpires
	ColToken
	ColPayload

	ColsAll = ColArrived | ColExpires | ColToken | ColPayload
)

// GroupInfoRow is one row of a list_groups response.
type GroupInfoRow struct {
	Name      string
	Low       uint64
	High      uint64
	Count     uint64
	FlagAlias string
}

// SearchRow is one row returned from search_group. The fields selected
// by the Cols mask passed to SearchGroup are populated; a backend may
// leave the others zero or fill them anyway.
// SearchRow values are reused by the iterator between calls to Next
// (spec.md §4.1: "the iterator is static... consumers must copy before
// the next call") — callers must not retain a SearchRow, or slices
// inside it, across a call to Next.
type SearchRow struct {
	ArtNum  uint64
	Arrived int64
	Expires int64
	Token   [18]byte
	Payload []byte
}

// RowIterator is a finite, non-restartable, lending iterator over
// search results. Next returns false once exhausted or on error; Err
// reports the terminal error, if any.
type RowIterator interface {
	Next(ctx context.Context) bool
	Row() *SearchRow
	Err() error
	Close() error
}

// GroupIterator is the list_groups analogue of RowIterator.
type GroupIterator interface {
	Next(ctx context.Context) bool
	Row() *GroupInfoRow
	Cursor() int64
	Done() bool
	Err() error
	Close() error
}

// ExpireProbes bundles the external collaborators the expiration
// engine consults (spec.md §1, §4.5). They are supplied by the caller
// at the start of each expire_group call; the façade and backends
// never implement them.
type ExpireProbes struct {
	// ProbeBlob reports whether the article body behind token still
	// exists in the external blob store.
	ProbeBlob func(token [18]byte) bool

	// HistoryHasMsgID reports whether a message-id is still present in
	// the external history database. msgID is extracted from the
	// stored overview payload by the caller of expire_group (it lives
	// outside this package's data model).
	HistoryHasMsgID func(msgID string) bool

	// ProbeAll forces ProbeBlob to be consulted for every record,
	// bypassing the cheaper HistoryHasMsgID path (spec.md §4.5).
	ProbeAll bool

	// ShouldExpire implements group-based expiry when GroupBasedExpiry
	// is true; it receives the already-decoded fields of the record.
	GroupBasedExpiry bool
	ShouldExpire     func(token [18]byte, group string, payload []byte, arrived, expires int64) bool

	// MsgIDOf extracts the message-id from a serialized overview
	// payload, for use with HistoryHasMsgID.
	MsgIDOf func(payload []byte) string
}

// ExpireOutcome reports the result of a finish_expire step.
type ExpireOutcome int

const (
	ExpireDone ExpireOutcome = iota
	ExpireMore
)

// Backend is the set of operations every overview storage backend
// implements (spec.md §4.1). All operations are safe for concurrent
// use unless documented otherwise.
type Backend interface {
	Close() error

	GroupStats(ctx context.Context, group string) (low, high, count uint64, flagAlias string, err error)
	GroupAdd(ctx context.Context, group string, low, high uint64, flagAlias string) error
	GroupDelete(ctx context.Context, group string) error
	ListGroups(ctx context.Context, cursor int64, budgetBytes int) GroupIterator

	ArticleAdd(ctx context.Context, group string, artnum uint64, token [18]byte, payload []byte, arrived, expires int64) error
	ArticleGet(ctx context.Context, group string, artnum uint64) (token [18]byte, err error)
	ArticleDelete(ctx context.Context, group string, artnum uint64) error

	SearchGroup(ctx context.Context, group string, low uint64, high *uint64, cols Cols) RowIterator

	StartExpireGroup(ctx context.Context, group string) error
	ExpireGroup(ctx context.Context, group string, artnums []uint64) error
	FinishExpire(ctx context.Context) (ExpireOutcome, error)

	// SetGroupWatermarks persists a recomputed Low/High/Count onto an
	// existing group, independent of GroupAdd's upsert semantics (which
	// only ever touch FlagAlias on an existing group). The expiration
	// engine calls this after a compaction or divergence-driven
	// recompute (spec.md §4.5) to make the correction durable.
	SetGroupWatermarks(ctx context.Context, group string, low, high, count uint64) error

	SetCutoffLow(cutoff bool)
}
