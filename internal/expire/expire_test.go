package expire

import (
	"context"
	"testing"

	"github.com/go-while/go-overview/internal/models"
	"github.com/go-while/go-overview/internal/overview"
)

// fakeRecord is a minimal in-memory stand-in for an overview record.
type fakeRecord struct {
	artnum  uint64
	token   [18]byte
	payload []byte
}

// fakeIterator walks a slice of fakeRecords already filtered to the
// requested [low, high] range, mirroring overview.RowIterator.
type fakeIterator struct {
	records []fakeRecord
	idx     int
	row     overview.SearchRow
}

func (it *fakeIterator) Next(ctx context.Context) bool {
	if it.idx >= len(it.records) {
		return false
	}
	r := it.records[it.idx]
	it.row = overview.SearchRow{ArtNum: r.artnum, Token: r.token, Payload: r.payload}
	it.idx++
	return true
}
func (it *fakeIterator) Row() *overview.SearchRow { return &it.row }
func (it *fakeIterator) Err() error                { return nil }
func (it *fakeIterator) Close() error              { return nil }

// fakeBackend implements overview.Backend over an in-memory record set;
// only the methods the expiration engine actually calls do real work.
type watermarksCall struct {
	group            string
	low, high, count uint64
}

type fakeBackend struct {
	low, high, count uint64
	records          []fakeRecord
	deletedBatches   [][]uint64
	startCalls       int
	finishExpireLeft int // number of ExpireMore replies before ExpireDone
	watermarksCalls  []watermarksCall
}

func (b *fakeBackend) Close() error { return nil }
func (b *fakeBackend) GroupStats(ctx context.Context, group string) (uint64, uint64, uint64, string, error) {
	return b.low, b.high, b.count, "y", nil
}
func (b *fakeBackend) GroupAdd(ctx context.Context, group string, low, high uint64, flagAlias string) error {
	return nil
}
func (b *fakeBackend) GroupDelete(ctx context.Context, group string) error { return nil }
func (b *fakeBackend) ListGroups(ctx context.Context, cursor int64, budgetBytes int) overview.GroupIterator {
	return nil
}
func (b *fakeBackend) ArticleAdd(ctx context.Context, group string, artnum uint64, token [18]byte, payload []byte, arrived, expires int64) error {
	return nil
}
func (b *fakeBackend) ArticleGet(ctx context.Context, group string, artnum uint64) ([18]byte, error) {
	var t [18]byte
	return t, nil
}
func (b *fakeBackend) ArticleDelete(ctx context.Context, group string, artnum uint64) error { return nil }
func (b *fakeBackend) SearchGroup(ctx context.Context, group string, low uint64, high *uint64, cols overview.Cols) overview.RowIterator {
	var filtered []fakeRecord
	for _, r := range b.records {
		if r.artnum < low {
			continue
		}
		if high != nil && r.artnum > *high {
			continue
		}
		filtered = append(filtered, r)
	}
	return &fakeIterator{records: filtered}
}
func (b *fakeBackend) StartExpireGroup(ctx context.Context, group string) error {
	b.startCalls++
	return nil
}
func (b *fakeBackend) ExpireGroup(ctx context.Context, group string, artnums []uint64) error {
	b.deletedBatches = append(b.deletedBatches, append([]uint64(nil), artnums...))
	del := map[uint64]bool{}
	for _, n := range artnums {
		del[n] = true
	}
	var remaining []fakeRecord
	for _, r := range b.records {
		if !del[r.artnum] {
			remaining = append(remaining, r)
		}
	}
	b.records = remaining
	return nil
}
func (b *fakeBackend) FinishExpire(ctx context.Context) (overview.ExpireOutcome, error) {
	if b.finishExpireLeft > 0 {
		b.finishExpireLeft--
		return overview.ExpireMore, nil
	}
	return overview.ExpireDone, nil
}
func (b *fakeBackend) SetGroupWatermarks(ctx context.Context, group string, low, high, count uint64) error {
	b.watermarksCalls = append(b.watermarksCalls, watermarksCall{group, low, high, count})
	return nil
}
func (b *fakeBackend) SetCutoffLow(cutoff bool) {}

func makeToken(keep bool) [18]byte {
	var t [18]byte
	if keep {
		t[0] = 1
	}
	return t
}

func probeKeepsMarkedTokens() overview.ExpireProbes {
	return overview.ExpireProbes{
		ProbeAll: true,
		ProbeBlob: func(token [18]byte) bool {
			return token[0] == 1
		},
	}
}

func TestExpireGroupDeletesUnreferencedArticles(t *testing.T) {
	backend := &fakeBackend{
		low: 1, high: 5, count: 5,
		records: []fakeRecord{
			{artnum: 1, token: makeToken(true)},
			{artnum: 2, token: makeToken(false)},
			{artnum: 3, token: makeToken(true)},
			{artnum: 4, token: makeToken(false)},
			{artnum: 5, token: makeToken(true)},
		},
	}
	e := New(backend, probeKeepsMarkedTokens())
	result, err := e.ExpireGroup(context.Background(), "comp.lang.go")
	if err != nil {
		t.Fatalf("ExpireGroup: %v", err)
	}
	if backend.startCalls != 1 {
		t.Fatalf("StartExpireGroup called %d times, want 1", backend.startCalls)
	}
	if result.Scanned != 5 {
		t.Fatalf("Scanned = %d, want 5", result.Scanned)
	}
	if result.Deleted != 2 {
		t.Fatalf("Deleted = %d, want 2", result.Deleted)
	}
	if result.Compacted {
		t.Fatalf("Compacted = true, want false (fakeBackend has no Compactor)")
	}
	if result.NewLow != 1 || result.NewHigh != 5 {
		t.Fatalf("NewLow/NewHigh = %d/%d, want 1/5", result.NewLow, result.NewHigh)
	}
	if len(backend.deletedBatches) != 1 || len(backend.deletedBatches[0]) != 2 {
		t.Fatalf("deletedBatches = %+v, want one batch of 2", backend.deletedBatches)
	}
	if len(backend.watermarksCalls) != 1 {
		t.Fatalf("SetGroupWatermarks called %d times, want 1", len(backend.watermarksCalls))
	}
	if got := backend.watermarksCalls[0]; got.low != 1 || got.high != 5 || got.count != 3 {
		t.Fatalf("SetGroupWatermarks call = %+v, want low=1 high=5 count=3", got)
	}
}

func TestExpireGroupPersistsEmptySentinelWatermarks(t *testing.T) {
	backend := &fakeBackend{
		low: 1, high: 3, count: 3,
		records: []fakeRecord{
			{artnum: 1, token: makeToken(false)},
			{artnum: 2, token: makeToken(false)},
			{artnum: 3, token: makeToken(false)},
		},
	}
	e := New(backend, probeKeepsMarkedTokens())
	if _, err := e.ExpireGroup(context.Background(), "comp.lang.go"); err != nil {
		t.Fatalf("ExpireGroup: %v", err)
	}
	if len(backend.watermarksCalls) != 1 {
		t.Fatalf("SetGroupWatermarks called %d times, want 1", len(backend.watermarksCalls))
	}
	got := backend.watermarksCalls[0]
	if got.low <= got.high || got.count != 0 {
		t.Fatalf("emptied group watermarks = %+v, want low>high and count=0", got)
	}
	if got.high != backend.high {
		t.Fatalf("emptied group high = %d, want unchanged original high %d", got.high, backend.high)
	}
}

func TestExpireGroupAllSurvive(t *testing.T) {
	backend := &fakeBackend{
		low: 1, high: 2, count: 2,
		records: []fakeRecord{
			{artnum: 1, token: makeToken(true)},
			{artnum: 2, token: makeToken(true)},
		},
	}
	e := New(backend, probeKeepsMarkedTokens())
	result, err := e.ExpireGroup(context.Background(), "comp.lang.go")
	if err != nil {
		t.Fatalf("ExpireGroup: %v", err)
	}
	if result.Deleted != 0 {
		t.Fatalf("Deleted = %d, want 0", result.Deleted)
	}
	if len(backend.deletedBatches) != 0 {
		t.Fatalf("expected no ExpireGroup calls when nothing is deleted, got %+v", backend.deletedBatches)
	}
}

func TestExpireGroupHistoryProbe(t *testing.T) {
	backend := &fakeBackend{
		low: 1, high: 2, count: 2,
		records: []fakeRecord{
			{artnum: 1, payload: []byte("keep-id")},
			{artnum: 2, payload: []byte("gone-id")},
		},
	}
	probes := overview.ExpireProbes{
		MsgIDOf: func(payload []byte) string { return string(payload) },
		HistoryHasMsgID: func(msgID string) bool {
			return msgID == "keep-id"
		},
	}
	e := New(backend, probes)
	result, err := e.ExpireGroup(context.Background(), "comp.lang.go")
	if err != nil {
		t.Fatalf("ExpireGroup: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("Deleted = %d, want 1", result.Deleted)
	}
	if len(backend.records) != 1 || backend.records[0].artnum != 1 {
		t.Fatalf("surviving records = %+v, want only artnum 1", backend.records)
	}
}

func TestExpireGroupGroupBasedExpiry(t *testing.T) {
	backend := &fakeBackend{
		low: 1, high: 2, count: 2,
		records: []fakeRecord{
			{artnum: 1, token: makeToken(true)},
			{artnum: 2, token: makeToken(true)},
		},
	}
	probes := overview.ExpireProbes{
		ProbeAll:         true,
		ProbeBlob:        func(token [18]byte) bool { return true }, // blob still present
		GroupBasedExpiry: true,
		ShouldExpire: func(token [18]byte, group string, payload []byte, arrived, expires int64) bool {
			return true // expire everything regardless of blob presence
		},
	}
	e := New(backend, probes)
	result, err := e.ExpireGroup(context.Background(), "comp.lang.go")
	if err != nil {
		t.Fatalf("ExpireGroup: %v", err)
	}
	if result.Deleted != 2 {
		t.Fatalf("Deleted = %d, want 2 (group-based expiry overrides surviving blob probe)", result.Deleted)
	}
}

// compactingBackend adds the Compactor methods on top of fakeBackend,
// so the engine's MOVING-protocol path can be exercised.
type compactingBackend struct {
	*fakeBackend
	compactCalls int
	finishCalls  int
	survivors    []models.OverviewRecord
}

func (b *compactingBackend) Compact(ctx context.Context, group string, pid int) (models.GroupID, error) {
	b.compactCalls++
	return 99, nil
}
func (b *compactingBackend) CopySurvivor(ctx context.Context, group string, rec *models.OverviewRecord) error {
	b.survivors = append(b.survivors, *rec)
	return nil
}
func (b *compactingBackend) FinishCompaction(ctx context.Context, group string) error {
	b.finishCalls++
	return nil
}

func TestExpireGroupCompactsAndCopiesSurvivors(t *testing.T) {
	backend := &compactingBackend{fakeBackend: &fakeBackend{
		low: 1, high: 3, count: 3,
		records: []fakeRecord{
			{artnum: 1, token: makeToken(true)},
			{artnum: 2, token: makeToken(false)},
			{artnum: 3, token: makeToken(true)},
		},
	}}
	e := New(backend, probeKeepsMarkedTokens())
	result, err := e.ExpireGroup(context.Background(), "comp.lang.go")
	if err != nil {
		t.Fatalf("ExpireGroup: %v", err)
	}
	if !result.Compacted {
		t.Fatalf("Compacted = false, want true (count below NoCompactThreshold, backend implements Compactor)")
	}
	if backend.compactCalls != 1 {
		t.Fatalf("Compact called %d times, want 1", backend.compactCalls)
	}
	if backend.finishCalls != 1 {
		t.Fatalf("FinishCompaction called %d times, want 1", backend.finishCalls)
	}
	if len(backend.survivors) != 2 {
		t.Fatalf("survivors = %d, want 2", len(backend.survivors))
	}
	if len(backend.deletedBatches) != 0 {
		t.Fatalf("ExpireGroup (delete) should not be called in compact mode, got %+v", backend.deletedBatches)
	}
	if result.Deleted != 1 {
		t.Fatalf("Deleted = %d, want 1", result.Deleted)
	}
	if result.NewLow != 1 || result.NewHigh != 3 {
		t.Fatalf("NewLow/NewHigh = %d/%d, want 1/3", result.NewLow, result.NewHigh)
	}
	if len(backend.fakeBackend.watermarksCalls) != 1 {
		t.Fatalf("SetGroupWatermarks called %d times, want 1", len(backend.fakeBackend.watermarksCalls))
	}
	if got := backend.fakeBackend.watermarksCalls[0]; got.low != 1 || got.high != 3 || got.count != 2 {
		t.Fatalf("SetGroupWatermarks call = %+v, want low=1 high=3 count=2", got)
	}
}

func TestFinishExpireLoopsUntilDone(t *testing.T) {
	backend := &fakeBackend{finishExpireLeft: 3}
	e := New(backend, overview.ExpireProbes{})
	if err := e.FinishExpire(context.Background()); err != nil {
		t.Fatalf("FinishExpire: %v", err)
	}
	if backend.finishExpireLeft != 0 {
		t.Fatalf("finishExpireLeft = %d, want 0 (FinishExpire should loop until Done)", backend.finishExpireLeft)
	}
}
