package ovdb

import (
	"context"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/go-while/go-overview/internal/models"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	return &Backend{store: openTestStore(t)}
}

func TestBackendGroupAndArticleRoundTrip(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	if err := b.GroupAdd(ctx, "comp.lang.go", 1, 0, "y"); err != nil {
		t.Fatalf("GroupAdd: %v", err)
	}
	var tok [18]byte
	copy(tok[:], "abcdefghijklmnopqr")
	if err := b.ArticleAdd(ctx, "comp.lang.go", 5, tok, []byte("hdrs"), 1, 2); err != nil {
		t.Fatalf("ArticleAdd: %v", err)
	}
	got, err := b.ArticleGet(ctx, "comp.lang.go", 5)
	if err != nil || got != tok {
		t.Fatalf("ArticleGet = %v, %v, want %v, nil", got, err, tok)
	}

	low, high, count, flag, err := b.GroupStats(ctx, "comp.lang.go")
	if err != nil || high != 5 || count != 1 || flag != "y" {
		t.Fatalf("GroupStats = %d %d %d %q %v, want high=5 count=1 y", low, high, count, flag, err)
	}
}

func TestBackendSetGroupWatermarksPersists(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	if err := b.GroupAdd(ctx, "comp.lang.go", 1, 10, "y"); err != nil {
		t.Fatalf("GroupAdd: %v", err)
	}
	if err := b.SetGroupWatermarks(ctx, "comp.lang.go", 4, 9, 6); err != nil {
		t.Fatalf("SetGroupWatermarks: %v", err)
	}
	low, high, count, flag, err := b.GroupStats(ctx, "comp.lang.go")
	if err != nil {
		t.Fatalf("GroupStats: %v", err)
	}
	if low != 4 || high != 9 || count != 6 || flag != "y" {
		t.Fatalf("GroupStats after SetGroupWatermarks = %d %d %d %q, want 4 9 6 y", low, high, count, flag)
	}
}

func TestBackendExpireGroupDeletesArticles(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	if err := b.GroupAdd(ctx, "comp.lang.go", 1, 0, "y"); err != nil {
		t.Fatalf("GroupAdd: %v", err)
	}
	var tok [18]byte
	for _, n := range []uint64{1, 2, 3} {
		if err := b.ArticleAdd(ctx, "comp.lang.go", n, tok, nil, 0, 0); err != nil {
			t.Fatalf("ArticleAdd(%d): %v", n, err)
		}
	}
	if err := b.ExpireGroup(ctx, "comp.lang.go", []uint64{1, 3}); err != nil {
		t.Fatalf("ExpireGroup: %v", err)
	}
	if _, err := b.ArticleGet(ctx, "comp.lang.go", 1); err == nil {
		t.Fatalf("article 1 should be gone")
	}
	if got, err := b.ArticleGet(ctx, "comp.lang.go", 2); err != nil || got != tok {
		t.Fatalf("article 2 should survive, got %v, %v", got, err)
	}
}

func TestBackendFinishExpireReclaimsForgottenGroups(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	if err := b.GroupAdd(ctx, "old.group", 1, 0, "y"); err != nil {
		t.Fatalf("GroupAdd: %v", err)
	}
	var tok [18]byte
	if err := b.ArticleAdd(ctx, "old.group", 1, tok, nil, 0, 0); err != nil {
		t.Fatalf("ArticleAdd: %v", err)
	}

	// Stamp the group's Expired time in the past, then start a session
	// whose sessionStart is after it, so FinishExpire treats it as
	// forgotten (spec.md §4.3.5).
	past := time.Now().Add(-time.Hour)
	err := b.store.ctrl.Update(func(tx *bolt.Tx) error {
		gi, e := b.store.getGroup(tx, "old.group")
		if e != nil {
			return e
		}
		gi.Expired = past
		return tx.Bucket([]byte(bucketGroups)).Put([]byte("old.group"), encodeGroupInfo(gi))
	})
	if err != nil {
		t.Fatalf("seed Expired stamp: %v", err)
	}
	b.sessionStart = time.Now()

	for {
		outcome, ferr := b.FinishExpire(ctx)
		if ferr != nil {
			t.Fatalf("FinishExpire: %v", ferr)
		}
		if outcome == 0 { // overview.ExpireDone
			break
		}
	}

	err = b.store.ctrl.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketGroups)).Get([]byte("old.group"))
		if v != nil {
			t.Fatalf("expected old.group to be physically reclaimed from groupinfo")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestBackendCompactWiresMovingProtocol(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	if err := b.GroupAdd(ctx, "comp.lang.go", 1, 0, "y"); err != nil {
		t.Fatalf("GroupAdd: %v", err)
	}
	var tok [18]byte
	if err := b.ArticleAdd(ctx, "comp.lang.go", 1, tok, nil, 0, 0); err != nil {
		t.Fatalf("ArticleAdd: %v", err)
	}

	if _, err := b.Compact(ctx, "comp.lang.go", 1234); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	survivor := &models.OverviewRecord{ArtNum: 1, Token: models.Token(tok)}
	if err := b.CopySurvivor(ctx, "comp.lang.go", survivor); err != nil {
		t.Fatalf("CopySurvivor: %v", err)
	}
	if err := b.FinishCompaction(ctx, "comp.lang.go"); err != nil {
		t.Fatalf("FinishCompaction: %v", err)
	}

	got, err := b.ArticleGet(ctx, "comp.lang.go", 1)
	if err != nil || got != tok {
		t.Fatalf("ArticleGet after compaction = %v, %v, want %v, nil", got, err, tok)
	}
}

func TestBackendListGroups(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	for _, name := range []string{"a.group", "b.group"} {
		if err := b.GroupAdd(ctx, name, 0, 0, "y"); err != nil {
			t.Fatalf("GroupAdd(%s): %v", name, err)
		}
	}
	it := b.ListGroups(ctx, 0, 1<<20)
	defer it.Close()
	count := 0
	for it.Next(ctx) {
		count++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if count != 2 {
		t.Fatalf("ListGroups returned %d rows, want 2", count)
	}
}
