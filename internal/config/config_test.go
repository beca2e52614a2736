package config

import "testing"

func TestNewDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
	if cfg.OVDB.NumDBFiles != 32 {
		t.Fatalf("OVDB.NumDBFiles = %d, want 32", cfg.OVDB.NumDBFiles)
	}
	if cfg.Expire.TxnSize != 100 || cfg.Expire.NoCompactThreshold != 1000 {
		t.Fatalf("Expire = %+v, want txn_size=100 no_compact_threshold=1000", cfg.Expire)
	}
}

func TestValidateRejectsEmptyOverviewPath(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Paths.Overview = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty pathoverview")
	}
}

func TestValidateRejectsNonPositiveNumDBFiles(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.OVDB.NumDBFiles = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero numdbfiles")
	}
}

func TestValidateRejectsBadTxnLimits(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.OVSQL.TxnRowLimit = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero transaction_row_limit")
	}

	cfg = NewDefaultConfig()
	cfg.OVSQL.TxnTimeLimit = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero transaction_time_limit")
	}
}

func TestValidateRejectsOutOfRangeMinUnchanged(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sync.MinUnchanged = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative min_unchanged")
	}

	cfg = NewDefaultConfig()
	cfg.Sync.MinUnchanged = 100.01
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for min_unchanged > 100")
	}
}

func TestLockUnlockDoesNotDeadlock(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Lock()
	cfg.Unlock()
}
