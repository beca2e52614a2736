package actsync

import "testing"

func TestMarkErrorsForRemoval(t *testing.T) {
	groups := []*Group{
		newGroup("a", "100", "1", "y", Host1, 1),
		newGroup("b", "100", "1", "y", Host1, 2),
		newGroup("c", "100", "1", "y", Host2, 3),
	}
	groups[1].Ignore |= ErrorBadtype // host1 error
	groups[2].Ignore |= ErrorBadtype // host2 error, should not be touched

	n := MarkErrorsForRemoval(groups, Host1)
	if n != 1 {
		t.Fatalf("MarkErrorsForRemoval returned %d, want 1", n)
	}
	if !groups[1].Output || !groups[1].Remove {
		t.Fatalf("host1 error group not marked for removal: %+v", groups[1])
	}
	if groups[2].Output || groups[2].Remove {
		t.Fatalf("host2 error group should be untouched: %+v", groups[2])
	}
	if groups[0].Output || groups[0].Remove {
		t.Fatalf("clean group incorrectly marked: %+v", groups[0])
	}
}

func TestMarkErrorsForRemovalIgnoresCheckOnly(t *testing.T) {
	groups := []*Group{
		newGroup("a", "100", "1", "y", Host1, 1),
	}
	groups[0].Ignore = CheckBork // a check, not an error
	n := MarkErrorsForRemoval(groups, Host1)
	if n != 0 {
		t.Fatalf("check-only ignore should not count as error: n=%d", n)
	}
	if groups[0].Output || groups[0].Remove {
		t.Fatalf("check-only group incorrectly marked for removal: %+v", groups[0])
	}
}

func TestPercentUnchangedNoWork(t *testing.T) {
	stats := ChangeStats{Same: 5}
	if got := PercentUnchanged(stats, 0); got != 100.0 {
		t.Fatalf("PercentUnchanged = %.2f, want 100.00", got)
	}
}

func TestPercentUnchangedEmpty(t *testing.T) {
	if got := PercentUnchanged(ChangeStats{}, 0); got != 100.0 {
		t.Fatalf("PercentUnchanged on empty stats = %.2f, want 100.00 (no denominator)", got)
	}
}

func TestCheckGateCountsHost1Errs(t *testing.T) {
	groups := []*Group{
		newGroup("a", "100", "1", "y", Host1, 1),
	}
	groups[0].Output = true
	groups[0].OutType = groups[0].Type // Type == OutType, Host1 -> tallies as Same

	_, err := CheckGate(groups, 10, MinUnchangedPercent)
	halt, ok := err.(*ErrTooMuchChange)
	if !ok {
		t.Fatalf("expected ErrTooMuchChange, got %v", err)
	}
	// Same=1, work=0, host1Errs=10 -> 100*1/11 ~= 9.09%
	if halt.Unchanged < 9.0 || halt.Unchanged > 9.2 {
		t.Fatalf("Unchanged = %.2f, want ~9.09", halt.Unchanged)
	}
}
