package actsync

import "testing"

func newGroup(name, high, low, typ string, host HostID, line int) *Group {
	return &Group{Name: name, High: high, Low: low, Type: typ, Host: host, LineNum: line}
}

func findGroup(groups []*Group, host HostID, name string) *Group {
	for _, g := range groups {
		if g.Host == host && g.Name == name {
			return g
		}
	}
	return nil
}

// TestMergeReconciliationScenario mirrors spec.md §8 scenario 5: host1
// has a+b, host2 has a+c, default options (sync, not merge-only).
func TestMergeReconciliationScenario(t *testing.T) {
	groups := []*Group{
		newGroup("a", "5", "1", "y", Host1, 1),
		newGroup("b", "10", "1", "y", Host1, 2),
		newGroup("a", "5", "1", "y", Host2, 1),
		newGroup("c", "3", "1", "m", Host2, 2),
	}
	opts := DefaultOptions()

	stats := Merge(groups, opts, "host1.active", "host2.active")
	if stats.Output != 3 {
		t.Fatalf("Output = %d, want 3", stats.Output)
	}
	if stats.Removed != 1 {
		t.Fatalf("Removed = %d, want 1", stats.Removed)
	}

	a := findGroup(groups, Host1, "a")
	if a == nil || !a.Output || a.Remove || a.OutType != "y" {
		t.Fatalf("a: unexpected state %+v", a)
	}
	b := findGroup(groups, Host1, "b")
	if b == nil || !b.Output || !b.Remove {
		t.Fatalf("b: expected output+remove, got %+v", b)
	}
	c := findGroup(groups, Host2, "c")
	if c == nil || !c.Output || c.Remove || c.OutType != "m" || c.OutHigh != DefHigh || c.OutLow != DefLow {
		t.Fatalf("c: unexpected state %+v", c)
	}

	cstats, err := CheckGate(groups, 0, opts.MinUnchanged)
	halt, ok := err.(*ErrTooMuchChange)
	if !ok {
		t.Fatalf("CheckGate err = %v, want *ErrTooMuchChange", err)
	}
	if cstats.Same != 1 || cstats.Add != 1 || cstats.Remove != 1 {
		t.Fatalf("ChangeStats = %+v, want Same=1 Add=1 Remove=1", cstats)
	}
	got := PercentUnchanged(cstats, 0)
	if got < 33.0 || got > 33.4 {
		t.Fatalf("PercentUnchanged = %.2f, want ~33.3", got)
	}
	if halt.MinAllow != MinUnchangedPercent {
		t.Fatalf("MinAllow = %.2f, want %.2f", halt.MinAllow, MinUnchangedPercent)
	}
}

// TestMergeIdenticalHostsIsNoop covers the idempotence property of
// spec.md §8: identical host1/host2 active files produce an empty
// change-plan and a 100% unchanged gate.
func TestMergeIdenticalHostsIsNoop(t *testing.T) {
	groups := []*Group{
		newGroup("a", "5", "1", "y", Host1, 1),
		newGroup("b", "10", "1", "y", Host1, 2),
		newGroup("a", "5", "1", "y", Host2, 1),
		newGroup("b", "10", "1", "y", Host2, 2),
	}
	opts := DefaultOptions()
	Merge(groups, opts, "h1", "h2")

	stats, err := CheckGate(groups, 0, opts.MinUnchanged)
	if err != nil {
		t.Fatalf("CheckGate returned error on identical hosts: %v", err)
	}
	if stats.Add != 0 || stats.Change != 0 || stats.Remove != 0 || stats.Same != 2 {
		t.Fatalf("ChangeStats = %+v, want all-zero except Same=2", stats)
	}
	if got := PercentUnchanged(stats, 0); got != 100.0 {
		t.Fatalf("PercentUnchanged = %.2f, want 100.00", got)
	}
}

func TestMergeOnlySkipsRemoval(t *testing.T) {
	groups := []*Group{
		newGroup("b", "10", "1", "y", Host1, 1),
	}
	opts := DefaultOptions()
	opts.MergeOnly = true
	stats := Merge(groups, opts, "h1", "h2")
	if stats.Removed != 0 {
		t.Fatalf("Removed = %d, want 0 with MergeOnly", stats.Removed)
	}
	b := groups[0]
	if !b.Output || b.Remove {
		t.Fatalf("b: expected output without remove under MergeOnly, got %+v", b)
	}
}

func TestMergeDuplicateSameHostMarksErrorDup(t *testing.T) {
	groups := []*Group{
		newGroup("a", "5", "1", "y", Host1, 1),
		newGroup("a", "9", "1", "y", Host1, 2),
	}
	opts := DefaultOptions()
	Merge(groups, opts, "h1", "h2")
	if groups[1].Ignore&ErrorDup == 0 {
		t.Fatalf("second same-host entry not flagged ErrorDup: %+v", groups[1])
	}
}
