package actsync

import "testing"

// TestResolveEqProbsLoop mirrors spec.md §8 scenario 6: host2 = {a =b,
// b =a}; both must be flagged ErrorEqloop after the bounded alias
// resolver runs.
func TestResolveEqProbsLoop(t *testing.T) {
	groups := []*Group{
		newGroup("a", "", "", "=b", Host2, 1),
		newGroup("b", "", "", "=a", Host2, 2),
	}
	sortForMerge(groups)
	opts := DefaultOptions()

	n := resolveEqProbs(groups, Host2, opts, "host1.active", "host2.active")
	if n != 2 {
		t.Fatalf("resolveEqProbs returned %d, want 2", n)
	}
	for _, g := range groups {
		if g.Ignore&ErrorEqloop == 0 {
			t.Errorf("%s not flagged ErrorEqloop: %+v", g.Name, g)
		}
	}
}

func TestResolveEqProbsDangling(t *testing.T) {
	groups := []*Group{
		newGroup("a", "", "", "=ghost", Host2, 1),
	}
	opts := DefaultOptions()
	n := resolveEqProbs(groups, Host2, opts, "h1", "h2")
	if n != 1 {
		t.Fatalf("resolveEqProbs returned %d, want 1", n)
	}
	if groups[0].Ignore&ErrorNoneq == 0 {
		t.Fatalf("dangling alias not flagged ErrorNoneq: %+v", groups[0])
	}
}

func TestResolveEqProbsDisabledByOption(t *testing.T) {
	groups := []*Group{
		newGroup("a", "", "", "=b", Host2, 1),
		newGroup("b", "", "", "=a", Host2, 2),
	}
	opts := DefaultOptions()
	opts.EqCheckHost2 = false
	n := resolveEqProbs(groups, Host2, opts, "h1", "h2")
	if n != 0 {
		t.Fatalf("resolveEqProbs ran despite EqCheckHost2=false: %d", n)
	}
	for _, g := range groups {
		if g.Ignore != NotIgnored {
			t.Fatalf("group flagged despite disabled check: %+v", g)
		}
	}
}

func TestResolveEqProbsResolvesChain(t *testing.T) {
	groups := []*Group{
		newGroup("a", "", "", "=b", Host2, 1),
		newGroup("b", "5", "1", "y", Host2, 2),
	}
	opts := DefaultOptions()
	n := resolveEqProbs(groups, Host2, opts, "h1", "h2")
	if n != 0 {
		t.Fatalf("resolveEqProbs flagged a valid chain: %d errors", n)
	}
	for _, g := range groups {
		if g.Ignore.IsError() {
			t.Fatalf("valid chain incorrectly flagged: %+v", g)
		}
	}
}
