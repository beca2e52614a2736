package models

import "testing"

func TestGroupInfoFlag(t *testing.T) {
	g := &GroupInfo{FlagAlias: "y"}
	if g.Flag() != FlagPostingOK {
		t.Fatalf("Flag() = %v, want FlagPostingOK", g.Flag())
	}

	empty := &GroupInfo{}
	if empty.Flag() != 0 {
		t.Fatalf("Flag() on empty FlagAlias = %v, want 0", empty.Flag())
	}
}

func TestGroupInfoAliasTarget(t *testing.T) {
	g := &GroupInfo{FlagAlias: "=comp.lang.go"}
	target, ok := g.AliasTarget()
	if !ok || target != "comp.lang.go" {
		t.Fatalf("AliasTarget() = %q, %v, want comp.lang.go, true", target, ok)
	}

	notAlias := &GroupInfo{FlagAlias: "y"}
	if _, ok := notAlias.AliasTarget(); ok {
		t.Fatalf("AliasTarget() on non-alias group should report false")
	}

	bareEquals := &GroupInfo{FlagAlias: "="}
	if _, ok := bareEquals.AliasTarget(); ok {
		t.Fatalf("AliasTarget() on bare '=' with no target should report false")
	}
}

func TestGroupInfoStatusBits(t *testing.T) {
	g := &GroupInfo{Status: StatusDeleted | StatusMoving}
	if !g.IsDeleted() {
		t.Fatalf("IsDeleted() = false, want true")
	}
	if !g.IsMoving() {
		t.Fatalf("IsMoving() = false, want true")
	}
	if g.IsExpiring() {
		t.Fatalf("IsExpiring() = true, want false")
	}
	if g.IsMoveRequested() {
		t.Fatalf("IsMoveRequested() = true, want false")
	}
}
