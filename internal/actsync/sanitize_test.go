package actsync

import "testing"

func TestParseLine(t *testing.T) {
	g, ok := ParseLine("comp.lang.go 100 1 y", Host1, 5)
	if !ok {
		t.Fatalf("ParseLine failed on well-formed line")
	}
	if g.Name != "comp.lang.go" || g.High != "100" || g.Low != "1" || g.Type != "y" || g.LineNum != 5 {
		t.Fatalf("unexpected parse result: %+v", g)
	}
	if _, ok := ParseLine("comp.lang.go 100 1 y extra", Host1, 1); ok {
		t.Fatalf("ParseLine accepted a line with too many fields")
	}
	if _, ok := ParseLine("too few fields", Host1, 1); ok {
		t.Fatalf("ParseLine accepted a malformed line")
	}
}

func TestSanitizeWellFormed(t *testing.T) {
	g, _ := ParseLine("comp.lang.go 100 1 y", Host1, 1)
	Sanitize(g, DefaultOptions())
	if g.Ignore != NotIgnored {
		t.Fatalf("well-formed group flagged: %v", g.Ignore)
	}
}

func TestSanitizeBadWatermark(t *testing.T) {
	g, _ := ParseLine("comp.lang.go abc 1 y", Host1, 1)
	Sanitize(g, DefaultOptions())
	if g.Ignore&ErrorFormat == 0 {
		t.Fatalf("non-numeric watermark not flagged ErrorFormat: %v", g.Ignore)
	}
}

func TestSanitizeBadType(t *testing.T) {
	g, _ := ParseLine("comp.lang.go 100 1 q", Host1, 1)
	Sanitize(g, DefaultOptions())
	if g.Ignore&ErrorBadtype == 0 {
		t.Fatalf("bad type not flagged ErrorBadtype: %v", g.Ignore)
	}
}

func TestSanitizeAliasType(t *testing.T) {
	g, _ := ParseLine("comp.lang.go 100 1 =comp.lang.c", Host1, 1)
	Sanitize(g, DefaultOptions())
	if g.Ignore != NotIgnored {
		t.Fatalf("valid alias type flagged: %v", g.Ignore)
	}
	if !g.IsAlias() || g.AliasTarget() != "comp.lang.c" {
		t.Fatalf("alias accessors wrong: IsAlias=%v target=%q", g.IsAlias(), g.AliasTarget())
	}
}

func TestSanitizeBorkName(t *testing.T) {
	g, _ := ParseLine("comp.lang.bork.bork.bork 100 1 y", Host1, 1)
	opts := DefaultOptions()
	opts.BorkHost1 = true
	Sanitize(g, opts)
	if g.Ignore&CheckBork == 0 {
		t.Fatalf("bork group not flagged CheckBork: %v", g.Ignore)
	}
}

func TestSanitizeTopLevelCheck(t *testing.T) {
	g, _ := ParseLine("nonexistenttop 100 1 y", Host2, 1)
	opts := DefaultOptions() // TopHost2 defaults true
	Sanitize(g, opts)
	if g.Ignore&ErrorBadname == 0 {
		t.Fatalf("single-component non-permanent top level not flagged: %v", g.Ignore)
	}

	g2, _ := ParseLine("control 100 1 y", Host2, 2)
	Sanitize(g2, opts)
	if g2.Ignore != NotIgnored {
		t.Fatalf("permanent top level incorrectly flagged: %v", g2.Ignore)
	}
}

func TestSanitizeMaxDepth(t *testing.T) {
	g, _ := ParseLine("a.b.c.d 100 1 y", Host1, 1)
	opts := DefaultOptions()
	opts.MaxDepth = 2
	Sanitize(g, opts)
	if g.Ignore&ErrorBadname == 0 {
		t.Fatalf("group exceeding max depth not flagged: %v", g.Ignore)
	}
}
