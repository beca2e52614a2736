// Package actsync implements the active-file reconciliation pipeline
// described in spec.md §4.6, grounded on INN's backends/actsync.c:
// parse/sanitize, ignore-file filtering, name-sorted merge,
// alias-chain analysis, a percent-unchanged safety gate, and four
// emission modes.
package actsync

import "fmt"

// HostID identifies which of the two active-file sources a Group came
// from (HOSTID1/HOSTID2 in actsync.c).
type HostID int

const (
	Host1 HostID = 1
	Host2 HostID = 2
)

// IgnoreReason is the bitmask of reasons a group was dropped or
// flagged, ordered mild-to-severe exactly as actsync.c's CHECK_*/
// ERROR_* constants are.
type IgnoreReason uint16

const (
	NotIgnored   IgnoreReason = 0
	CheckIgnore  IgnoreReason = 1 << 0
	CheckType    IgnoreReason = 1 << 1
	CheckBork    IgnoreReason = 1 << 2
	CheckHier    IgnoreReason = 1 << 3
	ErrorLongloop IgnoreReason = 1 << 4
	ErrorEqloop  IgnoreReason = 1 << 5
	ErrorNoneq   IgnoreReason = 1 << 6
	ErrorDup     IgnoreReason = 1 << 7
	ErrorEqname  IgnoreReason = 1 << 8
	ErrorBadtype IgnoreReason = 1 << 9
	ErrorBadname IgnoreReason = 1 << 10
	ErrorFormat  IgnoreReason = 1 << 11
)

// checkMask is the set of reasons that merely exclude a group from
// consideration; everything else is a hard error counted against the
// percent-unchanged gate (IS_IGNORE / IS_ERROR in actsync.c).
const checkMask = CheckIgnore | CheckType | CheckBork | CheckHier

func (r IgnoreReason) IsCheck() bool { return r != 0 && r&^checkMask == 0 }
func (r IgnoreReason) IsError() bool { return r&^checkMask != 0 }

// EqLoopBound caps alias-chain resolution (EQ_LOOP in actsync.c).
const EqLoopBound = 16

// MinUnchangedPercent is the default safety-gate threshold
// (MIN_UNCHG in actsync.c).
const MinUnchangedPercent = 96.0

// Group is one parsed active-file entry (struct grp in actsync.c).
type Group struct {
	Name    string
	High    string
	Low     string
	Type    string // "y", "m", "n", "j", "x", or "=target"
	Host    HostID
	LineNum int

	Ignore IgnoreReason
	Output bool
	Remove bool

	OutHigh string
	OutLow  string
	OutType string
}

func (g *Group) String() string {
	return fmt.Sprintf("%s %s %s %s", g.Name, g.High, g.Low, g.Type)
}

// IsAlias reports whether this entry's type is an alias reference
// ("=target").
func (g *Group) IsAlias() bool { return len(g.Type) > 0 && g.Type[0] == '=' }

// AliasTarget returns the target name of an alias entry.
func (g *Group) AliasTarget() string {
	if !g.IsAlias() {
		return ""
	}
	return g.Type[1:]
}

// Options bundles the CLI-level switches of spec.md §6.4 / actsync.c's
// flag surface.
type Options struct {
	BorkHost1, BorkHost2 bool // -b
	NumHost1, NumHost2   bool // -d
	TopHost1, TopHost2   bool // -t
	MaxDepth             int  // -g, 0 = unlimited
	MaxNameLen           int  // -s, 0 = unlimited
	IgnoreFile           string
	IgnoreHost1          bool // -I selector applies to host1
	IgnoreHost2          bool
	KeepEmptyLines       bool    // -k
	MergeOnly            bool    // -m
	NewGroupName         string  // -n
	OutputMode           Mode    // -o
	MinUnchanged         float64 // -p
	QuietHost1           bool    // -q
	QuietHost2           bool
	NoNewHierarchies     bool // -T
	Host2HiLowOnNew      bool // host2's hi/low for host2-only groups; no cmd/actsync flag sets it
	Host2HiLowAll        bool
	Verbosity            int // -v

	// EqCheckHost1/EqCheckHost2 select which host's =type entries get
	// alias-chain analysis (-l in actsync.c; NOHOST disables a side).
	EqCheckHost1 bool
	EqCheckHost2 bool
}

// Mode selects the emission strategy of spec.md §4.6 step 6.
type Mode int

const (
	ModeActive Mode = iota
	ModeCtlinnd
	ModeExec
	ModeInteractiveExec
)

func DefaultOptions() Options {
	return Options{
		TopHost2:     true,
		NewGroupName: "actsync",
		OutputMode:   ModeCtlinnd,
		MinUnchanged: MinUnchangedPercent,
		EqCheckHost1: true,
		EqCheckHost2: true,
	}
}
