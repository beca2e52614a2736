package actsync

import (
	"log"
	"sort"
)

// DefHigh and DefLow are the watermark defaults applied to a host2-only
// new group when Options.Host2HiLowOnNew is off (DEF_HI/DEF_LOW in
// actsync.c).
const (
	DefHigh = "0000000000"
	DefLow  = "0000000001"
)

// MergeStats summarizes one merge_grps pass.
type MergeStats struct {
	Output  int
	Removed int
	EqHost1 int
	EqHost2 int
}

// sortForMerge orders groups by name, then host, then line number
// (merge_cmp in actsync.c) so that duplicate same-host entries and
// paired host1/host2 entries for the same group land adjacent, with
// host1 sorting ahead of host2 for a shared name.
func sortForMerge(groups []*Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.LineNum < b.LineNum
	})
}

// Merge implements merge_grps (spec.md §4.6 step 4): sorts groups,
// resolves =type alias chains for both hosts, then walks the sorted
// list pairing host1/host2 entries for a shared group name, marking
// same-host duplicates ERROR_DUP, and deciding Output/Remove/OutHigh/
// OutLow/OutType for every surviving entry.
func Merge(groups []*Group, opts Options, host1Name, host2Name string) MergeStats {
	sortForMerge(groups)

	var stats MergeStats
	stats.EqHost2 = resolveEqProbs(groups, Host2, opts, host1Name, host2Name)

	cur := 0
	for cur < len(groups) {
		if groups[cur].Ignore != NotIgnored {
			cur++
			continue
		}
		nxt := cur + 1
		for nxt < len(groups) &&
			groups[nxt].Host == groups[cur].Host &&
			groups[nxt].Name == groups[cur].Name {
			groups[nxt].Ignore |= ErrorDup
			if !quietFor(groups[cur].Host, opts) {
				log.Printf("actsync: lines %d and %d from %s refer to the same group",
					groups[cur].LineNum, groups[nxt].LineNum, hostName(groups[cur].Host, host1Name, host2Name))
			}
			nxt++
		}
		for nxt < len(groups) && groups[nxt].Ignore != NotIgnored {
			nxt++
		}

		if nxt < len(groups) && groups[nxt].Name == groups[cur].Name {
			g, o := groups[cur], groups[nxt]
			g.Output = true
			if opts.Host2HiLowAll {
				g.OutHigh, g.OutLow = o.High, o.Low
			} else {
				g.OutHigh, g.OutLow = g.High, g.Low
			}
			g.OutType = o.Type
			stats.Output++
			cur = nxt + 1
			continue
		}

		g := groups[cur]
		switch g.Host {
		case Host2:
			// host1 doesn't have this group
			g.Output = true
			if opts.Host2HiLowOnNew {
				g.OutHigh, g.OutLow = g.High, g.Low
			} else {
				g.OutHigh, g.OutLow = DefHigh, DefLow
			}
			g.OutType = g.Type
			stats.Output++
		default:
			// host2 doesn't have this group
			g.Output = true
			g.OutHigh, g.OutLow, g.OutType = g.High, g.Low, g.Type
			stats.Output++
			if !opts.MergeOnly {
				g.Remove = true
				stats.Removed++
			}
		}
		cur = nxt
	}

	stats.EqHost1 = resolveEqProbs(groups, Host1, opts, host1Name, host2Name)
	return stats
}

func quietFor(h HostID, opts Options) bool {
	if h == Host1 {
		return opts.QuietHost1
	}
	return opts.QuietHost2
}

func hostName(h HostID, host1Name, host2Name string) string {
	if h == Host1 {
		return host1Name
	}
	return host2Name
}

// activeCmp orders groups for active-style output (active_cmp in
// actsync.c): host1 lines before host2 lines, each in original line
// number order.
func activeCmp(groups []*Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.LineNum < b.LineNum
	})
}
