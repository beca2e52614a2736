package actsync

import (
	"log"
	"sort"
)

// eqEntry tracks one =type group's current alias target while its
// chain is resolved (struct eqgrp in actsync.c).
type eqEntry struct {
	skip bool
	g    *Group
	eq   string
}

func checkEqEnabled(host HostID, opts Options) bool {
	if host == Host1 {
		return opts.EqCheckHost1
	}
	return opts.EqCheckHost2
}

// resolveEqProbs implements mark_eq_probs: it follows every =type
// group's alias chain for host up to EqLoopBound hops, marking a group
// ErrorEqloop if the chain loops back to itself, ErrorNoneq if it
// points at a name that doesn't resolve to a real group, and
// ErrorLongloop if it's still unresolved after EqLoopBound hops. It
// returns the number of groups marked in error.
func resolveEqProbs(groups []*Group, host HostID, opts Options, host1Name, host2Name string) int {
	if !checkEqEnabled(host, opts) {
		return 0
	}
	quiet := quietFor(host, opts)
	hname := hostName(host, host1Name, host2Name)

	// groups is already sorted by Name (sortForMerge ran before either
	// resolveEqProbs call); filtering preserves that order.
	var hostGroups []*Group
	for _, g := range groups {
		if g.Host == host && !g.Ignore.IsError() {
			hostGroups = append(hostGroups, g)
		}
	}

	var eq []*eqEntry
	for _, g := range hostGroups {
		if g.IsAlias() {
			eq = append(eq, &eqEntry{g: g, eq: g.AliasTarget()})
		}
	}
	if len(eq) == 0 {
		return 0
	}

	newEqCount := len(eq)
	missing, cycled := 0, 0

	for step := 0; step < EqLoopBound && newEqCount >= 0; step++ {
		sort.SliceStable(eq, func(a, b int) bool { return eq[a].eq < eq[b].eq })
		eqCount := newEqCount

		i, j := 0, 0
		for i < len(hostGroups) && j < eqCount {
			if eq[j].skip {
				j++
				continue
			}
			g := hostGroups[i]
			switch {
			case g.Name == eq[j].eq:
				if g.Name == eq[j].g.Name {
					if !quiet {
						log.Printf("actsync: %s from %s line %d =loops around to itself",
							eq[j].g.Name, hname, eq[j].g.LineNum)
					}
					eq[j].g.Ignore |= ErrorEqloop
					eq[j].skip = true
					newEqCount--
					cycled++
					j++
					continue
				}
				if !g.IsAlias() {
					eq[j].skip = true
					newEqCount--
				} else {
					eq[j].eq = g.AliasTarget()
				}
				j++
			case g.Name < eq[j].eq:
				i++
			default:
				if !quiet {
					log.Printf("actsync: %s from %s line %d not equiv to a valid group",
						eq[j].g.Name, hname, eq[j].g.LineNum)
				}
				eq[j].g.Ignore |= ErrorNoneq
				eq[j].skip = true
				newEqCount--
				missing++
				i++
				j++
			}
		}
		for j < eqCount {
			if !eq[j].skip {
				if !quiet {
					log.Printf("actsync: %s from %s line %d isn't equiv to a valid group",
						eq[j].g.Name, hname, eq[j].g.LineNum)
				}
				eq[j].g.Ignore |= ErrorNoneq
				eq[j].skip = true
				newEqCount--
				missing++
			}
			j++
		}
	}

	chained := 0
	sort.SliceStable(eq, func(a, b int) bool { return eq[a].eq < eq[b].eq })
	for j := 0; j < newEqCount; j++ {
		if eq[j].skip {
			continue
		}
		eq[j].g.Ignore |= ErrorLongloop
		chained++
		if !quiet {
			log.Printf("actsync: %s from %s line %d in a long equiv chain or loop > %d",
				eq[j].g.Name, hname, eq[j].g.LineNum, EqLoopBound)
		}
	}

	return missing + cycled + chained
}
