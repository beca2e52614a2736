package actsync

import (
	"os"
	"strings"
)

// isNewTopHier implements new_top_hier: reports whether name's top
// level component has no corresponding directory under spoolDir,
// meaning it would introduce a new top-level hierarchy.
func isNewTopHier(spoolDir, name string) bool {
	top := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		top = name[:i]
	}
	info, err := os.Stat(spoolDir + "/" + top)
	return err != nil || !info.IsDir()
}

// FilterNewHierarchies implements the -T pass of output_grps: any
// host2-only group whose output was accepted but whose top-level
// hierarchy doesn't exist under spoolDir gets un-accepted and flagged
// CheckHier, so a reconciliation run never silently creates a brand
// new top-level hierarchy.
func FilterNewHierarchies(groups []*Group, spoolDir string) int {
	ignored := 0
	for _, g := range groups {
		if g.Host != Host2 || !g.Output {
			continue
		}
		if isNewTopHier(spoolDir, g.Name) {
			g.Ignore |= CheckHier
			g.Output = false
			ignored++
		}
	}
	return ignored
}
