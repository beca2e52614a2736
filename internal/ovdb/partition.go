package ovdb

import "hash/fnv"

// DefaultNumDBFiles is the default partition count, pinned at first
// database creation (spec.md §4.2.1).
const DefaultNumDBFiles = 32

// Partition selects the physical B-tree file a group's overview
// records live in. It is stored on the GroupInfo so renames and
// structural changes remain correct even if the hash function ever
// changes (spec.md §4.2.1).
func Partition(groupName string, numDBFiles int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(groupName))
	return int(h.Sum32() % uint32(numDBFiles))
}
