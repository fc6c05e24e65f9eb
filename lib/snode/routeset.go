package snode

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PathKeyPrefix is the reserved key prefix under which onion paths are stored.
const PathKeyPrefix = "OnionRequestPath-"

// PathKey returns the RouteSet key of the n-th onion path.
func PathKey(n int) string {
	return PathKeyPrefix + strconv.Itoa(n)
}

// PathIndex parses the index back out of a path key.
func PathIndex(key string) (int, bool) {
	if !strings.HasPrefix(key, PathKeyPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(key, PathKeyPrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// IndexedSnode is one row of a RouteSet.
type IndexedSnode struct {
	Index uint32
	Snode Snode
}

// RouteSet is an ordered list of snodes stored under one key: a swarm keyed
// by public key, or an onion path keyed by PathKey. Index 0 of a path is the
// guard.
type RouteSet struct {
	Key   string
	Nodes []IndexedSnode
}

// NewRouteSet indexes nodes in the order given.
func NewRouteSet(key string, nodes []Snode) RouteSet {
	rs := RouteSet{Key: key, Nodes: make([]IndexedSnode, len(nodes))}
	for i, n := range nodes {
		rs.Nodes[i] = IndexedSnode{Index: uint32(i), Snode: n}
	}
	return rs
}

// Sorted returns a copy ordered by index ascending.
func (rs RouteSet) Sorted() RouteSet {
	out := RouteSet{Key: rs.Key, Nodes: make([]IndexedSnode, len(rs.Nodes))}
	copy(out.Nodes, rs.Nodes)
	sort.SliceStable(out.Nodes, func(i, j int) bool {
		return out.Nodes[i].Index < out.Nodes[j].Index
	})
	return out
}

// Snodes returns the snodes ordered by index.
func (rs RouteSet) Snodes() []Snode {
	sorted := rs.Sorted()
	out := make([]Snode, len(sorted.Nodes))
	for i, n := range sorted.Nodes {
		out[i] = n.Snode
	}
	return out
}

// Len is the number of rows.
func (rs RouteSet) Len() int {
	return len(rs.Nodes)
}

// Validate rejects empty keys and duplicate indices.
func (rs RouteSet) Validate() error {
	if rs.Key == "" {
		return fmt.Errorf("route set has empty key")
	}
	seen := make(map[uint32]struct{}, len(rs.Nodes))
	for _, n := range rs.Nodes {
		if _, dup := seen[n.Index]; dup {
			return fmt.Errorf("route set %q has duplicate index %d", rs.Key, n.Index)
		}
		seen[n.Index] = struct{}{}
	}
	return nil
}
