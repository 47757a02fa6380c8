package clustermap

// Delta is the difference in node membership between two cluster maps.
type Delta struct {
	Added   []NodeInfo
	Removed []NodeInfo
	Kept    []NodeInfo
}

// Diff compares node membership of two maps by node key. Either map may be nil,
// which is treated as an empty map. Nodes are reported in the order they
// appear in their map.
func Diff(prev, next *ClusterMap) Delta {
	if prev == nil {
		prev = empty
	}

	if next == nil {
		next = empty
	}

	prevKeys := make(map[string]struct{}, len(prev.nodes))
	for _, n := range prev.nodes {
		prevKeys[n.Key()] = struct{}{}
	}

	nextKeys := make(map[string]struct{}, len(next.nodes))

	var delta Delta

	for _, n := range next.nodes {
		key := n.Key()
		nextKeys[key] = struct{}{}

		if _, ok := prevKeys[key]; ok {
			delta.Kept = append(delta.Kept, n)
		} else {
			delta.Added = append(delta.Added, n)
		}
	}

	for _, n := range prev.nodes {
		if _, ok := nextKeys[n.Key()]; !ok {
			delta.Removed = append(delta.Removed, n)
		}
	}

	return delta
}
