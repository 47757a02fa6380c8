package locator

import (
	"sort"

	"github.com/maxpoletaev/kiviroute/clustermap"
)

// Target identifies what a request needs to reach.
type Target struct {
	Service clustermap.Service
	// Key is the routing key of partition-routed services. Ignored otherwise.
	Key []byte
}

// ReplicaOrder arranges the replica candidates of a partition. It must not
// modify the slice it is given.
type ReplicaOrder func(m *clustermap.ClusterMap, replicas []int) []int

// ReplicaInOrder keeps the replicas in the order of the partition table.
func ReplicaInOrder(_ *clustermap.ClusterMap, replicas []int) []int {
	return replicas
}

// PreferGroup moves replicas from the given server group in front of the
// others, keeping the partition table order within both.
func PreferGroup(group string) ReplicaOrder {
	return func(m *clustermap.ClusterMap, replicas []int) []int {
		ordered := make([]int, 0, len(replicas))

		for _, idx := range replicas {
			if info, _ := m.Node(idx); info.Group == group {
				ordered = append(ordered, idx)
			}
		}

		for _, idx := range replicas {
			if info, _ := m.Node(idx); info.Group != group {
				ordered = append(ordered, idx)
			}
		}

		return ordered
	}
}

type Hints struct {
	// Cursor rotates the candidates of any-node services. Callers pass a
	// counter that advances with every request to get round-robin.
	Cursor uint64
	// Load returns the number of in-flight requests on a node. Candidates
	// with equal load keep the round-robin order. Optional.
	Load func(info clustermap.NodeInfo) int64
	// ReplicaOrder arranges partition replicas. Defaults to ReplicaInOrder.
	ReplicaOrder ReplicaOrder
}

type Result struct {
	// Candidates are node indexes in the map, best candidate first.
	Candidates []int
	// Partition is the partition of the key, or -1 for any-node services.
	Partition int
	// Outdated is set when the map can't route the request: it has no nodes,
	// no partition table, or the partition owner is missing.
	Outdated bool
}

// Empty reports whether there is no node to send the request to.
func (r Result) Empty() bool {
	return len(r.Candidates) == 0
}

// Locate returns the nodes a request can be sent to, in order of preference.
// It depends on nothing but its arguments: the same inputs always give the
// same result.
func Locate(m *clustermap.ClusterMap, target Target, hints Hints) Result {
	if m == nil || m.IsEmpty() {
		return Result{Partition: -1, Outdated: true}
	}

	switch target.Service.Routing() {
	case clustermap.RoutePartition:
		return locatePartition(m, target, hints)
	case clustermap.RouteAny:
		return locateAny(m, target, hints)
	default:
		return Result{Partition: -1}
	}
}

func locatePartition(m *clustermap.ClusterMap, target Target, hints Hints) Result {
	partition := m.Partition(target.Key)
	if partition < 0 {
		return Result{Partition: -1, Outdated: true}
	}

	owners, _ := m.Owners(partition)
	res := Result{Partition: partition}

	if !usable(m, owners.Primary, target.Service) {
		res.Outdated = true
		return res
	}

	res.Candidates = append(res.Candidates, owners.Primary)

	order := hints.ReplicaOrder
	if order == nil {
		order = ReplicaInOrder
	}

	for _, idx := range order(m, owners.Replicas) {
		if idx != owners.Primary && usable(m, idx, target.Service) {
			res.Candidates = append(res.Candidates, idx)
		}
	}

	return res
}

func locateAny(m *clustermap.ClusterMap, target Target, hints Hints) Result {
	var healthy []int

	for idx := 0; idx < m.NumNodes(); idx++ {
		if usable(m, idx, target.Service) {
			healthy = append(healthy, idx)
		}
	}

	res := Result{Partition: -1}

	if len(healthy) == 0 {
		return res
	}

	offset := int(hints.Cursor % uint64(len(healthy)))
	res.Candidates = append(healthy[offset:len(healthy):len(healthy)], healthy[:offset]...)

	if hints.Load != nil {
		load := make(map[int]int64, len(res.Candidates))

		for _, idx := range res.Candidates {
			info, _ := m.Node(idx)
			load[idx] = hints.Load(info)
		}

		sort.SliceStable(res.Candidates, func(i, j int) bool {
			return load[res.Candidates[i]] < load[res.Candidates[j]]
		})
	}

	return res
}

func usable(m *clustermap.ClusterMap, idx int, svc clustermap.Service) bool {
	info, ok := m.Node(idx)
	return ok && info.Alive && info.Serves(svc)
}
