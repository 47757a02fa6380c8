package clustermap

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
)

var (
	ErrInvalidNodeIndex = errors.New("invalid node index")
	ErrNoNodes          = errors.New("partition table references nodes but the node list is empty")
)

// NoNode marks an unassigned slot in the partition table.
const NoNode = -1

// NodeInfo describes one cluster member as seen in a particular cluster map.
type NodeInfo struct {
	Host  string
	Ports map[Service]int
	Alive bool
	Group string
}

// Addr returns the host:port address of the given service on the node.
func (n NodeInfo) Addr(svc Service) (string, bool) {
	port, ok := n.Ports[svc]
	if !ok || port == 0 {
		return "", false
	}

	return net.JoinHostPort(n.Host, strconv.Itoa(port)), true
}

// Serves reports whether the node exposes the service.
func (n NodeInfo) Serves(svc Service) bool {
	port, ok := n.Ports[svc]
	return ok && port != 0
}

// Key returns the stable identity of the node: the host and all of its service
// ports. A node that changes any port gets a new key, which makes the
// reconciliation treat it as a removed node and a new one.
func (n NodeInfo) Key() string {
	svcs := maps.Keys(n.Ports)
	sort.Slice(svcs, func(i, j int) bool { return svcs[i] < svcs[j] })

	var sb strings.Builder

	sb.WriteString(n.Host)

	for _, svc := range svcs {
		if n.Ports[svc] == 0 {
			continue
		}

		fmt.Fprintf(&sb, "|%s=%d", svc, n.Ports[svc])
	}

	return sb.String()
}

func (n NodeInfo) clone() NodeInfo {
	ports := make(map[Service]int, len(n.Ports))
	for svc, port := range n.Ports {
		ports[svc] = port
	}

	n.Ports = ports

	return n
}

// Owners lists the nodes responsible for one partition.
type Owners struct {
	Primary  int
	Replicas []int
}

// ClusterMap is an immutable snapshot of the cluster topology. A topology
// change produces a new ClusterMap; existing ones are never modified, so a
// snapshot can be shared between goroutines without synchronization.
type ClusterMap struct {
	revision   uint64
	nodes      []NodeInfo
	partitions []Owners
	hasher     Hasher
	hashName   string
}

var empty = &ClusterMap{hasher: CRC32, hashName: HashCRC32}

// Empty returns the revision 0 map with no nodes, used before the first
// topology is known.
func Empty() *ClusterMap {
	return empty
}

// Option configures a new ClusterMap.
type Option func(*ClusterMap)

// WithHash sets the partition hash function by name (HashCRC32 or
// HashMurmur3). CRC32 is used by default.
func WithHash(name string) Option {
	return func(m *ClusterMap) {
		m.hashName = name
	}
}

// New creates a cluster map. The inputs are copied, so the caller may reuse
// them afterwards.
func New(revision uint64, nodes []NodeInfo, partitions []Owners, opts ...Option) (*ClusterMap, error) {
	m := &ClusterMap{
		revision:   revision,
		nodes:      make([]NodeInfo, len(nodes)),
		partitions: make([]Owners, len(partitions)),
		hashName:   HashCRC32,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.hashName == "" {
		m.hashName = HashCRC32
	}

	hasher, err := hasherByName(m.hashName)
	if err != nil {
		return nil, err
	}

	m.hasher = hasher

	for i := range nodes {
		m.nodes[i] = nodes[i].clone()
	}

	if len(partitions) > 0 && len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	for i, owners := range partitions {
		if !m.validIndex(owners.Primary) {
			return nil, fmt.Errorf("partition %d primary %d: %w", i, owners.Primary, ErrInvalidNodeIndex)
		}

		replicas := make([]int, len(owners.Replicas))

		for j, idx := range owners.Replicas {
			if !m.validIndex(idx) {
				return nil, fmt.Errorf("partition %d replica %d: %w", i, idx, ErrInvalidNodeIndex)
			}

			replicas[j] = idx
		}

		m.partitions[i] = Owners{Primary: owners.Primary, Replicas: replicas}
	}

	return m, nil
}

func (m *ClusterMap) validIndex(idx int) bool {
	return idx == NoNode || (idx >= 0 && idx < len(m.nodes))
}

// Revision returns the monotonically increasing topology revision.
func (m *ClusterMap) Revision() uint64 {
	return m.revision
}

// IsEmpty reports whether the map contains no nodes.
func (m *ClusterMap) IsEmpty() bool {
	return len(m.nodes) == 0
}

// NumNodes returns the number of nodes in the map.
func (m *ClusterMap) NumNodes() int {
	return len(m.nodes)
}

// Node returns the node with the given index. The Ports map of the returned
// value is shared with the snapshot and must not be modified.
func (m *ClusterMap) Node(idx int) (NodeInfo, bool) {
	if idx < 0 || idx >= len(m.nodes) {
		return NodeInfo{}, false
	}

	return m.nodes[idx], true
}

// Nodes returns a copy of the node list.
func (m *ClusterMap) Nodes() []NodeInfo {
	nodes := make([]NodeInfo, len(m.nodes))
	copy(nodes, m.nodes)

	return nodes
}

// NumPartitions returns the size of the partition table.
func (m *ClusterMap) NumPartitions() int {
	return len(m.partitions)
}

// Owners returns the owners of the partition.
func (m *ClusterMap) Owners(partition int) (Owners, bool) {
	if partition < 0 || partition >= len(m.partitions) {
		return Owners{}, false
	}

	owners := m.partitions[partition]
	replicas := make([]int, len(owners.Replicas))
	copy(replicas, owners.Replicas)

	return Owners{Primary: owners.Primary, Replicas: replicas}, true
}

// Partition returns the partition the key belongs to. It returns -1 if the map
// has no partition table.
func (m *ClusterMap) Partition(key []byte) int {
	if len(m.partitions) == 0 {
		return -1
	}

	return m.hasher(key, len(m.partitions))
}

// HashName returns the name of the partition hash function.
func (m *ClusterMap) HashName() string {
	return m.hashName
}
