package clustermap

import (
	"encoding/json"
	"fmt"
)

// document is the JSON form of a topology document as served by the cluster.
//
//	{
//	  "rev": 42,
//	  "hash": "crc32",
//	  "nodes": [{"host": "10.0.0.1", "ports": {"kv": 11210, "mgmt": 8091}, "alive": true}],
//	  "partitionMap": [[0, 1], [1, 0]]
//	}
//
// Each partitionMap row lists the primary node index followed by the replica
// indexes; -1 marks a missing owner.
type document struct {
	Revision     uint64         `json:"rev"`
	Hash         string         `json:"hash,omitempty"`
	Nodes        []nodeDocument `json:"nodes"`
	PartitionMap [][]int        `json:"partitionMap"`
}

type nodeDocument struct {
	Host  string         `json:"host"`
	Ports map[string]int `json:"ports"`
	Alive bool           `json:"alive"`
	Group string         `json:"group,omitempty"`
}

// Decode parses a JSON topology document into a cluster map.
func Decode(data []byte) (*ClusterMap, error) {
	var doc document

	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal topology document: %w", err)
	}

	nodes := make([]NodeInfo, 0, len(doc.Nodes))

	for i, nd := range doc.Nodes {
		if nd.Host == "" {
			return nil, fmt.Errorf("node %d: missing host", i)
		}

		ports := make(map[Service]int, len(nd.Ports))

		for name, port := range nd.Ports {
			svc, err := ParseService(name)
			if err != nil {
				return nil, fmt.Errorf("node %d: %w", i, err)
			}

			ports[svc] = port
		}

		nodes = append(nodes, NodeInfo{
			Host:  nd.Host,
			Ports: ports,
			Alive: nd.Alive,
			Group: nd.Group,
		})
	}

	partitions := make([]Owners, 0, len(doc.PartitionMap))

	for i, row := range doc.PartitionMap {
		if len(row) == 0 {
			return nil, fmt.Errorf("partition %d: empty owner list", i)
		}

		partitions = append(partitions, Owners{
			Primary:  row[0],
			Replicas: row[1:],
		})
	}

	return New(doc.Revision, nodes, partitions, WithHash(doc.Hash))
}

// Encode serializes the map into the JSON topology document format.
func Encode(m *ClusterMap) ([]byte, error) {
	doc := document{
		Revision:     m.revision,
		Hash:         m.hashName,
		Nodes:        make([]nodeDocument, 0, len(m.nodes)),
		PartitionMap: make([][]int, 0, len(m.partitions)),
	}

	for _, n := range m.nodes {
		ports := make(map[string]int, len(n.Ports))
		for svc, port := range n.Ports {
			ports[svc.String()] = port
		}

		doc.Nodes = append(doc.Nodes, nodeDocument{
			Host:  n.Host,
			Ports: ports,
			Alive: n.Alive,
			Group: n.Group,
		})
	}

	for _, owners := range m.partitions {
		row := make([]int, 0, len(owners.Replicas)+1)
		row = append(row, owners.Primary)
		row = append(row, owners.Replicas...)
		doc.PartitionMap = append(doc.PartitionMap, row)
	}

	return json.Marshal(doc)
}
