package clustermap

import (
	"fmt"
	"hash/crc32"

	"github.com/twmb/murmur3"
)

const (
	HashCRC32   = "crc32"
	HashMurmur3 = "murmur3"
)

// Hasher maps a key to a partition index in [0, numPartitions).
type Hasher func(key []byte, numPartitions int) int

// CRC32 is the classic vbucket hash: the upper half of the IEEE checksum,
// truncated to 15 bits.
func CRC32(key []byte, numPartitions int) int {
	sum := crc32.ChecksumIEEE(key)
	return int((sum>>16)&0x7fff) % numPartitions
}

// Murmur3 distributes keys using the 32-bit murmur3 hash.
func Murmur3(key []byte, numPartitions int) int {
	return int(murmur3.Sum32(key) % uint32(numPartitions))
}

func hasherByName(name string) (Hasher, error) {
	switch name {
	case HashCRC32, "":
		return CRC32, nil
	case HashMurmur3:
		return Murmur3, nil
	default:
		return nil, fmt.Errorf("unknown partition hash %q", name)
	}
}
