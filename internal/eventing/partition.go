package eventing

import "github.com/cespare/xxhash/v2"

// DefaultPartitions is the partition count used when none is configured.
const DefaultPartitions = 12

// PartitionFor maps a partition key onto one of n partitions.
// Equal keys always land on the same partition.
func PartitionFor(key string, n int) int {
	if n <= 0 {
		n = DefaultPartitions
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}
