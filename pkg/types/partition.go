package types

import "hash/fnv"

// PartitionFor maps a stream ID to its partition number in [0, partitionCount).
// The hash is FNV-1a, stable across processes and releases: every instance
// in the fleet must compute the same partition for the same stream.
func PartitionFor(streamID string, partitionCount int) int {
	if partitionCount <= 0 {
		partitionCount = DefaultPartitionCount
	}
	h := fnv.New32a()
	h.Write([]byte(streamID))
	return int(h.Sum32() % uint32(partitionCount))
}
