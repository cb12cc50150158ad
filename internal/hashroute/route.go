// Package hashroute maps partition keys to partitions and tracks which node
// leads each partition.
package hashroute

import (
	"hash/fnv"
	"strings"

	"conduit/internal/protocol"
)

// CanonicalizeKey normalizes incoming partition keys before hashing.
func CanonicalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// PartitionForKey returns a partition in [1, partitions].
func PartitionForKey(key string, partitions int) protocol.PartitionID {
	if partitions <= 0 {
		partitions = 1
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(CanonicalizeKey(key)))
	return protocol.PartitionID(h.Sum64()%uint64(partitions)) + 1
}

// Partitions lists partition ids 1..n.
func Partitions(n int) []protocol.PartitionID {
	out := make([]protocol.PartitionID, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, protocol.PartitionID(i))
	}
	return out
}
