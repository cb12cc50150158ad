package protocol

type PartitionID uint16

const (
	keyPartitionBits = 51
	keyCounterMask   = int64(1)<<keyPartitionBits - 1
)

// NewPosition composes a partition scoped position: partitionId<<32 | offset.
func NewPosition(partition PartitionID, offset uint32) int64 {
	return int64(partition)<<32 | int64(offset)
}

func PartitionOf(position int64) PartitionID { return PartitionID(uint64(position) >> 32) }

func OffsetOf(position int64) uint32 { return uint32(uint64(position) & 0xFFFFFFFF) }

// NextPosition returns the position following position on the same partition.
func NextPosition(position int64) int64 {
	return NewPosition(PartitionOf(position), OffsetOf(position)+1)
}

// EncodeKey builds an entity key unique across partitions.
func EncodeKey(partition PartitionID, counter int64) int64 {
	return int64(partition)<<keyPartitionBits | (counter & keyCounterMask)
}

func KeyPartition(key int64) PartitionID { return PartitionID(key >> keyPartitionBits) }

func KeyCounter(key int64) int64 { return key & keyCounterMask }
