package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	BatchVersion    uint8 = 1
	BatchHeaderSize       = 24
)

var ErrEmptyBatch = errors.New("empty record batch")

// BatchBounds is the position range covered by an encoded batch.
type BatchBounds struct {
	Count   int
	Lowest  int64
	Highest int64
}

func (b BatchBounds) Contains(position int64) bool {
	return position >= b.Lowest && position <= b.Highest
}

// EncodeBatch frames records into one journal entry body. Records must
// already carry their positions.
//
//	0 version u8, 1 reserved [3]byte, 4 count u32, 8 lowest i64, 16 highest i64
func EncodeBatch(records []Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}
	size := BatchHeaderSize
	for _, r := range records {
		size += EncodedLen(r)
	}
	buf := make([]byte, BatchHeaderSize, size)
	buf[0] = BatchVersion
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(records)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(records[0].Position))
	binary.LittleEndian.PutUint64(buf[16:], uint64(records[len(records)-1].Position))
	for _, r := range records {
		buf = EncodeRecord(buf, r)
	}
	return buf, nil
}

// PeekBatchBounds reads the batch header without decoding records.
func PeekBatchBounds(b []byte) (BatchBounds, error) {
	if len(b) < 1 {
		return BatchBounds{}, &CorruptRecordError{Declared: BatchHeaderSize, Actual: len(b)}
	}
	if b[0] != BatchVersion {
		return BatchBounds{}, &UnsupportedVersionError{Version: b[0]}
	}
	if len(b) < BatchHeaderSize {
		return BatchBounds{}, &CorruptRecordError{Declared: BatchHeaderSize, Actual: len(b)}
	}
	return BatchBounds{
		Count:   int(binary.LittleEndian.Uint32(b[4:])),
		Lowest:  int64(binary.LittleEndian.Uint64(b[8:])),
		Highest: int64(binary.LittleEndian.Uint64(b[16:])),
	}, nil
}

func DecodeBatch(b []byte) ([]Record, error) {
	bounds, err := PeekBatchBounds(b)
	if err != nil {
		return nil, err
	}
	if bounds.Count > (len(b)-BatchHeaderSize)/RecordHeaderSize {
		return nil, &CorruptRecordError{Offset: 4, Declared: bounds.Count * RecordHeaderSize, Actual: len(b) - BatchHeaderSize}
	}
	records := make([]Record, 0, bounds.Count)
	off := BatchHeaderSize
	for i := 0; i < bounds.Count; i++ {
		r, n, err := DecodeRecord(b[off:])
		if err != nil {
			var corrupt *CorruptRecordError
			if errors.As(err, &corrupt) {
				corrupt.Offset = off
			}
			return nil, err
		}
		records = append(records, r)
		off += n
	}
	if off != len(b) {
		return nil, &CorruptRecordError{Offset: off, Declared: off, Actual: len(b)}
	}
	if len(records) > 0 && (records[0].Position != bounds.Lowest || records[len(records)-1].Position != bounds.Highest) {
		return nil, fmt.Errorf("batch bounds [%d,%d] disagree with records: %w", bounds.Lowest, bounds.Highest, &CorruptRecordError{Offset: 8, Declared: BatchHeaderSize, Actual: len(b)})
	}
	return records, nil
}
