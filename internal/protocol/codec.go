package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	RecordVersion    uint8 = 1
	RecordHeaderSize       = 48
)

type CorruptRecordError struct {
	Offset   int
	Declared int
	Actual   int
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record at offset %d: declared %d bytes, %d available", e.Offset, e.Declared, e.Actual)
}

type UnsupportedVersionError struct {
	Version uint8
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported record version %d", e.Version)
}

// EncodedLen returns the framed size of r.
func EncodedLen(r Record) int {
	return RecordHeaderSize + len(r.RejectionReason) + len(r.Value)
}

// EncodeRecord appends the binary form of r to dst.
//
// Layout (little endian):
//
//	0  version u8      1  recordType u8   2  valueType u16
//	4  intent u8       5  rejection u8    6  reserved u16
//	8  position i64    16 source i64      24 key i64
//	32 timestamp i64   40 reasonLen u32   44 valueLen u32
//	48 reason bytes, then value bytes
func EncodeRecord(dst []byte, r Record) []byte {
	off := len(dst)
	dst = append(dst, make([]byte, RecordHeaderSize)...)
	h := dst[off : off+RecordHeaderSize]
	h[0] = RecordVersion
	h[1] = byte(r.RecordType)
	binary.LittleEndian.PutUint16(h[2:], uint16(r.ValueType))
	h[4] = byte(r.Intent)
	h[5] = byte(r.RejectionType)
	binary.LittleEndian.PutUint64(h[8:], uint64(r.Position))
	binary.LittleEndian.PutUint64(h[16:], uint64(r.SourceRecordPosition))
	binary.LittleEndian.PutUint64(h[24:], uint64(r.Key))
	binary.LittleEndian.PutUint64(h[32:], uint64(r.Timestamp))
	binary.LittleEndian.PutUint32(h[40:], uint32(len(r.RejectionReason)))
	binary.LittleEndian.PutUint32(h[44:], uint32(len(r.Value)))
	dst = append(dst, r.RejectionReason...)
	return append(dst, r.Value...)
}

// DecodeRecord decodes one record from the front of b and returns the number
// of bytes consumed.
func DecodeRecord(b []byte) (Record, int, error) {
	if len(b) < 1 {
		return Record{}, 0, &CorruptRecordError{Declared: RecordHeaderSize, Actual: len(b)}
	}
	if b[0] != RecordVersion {
		return Record{}, 0, &UnsupportedVersionError{Version: b[0]}
	}
	if len(b) < RecordHeaderSize {
		return Record{}, 0, &CorruptRecordError{Declared: RecordHeaderSize, Actual: len(b)}
	}
	reasonLen := uint64(binary.LittleEndian.Uint32(b[40:]))
	valueLen := uint64(binary.LittleEndian.Uint32(b[44:]))
	total := uint64(RecordHeaderSize) + reasonLen + valueLen
	if total > uint64(len(b)) || total > math.MaxInt32 {
		return Record{}, 0, &CorruptRecordError{Declared: int(min(total, math.MaxInt32)), Actual: len(b)}
	}
	r := Record{
		RecordType:           RecordType(b[1]),
		ValueType:            ValueType(binary.LittleEndian.Uint16(b[2:])),
		Intent:               Intent(b[4]),
		RejectionType:        RejectionType(b[5]),
		Position:             int64(binary.LittleEndian.Uint64(b[8:])),
		SourceRecordPosition: int64(binary.LittleEndian.Uint64(b[16:])),
		Key:                  int64(binary.LittleEndian.Uint64(b[24:])),
		Timestamp:            int64(binary.LittleEndian.Uint64(b[32:])),
	}
	p := RecordHeaderSize
	if reasonLen > 0 {
		r.RejectionReason = string(b[p : p+int(reasonLen)])
		p += int(reasonLen)
	}
	if valueLen > 0 {
		r.Value = append([]byte(nil), b[p:p+int(valueLen)]...)
		p += int(valueLen)
	}
	return r, p, nil
}
