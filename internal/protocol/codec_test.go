package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func sampleRecord() Record {
	return Record{
		Position:             NewPosition(3, 42),
		SourceRecordPosition: NewPosition(3, 41),
		Key:                  EncodeKey(3, 7),
		Timestamp:            1700000000000,
		RecordType:           CommandRejection,
		ValueType:            12,
		Intent:               4,
		RejectionType:        RejectionInvalidState,
		RejectionReason:      "job is not activatable",
		Value:                []byte{0x81, 0xa1, 'a', 0x01},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	in := sampleRecord()
	b := EncodeRecord(nil, in)
	if len(b) != EncodedLen(in) {
		t.Fatalf("encoded %d bytes, want %d", len(b), EncodedLen(in))
	}
	out, n, err := DecodeRecord(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d of %d bytes", n, len(b))
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestRecordAbsentValueStaysNil(t *testing.T) {
	in := NewCommand(1, 1, nil)
	out, _, err := DecodeRecord(EncodeRecord(nil, in))
	if err != nil {
		t.Fatal(err)
	}
	if out.Value != nil {
		t.Fatalf("absent value decoded as %v", out.Value)
	}
	in.Value = NilPayload
	out, _, err = DecodeRecord(EncodeRecord(nil, in))
	if err != nil {
		t.Fatal(err)
	}
	if !IsNilPayload(out.Value) {
		t.Fatalf("nil payload decoded as %v", out.Value)
	}
}

func TestDecodeRecordRejectsTruncatedBuffer(t *testing.T) {
	b := EncodeRecord(nil, sampleRecord())
	for _, cut := range []int{10, RecordHeaderSize, len(b) - 1} {
		_, _, err := DecodeRecord(b[:cut])
		var corrupt *CorruptRecordError
		if !errors.As(err, &corrupt) {
			t.Fatalf("cut=%d: expected CorruptRecordError, got %v", cut, err)
		}
	}
}

func TestDecodeRecordRejectsUnknownVersion(t *testing.T) {
	b := EncodeRecord(nil, sampleRecord())
	b[0] = 9
	_, _, err := DecodeRecord(b)
	var unsupported *UnsupportedVersionError
	if !errors.As(err, &unsupported) || unsupported.Version != 9 {
		t.Fatalf("expected UnsupportedVersionError(9), got %v", err)
	}
}

func TestBatchRoundTripAndBounds(t *testing.T) {
	records := make([]Record, 0, 3)
	for i := uint32(0); i < 3; i++ {
		r := NewCommand(1, 2, []byte{0x80})
		r.Position = NewPosition(1, 10+i)
		records = append(records, r)
	}
	b, err := EncodeBatch(records)
	if err != nil {
		t.Fatal(err)
	}
	bounds, err := PeekBatchBounds(b)
	if err != nil {
		t.Fatal(err)
	}
	if bounds.Count != 3 || bounds.Lowest != NewPosition(1, 10) || bounds.Highest != NewPosition(1, 12) {
		t.Fatalf("unexpected bounds %+v", bounds)
	}
	if !bounds.Contains(NewPosition(1, 11)) || bounds.Contains(NewPosition(1, 13)) {
		t.Fatalf("contains check failed for %+v", bounds)
	}
	out, err := DecodeBatch(b)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(records, out) {
		t.Fatalf("batch mismatch: %+v", out)
	}
}

func TestBatchRejectsTrailingGarbage(t *testing.T) {
	r := NewCommand(1, 2, nil)
	r.Position = NewPosition(1, 1)
	b, err := EncodeBatch([]Record{r})
	if err != nil {
		t.Fatal(err)
	}
	b = append(b, 0xff)
	if _, err := DecodeBatch(b); err == nil {
		t.Fatal("expected error for trailing bytes")
	}
	if _, err := EncodeBatch(nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestPayloadProbe(t *testing.T) {
	doc, err := MarshalValue(map[string]interface{}{"type": "payment"})
	if err != nil {
		t.Fatal(err)
	}
	arr, err := MarshalValue([]int{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name  string
		in    []byte
		valid bool
		isNil bool
	}{
		{"absent", nil, true, false},
		{"nil", NilPayload, true, true},
		{"map", doc, true, false},
		{"map16", []byte{0xde, 0x00, 0x00}, true, false},
		{"array", arr, false, false},
		{"string", []byte{0xa1, 'x'}, false, false},
		{"nil prefix", []byte{0xc0, 0x00}, false, false},
	}
	for _, tc := range cases {
		if got := IsValidPayload(tc.in); got != tc.valid {
			t.Fatalf("%s: IsValidPayload=%v, want %v", tc.name, got, tc.valid)
		}
		if got := IsNilPayload(tc.in); got != tc.isNil {
			t.Fatalf("%s: IsNilPayload=%v, want %v", tc.name, got, tc.isNil)
		}
	}
}

func TestValueRoundTrip(t *testing.T) {
	type job struct {
		Type    string `msgpack:"type"`
		Retries int    `msgpack:"retries"`
	}
	b, err := MarshalValue(job{Type: "email", Retries: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !IsValidPayload(b) {
		t.Fatalf("struct value should encode as a map: %x", b)
	}
	var out job
	if err := UnmarshalValue(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != "email" || out.Retries != 3 {
		t.Fatalf("unexpected value %+v", out)
	}
}
