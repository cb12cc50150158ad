package gateway

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"conduit/internal/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	in := []byte("hello")
	var b bytes.Buffer
	if err := WriteFrame(&b, in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadFrame(bufio.NewReader(&b))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(in) {
		t.Fatalf("got %q", out)
	}
}

func TestFrameRejectsOversizedAndEmpty(t *testing.T) {
	tooBig := make([]byte, MaxFrameSize+1)
	var b bytes.Buffer
	if err := WriteFrame(&b, tooBig); err == nil {
		t.Fatal("expected error")
	}
	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0, 0, 0, 0}))); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("empty frame: %v", err)
	}
	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))); err == nil {
		t.Fatal("expected oversized header to fail")
	}
}

func TestProtoRoundTrip(t *testing.T) {
	req := &Request{
		RequestId: "1",
		Operation: int32(OperationExecuteCommand),
		Command:   &CommandRequest{PartitionKey: "order-7", Key: -1, ValueType: 10, Intent: 1, Value: protocol.NilPayload},
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalRequest(payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestId != "1" || Operation(decoded.Operation) != OperationExecuteCommand {
		t.Fatalf("bad decode: %+v", decoded)
	}
	if c := decoded.Command; c == nil || c.PartitionKey != "order-7" || c.Key != -1 || c.ValueType != 10 {
		t.Fatalf("bad command: %+v", decoded.Command)
	}
}

func TestValidateRequest(t *testing.T) {
	cases := map[string]*Request{
		"no operation":           {},
		"missing command":        {Operation: int32(OperationSubmitCommand)},
		"unroutable":             {Operation: int32(OperationSubmitCommand), Command: &CommandRequest{ValueType: 1}},
		"bad value":              {Operation: int32(OperationSubmitCommand), Command: &CommandRequest{Partition: 1, Value: []byte{0xc1}}},
		"wide intent":            {Operation: int32(OperationSubmitCommand), Command: &CommandRequest{Partition: 1, Intent: 300}},
		"read without partition": {Operation: int32(OperationReadRecords), Read: &ReadRequest{}},
	}
	for name, req := range cases {
		if err := ValidateRequest(req); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	ok := &Request{Operation: int32(OperationSubmitCommand), Command: &CommandRequest{Key: protocol.EncodeKey(2, 1)}}
	if err := ValidateRequest(ok); err != nil {
		t.Fatalf("entity key routing rejected: %v", err)
	}
}
