package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"conduit/internal/broker"
	"conduit/internal/hashroute"
	"conduit/internal/logstream"
	"conduit/internal/protocol"
)

type routeOnly struct{ partitions int }

func (r routeOnly) PartitionFor(key string) protocol.PartitionID {
	return hashroute.PartitionForKey(key, r.partitions)
}
func (r routeOnly) PartitionCount() int { return r.partitions }
func (routeOnly) SubmitCommand(context.Context, protocol.PartitionID, protocol.Record) (int64, error) {
	return 7, nil
}
func (routeOnly) Execute(_ context.Context, p protocol.PartitionID, _ string, _ protocol.Record) (broker.Response, error) {
	return broker.Response{Partition: p, Position: 9}, nil
}

func TestEnvelopeRouting(t *testing.T) {
	s := routeOnly{partitions: 4}
	key := protocol.EncodeKey(3, 12)
	cases := map[string]struct {
		doc  string
		want protocol.PartitionID
	}{
		"explicit":      {`{"partition":2,"partition_key":"x"}`, 2},
		"partition key": {`{"partition_key":"order-1"}`, hashroute.PartitionForKey("order-1", 4)},
		"entity key":    {fmt.Sprintf(`{"key":%d}`, key), 3},
	}
	for name, tc := range cases {
		env, err := ParseEnvelope([]byte(tc.doc))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		cmd, err := env.Command(s)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if cmd.Partition != tc.want {
			t.Fatalf("%s: partition %d, want %d", name, cmd.Partition, tc.want)
		}
	}

	for _, doc := range []string{`{}`, `{"partition":9}`, `{"partition":1,"value":[1,2]}`, `not json`} {
		env, err := ParseEnvelope([]byte(doc))
		if err == nil {
			_, err = env.Command(s)
		}
		if !errors.Is(err, ErrInvalidEnvelope) {
			t.Fatalf("%s: expected invalid envelope, got %v", doc, err)
		}
	}
}

func TestEnvelopeValueIsMsgpackDocument(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"partition":1,"value_type":10,"intent":1,"value":{"type":"email","retries":3,"custom_headers":{"a":"b"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	cmd, err := env.Command(routeOnly{partitions: 1})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Record.Key != protocol.NoKey || !cmd.Record.IsCommand() {
		t.Fatalf("unexpected record %+v", cmd.Record)
	}
	if !protocol.IsValidPayload(cmd.Record.Value) {
		t.Fatal("value is not a msgpack map")
	}
	var decoded map[string]interface{}
	if err := protocol.UnmarshalValue(cmd.Record.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "email" {
		t.Fatalf("decoded %v", decoded)
	}

	empty, _ := ParseEnvelope([]byte(`{"partition":1}`))
	cmd, _ = empty.Command(routeOnly{partitions: 1})
	if !protocol.IsNilPayload(cmd.Record.Value) {
		t.Fatalf("missing value must become the nil document, got %x", cmd.Record.Value)
	}
}

func TestSubmitUsesDedupePathForRequestIDs(t *testing.T) {
	s := routeOnly{partitions: 1}
	pos, err := Submit(context.Background(), s, Command{Partition: 1})
	if err != nil || pos != 7 {
		t.Fatalf("submit: %d %v", pos, err)
	}
	pos, err = Submit(context.Background(), s, Command{Partition: 1, RequestID: "r1"})
	if err != nil || pos != 9 {
		t.Fatalf("execute: %d %v", pos, err)
	}
}

func TestRetryable(t *testing.T) {
	retry := []error{
		&broker.NotLeaderError{Partition: 1, Leader: 2},
		fmt.Errorf("append: %w", logstream.ErrBackpressure),
		context.DeadlineExceeded,
	}
	for _, err := range retry {
		if !Retryable(err) {
			t.Fatalf("%v should be retryable", err)
		}
	}
	for _, err := range []error{nil, ErrInvalidEnvelope, &logstream.MalformedBatchError{}, broker.ErrUnknownPartition} {
		if Retryable(err) {
			t.Fatalf("%v should not be retryable", err)
		}
	}
}
