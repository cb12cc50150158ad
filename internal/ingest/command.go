// Package ingest turns messages consumed from external brokers into partition
// commands. The kafka and rabbitmq subpackages share the envelope format and
// the retry classification defined here.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/vmihailenco/msgpack"

	"conduit/internal/broker"
	"conduit/internal/gateway"
	"conduit/internal/logstream"
	"conduit/internal/protocol"
	"conduit/internal/raft"
)

var ErrInvalidEnvelope = errors.New("invalid command envelope")

// Submitter is the broker surface the adapters write through.
type Submitter interface {
	PartitionFor(key string) protocol.PartitionID
	PartitionCount() int
	SubmitCommand(ctx context.Context, partition protocol.PartitionID, cmd protocol.Record) (int64, error)
	Execute(ctx context.Context, partition protocol.PartitionID, requestID string, cmd protocol.Record) (broker.Response, error)
}

// Command is a routed command ready to be appended.
type Command struct {
	RequestID string
	Partition protocol.PartitionID
	Record    protocol.Record
	// Source identifies the origin message, e.g. topic/partition/offset.
	Source string
}

// Envelope is the JSON document accepted on every ingest channel. Exactly one
// of Partition, PartitionKey or Key selects the target partition, in that
// order of precedence.
type Envelope struct {
	RequestID    string          `json:"request_id"`
	Partition    uint32          `json:"partition"`
	PartitionKey string          `json:"partition_key"`
	Key          *int64          `json:"key"`
	ValueType    uint16          `json:"value_type"`
	Intent       uint8           `json:"intent"`
	Value        json.RawMessage `json:"value"`
}

func ParseEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// Command routes the envelope and encodes its value as a msgpack document.
func (e Envelope) Command(s Submitter) (Command, error) {
	value, err := encodeValue(e.Value)
	if err != nil {
		return Command{}, err
	}
	rec := protocol.NewCommand(protocol.ValueType(e.ValueType), protocol.Intent(e.Intent), value)
	if e.Key != nil {
		rec.Key = *e.Key
	}

	var partition protocol.PartitionID
	switch {
	case e.Partition != 0:
		partition = protocol.PartitionID(e.Partition)
	case strings.TrimSpace(e.PartitionKey) != "":
		partition = s.PartitionFor(e.PartitionKey)
	case e.Key != nil && *e.Key > 0:
		partition = protocol.KeyPartition(*e.Key)
	default:
		return Command{}, fmt.Errorf("%w: partition, partition_key or key is required", ErrInvalidEnvelope)
	}
	if int(partition) > s.PartitionCount() {
		return Command{}, fmt.Errorf("%w: partition %d out of range", ErrInvalidEnvelope, partition)
	}
	return Command{RequestID: strings.TrimSpace(e.RequestID), Partition: partition, Record: rec}, nil
}

// ParseCommandRequest decodes a protobuf gateway.CommandRequest, the binary
// alternative to the JSON envelope.
func ParseCommandRequest(payload []byte, s Submitter) (Command, error) {
	var req gateway.CommandRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if req.ValueType > 0xFFFF || req.Intent > 0xFF {
		return Command{}, fmt.Errorf("%w: value type or intent out of range", ErrInvalidEnvelope)
	}
	if len(req.Value) > 0 && !protocol.IsValidPayload(req.Value) {
		return Command{}, fmt.Errorf("%w: value is not a msgpack document", ErrInvalidEnvelope)
	}
	value := req.Value
	if len(value) == 0 {
		value = protocol.NilPayload
	}
	rec := protocol.NewCommand(protocol.ValueType(req.ValueType), protocol.Intent(req.Intent), value)

	var partition protocol.PartitionID
	switch {
	case req.Partition != 0:
		partition = protocol.PartitionID(req.Partition)
	case req.PartitionKey != "":
		partition = s.PartitionFor(req.PartitionKey)
	case req.Key > 0:
		partition = protocol.KeyPartition(req.Key)
	default:
		return Command{}, fmt.Errorf("%w: partition, partition_key or key is required", ErrInvalidEnvelope)
	}
	if req.Key > 0 {
		rec.Key = req.Key
	}
	if int(partition) > s.PartitionCount() {
		return Command{}, fmt.Errorf("%w: partition %d out of range", ErrInvalidEnvelope, partition)
	}
	return Command{Partition: partition, Record: rec}, nil
}

// Submit appends the command and returns once it is committed. Commands
// carrying a request id go through the deduplicating path and also wait for
// processing.
func Submit(ctx context.Context, s Submitter, cmd Command) (int64, error) {
	if cmd.RequestID == "" {
		return s.SubmitCommand(ctx, cmd.Partition, cmd.Record)
	}
	res, err := s.Execute(ctx, cmd.Partition, cmd.RequestID, cmd.Record)
	if err != nil {
		return protocol.NoPosition, err
	}
	return res.Position, nil
}

// Retryable reports whether redelivering the message may succeed. Leadership
// changes, backpressure and timeouts are transient; malformed input is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var nl *broker.NotLeaderError
	switch {
	case errors.As(err, &nl),
		errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrStopped),
		errors.Is(err, logstream.ErrBackpressure),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

func encodeValue(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return protocol.NilPayload, nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: value must be a JSON object: %v", ErrInvalidEnvelope, err)
	}
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).SortMapKeys(true).Encode(normalize(doc)); err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return buf.Bytes(), nil
}

// normalize narrows integral JSON numbers so they decode as integers on the
// msgpack side.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, item := range t {
			t[k] = normalize(item)
		}
		return t
	case []interface{}:
		for i, item := range t {
			t[i] = normalize(item)
		}
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	}
	return v
}
