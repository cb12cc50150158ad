package gateway

import (
	"fmt"

	"github.com/golang/protobuf/proto"

	"conduit/internal/protocol"
)

type Operation int32

const (
	OperationUnknown        Operation = 0
	OperationSubmitCommand  Operation = 1
	OperationExecuteCommand Operation = 2
	OperationReadRecords    Operation = 3
	OperationTopology       Operation = 4
	OperationPing           Operation = 5
	OperationHealth         Operation = 6
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
	ErrorCodeNotLeader       ErrorCode = 6
	ErrorCodeTimeout         ErrorCode = 7
)

type Request struct {
	RequestId string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string          `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32           `protobuf:"varint,3,opt,name=operation,proto3"`
	Command   *CommandRequest `protobuf:"bytes,4,opt,name=command,proto3"`
	Read      *ReadRequest    `protobuf:"bytes,5,opt,name=read,proto3"`
	Ping      *PingRequest    `protobuf:"bytes,6,opt,name=ping,proto3"`
}

func (*Request) Reset()         {}
func (*Request) String() string { return "Request" }
func (*Request) ProtoMessage()  {}

type Response struct {
	RequestId    string            `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32             `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string            `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Leader       uint64            `protobuf:"varint,4,opt,name=leader,proto3"`
	Command      *CommandResponse  `protobuf:"bytes,5,opt,name=command,proto3"`
	Records      *RecordsResponse  `protobuf:"bytes,6,opt,name=records,proto3"`
	Topology     *TopologyResponse `protobuf:"bytes,7,opt,name=topology,proto3"`
	Pong         *PongResponse     `protobuf:"bytes,8,opt,name=pong,proto3"`
	Health       *HealthResponse   `protobuf:"bytes,9,opt,name=health,proto3"`
}

func (*Response) Reset()         {}
func (*Response) String() string { return "Response" }
func (*Response) ProtoMessage()  {}

// CommandRequest carries one command. Partition 0 routes by PartitionKey.
type CommandRequest struct {
	Partition    uint32 `protobuf:"varint,1,opt,name=partition,proto3"`
	PartitionKey string `protobuf:"bytes,2,opt,name=partition_key,json=partitionKey,proto3"`
	Key          int64  `protobuf:"varint,3,opt,name=key,proto3"`
	ValueType    uint32 `protobuf:"varint,4,opt,name=value_type,json=valueType,proto3"`
	Intent       uint32 `protobuf:"varint,5,opt,name=intent,proto3"`
	Value        []byte `protobuf:"bytes,6,opt,name=value,proto3"`
}

func (*CommandRequest) Reset()         {}
func (*CommandRequest) String() string { return "CommandRequest" }
func (*CommandRequest) ProtoMessage()  {}

type CommandResponse struct {
	Partition       uint32           `protobuf:"varint,1,opt,name=partition,proto3"`
	Position        int64            `protobuf:"varint,2,opt,name=position,proto3"`
	Key             int64            `protobuf:"varint,3,opt,name=key,proto3"`
	Rejected        bool             `protobuf:"varint,4,opt,name=rejected,proto3"`
	RejectionType   uint32           `protobuf:"varint,5,opt,name=rejection_type,json=rejectionType,proto3"`
	RejectionReason string           `protobuf:"bytes,6,opt,name=rejection_reason,json=rejectionReason,proto3"`
	Records         []*RecordMessage `protobuf:"bytes,7,rep,name=records,proto3"`
}

func (*CommandResponse) Reset()         {}
func (*CommandResponse) String() string { return "CommandResponse" }
func (*CommandResponse) ProtoMessage()  {}

type RecordMessage struct {
	Position             int64  `protobuf:"varint,1,opt,name=position,proto3"`
	SourceRecordPosition int64  `protobuf:"varint,2,opt,name=source_record_position,json=sourceRecordPosition,proto3"`
	Key                  int64  `protobuf:"varint,3,opt,name=key,proto3"`
	Timestamp            int64  `protobuf:"varint,4,opt,name=timestamp,proto3"`
	RecordType           uint32 `protobuf:"varint,5,opt,name=record_type,json=recordType,proto3"`
	ValueType            uint32 `protobuf:"varint,6,opt,name=value_type,json=valueType,proto3"`
	Intent               uint32 `protobuf:"varint,7,opt,name=intent,proto3"`
	RejectionType        uint32 `protobuf:"varint,8,opt,name=rejection_type,json=rejectionType,proto3"`
	RejectionReason      string `protobuf:"bytes,9,opt,name=rejection_reason,json=rejectionReason,proto3"`
	Value                []byte `protobuf:"bytes,10,opt,name=value,proto3"`
}

func (*RecordMessage) Reset()         {}
func (*RecordMessage) String() string { return "RecordMessage" }
func (*RecordMessage) ProtoMessage()  {}

// ReadRequest reads committed records. FromPosition <= 0 starts at the
// oldest retained record.
type ReadRequest struct {
	Partition    uint32 `protobuf:"varint,1,opt,name=partition,proto3"`
	FromPosition int64  `protobuf:"varint,2,opt,name=from_position,json=fromPosition,proto3"`
	MaxRecords   uint32 `protobuf:"varint,3,opt,name=max_records,json=maxRecords,proto3"`
}

func (*ReadRequest) Reset()         {}
func (*ReadRequest) String() string { return "ReadRequest" }
func (*ReadRequest) ProtoMessage()  {}

type RecordsResponse struct {
	Records []*RecordMessage `protobuf:"bytes,1,rep,name=records,proto3"`
}

func (*RecordsResponse) Reset()         {}
func (*RecordsResponse) String() string { return "RecordsResponse" }
func (*RecordsResponse) ProtoMessage()  {}

type PartitionInfo struct {
	Partition uint32 `protobuf:"varint,1,opt,name=partition,proto3"`
	Leader    uint64 `protobuf:"varint,2,opt,name=leader,proto3"`
	Term      uint64 `protobuf:"varint,3,opt,name=term,proto3"`
}

func (*PartitionInfo) Reset()         {}
func (*PartitionInfo) String() string { return "PartitionInfo" }
func (*PartitionInfo) ProtoMessage()  {}

type TopologyResponse struct {
	PartitionCount uint32           `protobuf:"varint,1,opt,name=partition_count,json=partitionCount,proto3"`
	Partitions     []*PartitionInfo `protobuf:"bytes,2,rep,name=partitions,proto3"`
}

func (*TopologyResponse) Reset()         {}
func (*TopologyResponse) String() string { return "TopologyResponse" }
func (*TopologyResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type PartitionHealth struct {
	Partition     uint32 `protobuf:"varint,1,opt,name=partition,proto3"`
	Role          string `protobuf:"bytes,2,opt,name=role,proto3"`
	Term          uint64 `protobuf:"varint,3,opt,name=term,proto3"`
	Leader        uint64 `protobuf:"varint,4,opt,name=leader,proto3"`
	Commit        uint64 `protobuf:"varint,5,opt,name=commit,proto3"`
	Phase         string `protobuf:"bytes,6,opt,name=phase,proto3"`
	LastProcessed int64  `protobuf:"varint,7,opt,name=last_processed,json=lastProcessed,proto3"`
	Healthy       bool   `protobuf:"varint,8,opt,name=healthy,proto3"`
	Error         string `protobuf:"bytes,9,opt,name=error,proto3"`
}

func (*PartitionHealth) Reset()         {}
func (*PartitionHealth) String() string { return "PartitionHealth" }
func (*PartitionHealth) ProtoMessage()  {}

type HealthResponse struct {
	Ok         bool               `protobuf:"varint,1,opt,name=ok,proto3"`
	Message    string             `protobuf:"bytes,2,opt,name=message,proto3"`
	Partitions []*PartitionHealth `protobuf:"bytes,3,rep,name=partitions,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*Request, error) {
	var req Request
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*Response, error) {
	var res Response
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	switch Operation(req.Operation) {
	case OperationUnknown:
		return fmt.Errorf("operation is required")
	case OperationSubmitCommand, OperationExecuteCommand:
		c := req.Command
		if c == nil {
			return fmt.Errorf("command is required")
		}
		if c.Partition == 0 && c.PartitionKey == "" && c.Key <= 0 {
			return fmt.Errorf("command needs a partition, a partition key or an entity key")
		}
		if c.ValueType > 0xFFFF || c.Intent > 0xFF {
			return fmt.Errorf("value type or intent out of range")
		}
		if len(c.Value) > 0 && !protocol.IsValidPayload(c.Value) {
			return fmt.Errorf("command value is not a valid msgpack document")
		}
	case OperationReadRecords:
		if req.Read == nil || req.Read.Partition == 0 {
			return fmt.Errorf("read needs a partition")
		}
	}
	return nil
}

// record converts the request into a log command.
func (c *CommandRequest) record() protocol.Record {
	value := c.Value
	if len(value) == 0 {
		value = protocol.NilPayload
	}
	cmd := protocol.NewCommand(protocol.ValueType(c.ValueType), protocol.Intent(c.Intent), value)
	cmd.Key = c.Key
	if cmd.Key == 0 {
		cmd.Key = protocol.NoKey
	}
	return cmd
}

func recordMessage(r protocol.Record) *RecordMessage {
	return &RecordMessage{
		Position:             r.Position,
		SourceRecordPosition: r.SourceRecordPosition,
		Key:                  r.Key,
		Timestamp:            r.Timestamp,
		RecordType:           uint32(r.RecordType),
		ValueType:            uint32(r.ValueType),
		Intent:               uint32(r.Intent),
		RejectionType:        uint32(r.RejectionType),
		RejectionReason:      r.RejectionReason,
		Value:                r.Value,
	}
}

func recordMessages(records []protocol.Record) []*RecordMessage {
	out := make([]*RecordMessage, 0, len(records))
	for _, r := range records {
		out = append(out, recordMessage(r))
	}
	return out
}
