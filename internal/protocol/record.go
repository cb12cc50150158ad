package protocol

import "fmt"

type RecordType uint8

const (
	RecordTypeNone RecordType = iota
	Command
	Event
	CommandRejection
)

func (t RecordType) String() string {
	switch t {
	case Command:
		return "COMMAND"
	case Event:
		return "EVENT"
	case CommandRejection:
		return "COMMAND_REJECTION"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// ValueType discriminates the payload schema. Values are assigned by the
// handler packages registering against the engine.
type ValueType uint16

// Intent discriminates the action within a ValueType.
type Intent uint8

type RejectionType uint8

const (
	RejectionNone RejectionType = iota
	RejectionInvalidArgument
	RejectionNotFound
	RejectionAlreadyExists
	RejectionInvalidState
	RejectionProcessingError
)

func (t RejectionType) String() string {
	switch t {
	case RejectionNone:
		return "NULL_VAL"
	case RejectionInvalidArgument:
		return "INVALID_ARGUMENT"
	case RejectionNotFound:
		return "NOT_FOUND"
	case RejectionAlreadyExists:
		return "ALREADY_EXISTS"
	case RejectionInvalidState:
		return "INVALID_STATE"
	case RejectionProcessingError:
		return "PROCESSING_ERROR"
	default:
		return fmt.Sprintf("RejectionType(%d)", uint8(t))
	}
}

const (
	NoKey      int64 = -1
	NoPosition int64 = -1
)

// Record is the logical unit stored in the log. Value holds a MsgPack
// document; a nil Value means the payload is absent.
type Record struct {
	Position             int64
	SourceRecordPosition int64
	Key                  int64
	Timestamp            int64
	RecordType           RecordType
	ValueType            ValueType
	Intent               Intent
	RejectionType        RejectionType
	RejectionReason      string
	Value                []byte
}

// NewCommand returns a command record with unset position, key and source.
func NewCommand(valueType ValueType, intent Intent, value []byte) Record {
	return Record{
		Position:             NoPosition,
		SourceRecordPosition: NoPosition,
		Key:                  NoKey,
		RecordType:           Command,
		ValueType:            valueType,
		Intent:               intent,
		Value:                value,
	}
}

func (r Record) IsCommand() bool   { return r.RecordType == Command }
func (r Record) IsEvent() bool     { return r.RecordType == Event }
func (r Record) IsRejection() bool { return r.RecordType == CommandRejection }

func (r Record) String() string {
	return fmt.Sprintf("%s[pos=%d key=%d vt=%d intent=%d src=%d]", r.RecordType, r.Position, r.Key, r.ValueType, r.Intent, r.SourceRecordPosition)
}
