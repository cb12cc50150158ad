package engine

import (
	"fmt"
	"time"

	"conduit/internal/protocol"
	"conduit/internal/state"
)

// CommandHandler turns a command into events, follow-up commands, rejections
// and side effects. Handlers must be deterministic: they may only consult
// the command, the transaction and the context clock.
type CommandHandler interface {
	Handle(pc *ProcessingContext, cmd protocol.Record) error
}

type CommandHandlerFunc func(pc *ProcessingContext, cmd protocol.Record) error

func (f CommandHandlerFunc) Handle(pc *ProcessingContext, cmd protocol.Record) error {
	return f(pc, cmd)
}

// EventApplier mutates state for one event. Appliers run both while
// processing and during replay and must produce the same state in both.
type EventApplier interface {
	Apply(txn *state.Txn, event protocol.Record) error
}

type EventApplierFunc func(txn *state.Txn, event protocol.Record) error

func (f EventApplierFunc) Apply(txn *state.Txn, event protocol.Record) error { return f(txn, event) }

type typeKey struct {
	valueType protocol.ValueType
	intent    protocol.Intent
}

// Registry is the dispatch table from (ValueType, Intent) to handlers and
// appliers. It is populated before the processor starts and read only after.
type Registry struct {
	handlers map[typeKey]CommandHandler
	appliers map[typeKey]EventApplier
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: map[typeKey]CommandHandler{},
		appliers: map[typeKey]EventApplier{},
	}
}

func (r *Registry) Handle(vt protocol.ValueType, intent protocol.Intent, h CommandHandler) {
	r.handlers[typeKey{vt, intent}] = h
}

func (r *Registry) Apply(vt protocol.ValueType, intent protocol.Intent, a EventApplier) {
	r.appliers[typeKey{vt, intent}] = a
}

func (r *Registry) handler(vt protocol.ValueType, intent protocol.Intent) (CommandHandler, bool) {
	h, ok := r.handlers[typeKey{vt, intent}]
	return h, ok
}

func (r *Registry) apply(txn *state.Txn, event protocol.Record) error {
	a, ok := r.appliers[typeKey{event.ValueType, event.Intent}]
	if !ok {
		return fmt.Errorf("no applier for event %d/%d", event.ValueType, event.Intent)
	}
	txn.ObserveKey(event.Key)
	return a.Apply(txn, event)
}

// ProcessingContext collects the output of one command. Events are applied
// to the transaction as soon as they are appended.
type ProcessingContext struct {
	txn      *state.Txn
	registry *Registry
	command  protocol.Record
	now      time.Time

	records     []protocol.Record
	sideEffects []SideEffect
	rejected    bool
}

func (pc *ProcessingContext) Txn() *state.Txn { return pc.txn }

// Now is the processing time of the current command.
func (pc *ProcessingContext) Now() time.Time { return pc.now }

func (pc *ProcessingContext) NextKey() int64 { return pc.txn.NextKey() }

func (pc *ProcessingContext) followUp(rt protocol.RecordType, key int64, vt protocol.ValueType, intent protocol.Intent, value []byte) protocol.Record {
	return protocol.Record{
		SourceRecordPosition: pc.command.Position,
		Key:                  key,
		Timestamp:            pc.now.UnixMilli(),
		RecordType:           rt,
		ValueType:            vt,
		Intent:               intent,
		Value:                value,
	}
}

// AppendEvent records an event and applies it to the transaction.
func (pc *ProcessingContext) AppendEvent(key int64, vt protocol.ValueType, intent protocol.Intent, value []byte) error {
	ev := pc.followUp(protocol.Event, key, vt, intent, value)
	if err := pc.registry.apply(pc.txn, ev); err != nil {
		return err
	}
	pc.records = append(pc.records, ev)
	return nil
}

// AppendCommand writes a follow-up command, processed once it is read back
// from the log.
func (pc *ProcessingContext) AppendCommand(key int64, vt protocol.ValueType, intent protocol.Intent, value []byte) {
	pc.records = append(pc.records, pc.followUp(protocol.Command, key, vt, intent, value))
}

// Reject answers the current command with a rejection that echoes it.
func (pc *ProcessingContext) Reject(rt protocol.RejectionType, reason string) {
	r := pc.followUp(protocol.CommandRejection, pc.command.Key, pc.command.ValueType, pc.command.Intent, pc.command.Value)
	r.RejectionType = rt
	r.RejectionReason = reason
	pc.records = append(pc.records, r)
	pc.rejected = true
}

// SideEffect schedules fn to run after the command's records are committed.
func (pc *ProcessingContext) SideEffect(fn SideEffect) {
	pc.sideEffects = append(pc.sideEffects, fn)
}
