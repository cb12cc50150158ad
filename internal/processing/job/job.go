// Package job is a job lifecycle built on the stream processor: jobs are
// created, activated by workers under a deadline, then completed, failed
// with retries or timed out back into the activatable pool.
package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack"

	"conduit/internal/engine"
	"conduit/internal/protocol"
	"conduit/internal/state"
)

const ValueType protocol.ValueType = 10

// Command intents.
const (
	Create   protocol.Intent = 1
	Activate protocol.Intent = 2
	Complete protocol.Intent = 3
	Fail     protocol.Intent = 4
	TimeOut  protocol.Intent = 5
)

// Event intents.
const (
	Created   protocol.Intent = 11
	Activated protocol.Intent = 12
	Completed protocol.Intent = 13
	Failed    protocol.Intent = 14
	TimedOut  protocol.Intent = 15
)

const (
	jobsCF        state.ColumnFamily = "job"
	activatableCF state.ColumnFamily = "job.activatable"
	deadlinesCF   state.ColumnFamily = "job.deadlines"
)

const (
	DefaultRetries = 3
	DefaultTimeout = 5 * time.Minute
	DefaultMaxJobs = 32
)

type State string

const (
	StateActivatable State = "ACTIVATABLE"
	StateActivated   State = "ACTIVATED"
	StateFailed      State = "FAILED"
)

type Job struct {
	Type         string                 `msgpack:"type"`
	State        State                  `msgpack:"state,omitempty"`
	Worker       string                 `msgpack:"worker,omitempty"`
	Retries      int                    `msgpack:"retries"`
	Deadline     int64                  `msgpack:"deadline,omitempty"`
	ErrorMessage string                 `msgpack:"errorMessage,omitempty"`
	Variables    map[string]interface{} `msgpack:"variables,omitempty"`
}

// ActivateRequest is the value of an Activate command.
type ActivateRequest struct {
	Type    string `msgpack:"type"`
	Worker  string `msgpack:"worker"`
	Timeout int64  `msgpack:"timeout"`
	MaxJobs int    `msgpack:"maxJobs"`
}

// FailRequest is the value of a Fail command.
type FailRequest struct {
	Retries      int    `msgpack:"retries"`
	ErrorMessage string `msgpack:"errorMessage"`
}

// CompleteRequest is the value of a Complete command.
type CompleteRequest struct {
	Variables map[string]interface{} `msgpack:"variables,omitempty"`
}

// Notifier is told about terminal job transitions after they are committed.
type Notifier interface {
	JobCompleted(ctx context.Context, key int64, job Job) error
	JobFailed(ctx context.Context, key int64, job Job) error
}

type Options struct {
	Notifier Notifier
}

// Encode marshals v with sorted map keys so replay rebuilds byte identical
// state.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).SortMapKeys(true).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Register installs the job handlers and appliers.
func Register(reg *engine.Registry, opts Options) {
	h := &handlers{notifier: opts.Notifier}
	reg.Handle(ValueType, Create, engine.CommandHandlerFunc(h.create))
	reg.Handle(ValueType, Activate, engine.CommandHandlerFunc(h.activate))
	reg.Handle(ValueType, Complete, engine.CommandHandlerFunc(h.complete))
	reg.Handle(ValueType, Fail, engine.CommandHandlerFunc(h.fail))
	reg.Handle(ValueType, TimeOut, engine.CommandHandlerFunc(h.timeOut))

	store := engine.EventApplierFunc(applyJob)
	reg.Apply(ValueType, Created, store)
	reg.Apply(ValueType, Activated, store)
	reg.Apply(ValueType, Failed, store)
	reg.Apply(ValueType, TimedOut, store)
	reg.Apply(ValueType, Completed, engine.EventApplierFunc(removeJob))
}

type handlers struct {
	notifier Notifier
}

func (h *handlers) create(pc *engine.ProcessingContext, cmd protocol.Record) error {
	var j Job
	if err := decode(cmd.Value, &j); err != nil {
		pc.Reject(protocol.RejectionInvalidArgument, err.Error())
		return nil
	}
	if j.Type == "" {
		pc.Reject(protocol.RejectionInvalidArgument, "job type must not be empty")
		return nil
	}
	if j.Retries < 0 {
		pc.Reject(protocol.RejectionInvalidArgument, fmt.Sprintf("job retries must not be negative, got %d", j.Retries))
		return nil
	}
	if j.Retries == 0 {
		j.Retries = DefaultRetries
	}
	j.State, j.Worker, j.Deadline, j.ErrorMessage = StateActivatable, "", 0, ""
	return appendJob(pc, pc.NextKey(), Created, j)
}

func (h *handlers) activate(pc *engine.ProcessingContext, cmd protocol.Record) error {
	var req ActivateRequest
	if err := decode(cmd.Value, &req); err != nil {
		pc.Reject(protocol.RejectionInvalidArgument, err.Error())
		return nil
	}
	if req.Type == "" || req.Worker == "" {
		pc.Reject(protocol.RejectionInvalidArgument, "activation needs a job type and a worker")
		return nil
	}
	timeout := time.Duration(req.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	max := req.MaxJobs
	if max <= 0 {
		max = DefaultMaxJobs
	}

	var keys []int64
	pc.Txn().ForEach(activatableCF, typePrefix(req.Type), func(k, _ []byte) bool {
		keys = append(keys, keyFromSuffix(k))
		return len(keys) < max
	})
	deadline := pc.Now().Add(timeout).UnixMilli()
	for _, key := range keys {
		j, ok, err := load(pc.Txn(), key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("activatable job %d has no record", key)
		}
		j.State, j.Worker, j.Deadline = StateActivated, req.Worker, deadline
		if err := appendJob(pc, key, Activated, j); err != nil {
			return err
		}
	}
	return nil
}

func (h *handlers) complete(pc *engine.ProcessingContext, cmd protocol.Record) error {
	j, ok := h.activated(pc, cmd)
	if !ok {
		return nil
	}
	var req CompleteRequest
	if err := decode(cmd.Value, &req); err != nil {
		pc.Reject(protocol.RejectionInvalidArgument, err.Error())
		return nil
	}
	if req.Variables != nil {
		j.Variables = req.Variables
	}
	if err := appendJob(pc, cmd.Key, Completed, j); err != nil {
		return err
	}
	if h.notifier != nil {
		key := cmd.Key
		pc.SideEffect(func(ctx context.Context) engine.Result {
			return notify(h.notifier.JobCompleted(ctx, key, j))
		})
	}
	return nil
}

func (h *handlers) fail(pc *engine.ProcessingContext, cmd protocol.Record) error {
	j, ok := h.activated(pc, cmd)
	if !ok {
		return nil
	}
	var req FailRequest
	if err := decode(cmd.Value, &req); err != nil {
		pc.Reject(protocol.RejectionInvalidArgument, err.Error())
		return nil
	}
	if req.Retries < 0 {
		pc.Reject(protocol.RejectionInvalidArgument, "job retries must not be negative")
		return nil
	}
	j.Retries, j.ErrorMessage, j.Worker, j.Deadline = req.Retries, req.ErrorMessage, "", 0
	j.State = StateActivatable
	if j.Retries == 0 {
		j.State = StateFailed
	}
	if err := appendJob(pc, cmd.Key, Failed, j); err != nil {
		return err
	}
	if j.State == StateFailed && h.notifier != nil {
		key := cmd.Key
		pc.SideEffect(func(ctx context.Context) engine.Result {
			return notify(h.notifier.JobFailed(ctx, key, j))
		})
	}
	return nil
}

func (h *handlers) timeOut(pc *engine.ProcessingContext, cmd protocol.Record) error {
	j, ok := h.activated(pc, cmd)
	if !ok {
		return nil
	}
	if j.Deadline > pc.Now().UnixMilli() {
		pc.Reject(protocol.RejectionInvalidState, fmt.Sprintf("job %d deadline has not passed", cmd.Key))
		return nil
	}
	j.State, j.Worker, j.Deadline = StateActivatable, "", 0
	return appendJob(pc, cmd.Key, TimedOut, j)
}

func (h *handlers) activated(pc *engine.ProcessingContext, cmd protocol.Record) (Job, bool) {
	j, ok, err := load(pc.Txn(), cmd.Key)
	switch {
	case err != nil:
		pc.Reject(protocol.RejectionProcessingError, err.Error())
		return Job{}, false
	case !ok:
		pc.Reject(protocol.RejectionNotFound, fmt.Sprintf("job %d does not exist", cmd.Key))
		return Job{}, false
	case j.State != StateActivated:
		pc.Reject(protocol.RejectionInvalidState, fmt.Sprintf("job %d is %s, not activated", cmd.Key, j.State))
		return Job{}, false
	}
	return j, true
}

func notify(err error) engine.Result {
	if err != nil {
		return engine.Retryable(err.Error())
	}
	return engine.Ok()
}

func appendJob(pc *engine.ProcessingContext, key int64, intent protocol.Intent, j Job) error {
	b, err := Encode(j)
	if err != nil {
		return err
	}
	return pc.AppendEvent(key, ValueType, intent, b)
}

func decode(b []byte, v interface{}) error {
	if len(b) == 0 || protocol.IsNilPayload(b) {
		return nil
	}
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode job value: %w", err)
	}
	return nil
}

type reader interface {
	Get(cf state.ColumnFamily, key []byte) ([]byte, bool)
}

func load(r reader, key int64) (Job, bool, error) {
	b, ok := r.Get(jobsCF, state.Int64Key(key))
	if !ok {
		return Job{}, false, nil
	}
	var j Job
	if err := msgpack.Unmarshal(b, &j); err != nil {
		return Job{}, false, fmt.Errorf("decode job %d: %w", key, err)
	}
	return j, true, nil
}

// Lookup reads a job from committed state.
func Lookup(s *state.Store, key int64) (Job, bool, error) { return load(s, key) }

func typePrefix(jobType string) []byte { return append([]byte(jobType), 0) }

func activatableKey(jobType string, key int64) []byte {
	return append(typePrefix(jobType), state.Int64Key(key)...)
}

func deadlineKey(deadline, key int64) []byte {
	return append(state.Int64Key(deadline), state.Int64Key(key)...)
}

func keyFromSuffix(k []byte) int64 {
	return state.DecodeInt64Key(k[len(k)-8:])
}

// unindex drops the secondary index entries of the stored job.
func unindex(txn *state.Txn, key int64) error {
	prev, ok, err := load(txn, key)
	if err != nil || !ok {
		return err
	}
	switch prev.State {
	case StateActivatable:
		txn.Delete(activatableCF, activatableKey(prev.Type, key))
	case StateActivated:
		txn.Delete(deadlinesCF, deadlineKey(prev.Deadline, key))
	}
	return nil
}

func applyJob(txn *state.Txn, ev protocol.Record) error {
	var j Job
	if err := msgpack.Unmarshal(ev.Value, &j); err != nil {
		return fmt.Errorf("decode job event %d: %w", ev.Key, err)
	}
	if err := unindex(txn, ev.Key); err != nil {
		return err
	}
	b, err := Encode(j)
	if err != nil {
		return err
	}
	txn.Put(jobsCF, state.Int64Key(ev.Key), b)
	switch j.State {
	case StateActivatable:
		txn.Put(activatableCF, activatableKey(j.Type, ev.Key), []byte{1})
	case StateActivated:
		txn.Put(deadlinesCF, deadlineKey(j.Deadline, ev.Key), []byte{1})
	case StateFailed:
	default:
		return fmt.Errorf("job %d has unknown state %q", ev.Key, j.State)
	}
	return nil
}

func removeJob(txn *state.Txn, ev protocol.Record) error {
	if err := unindex(txn, ev.Key); err != nil {
		return err
	}
	txn.Delete(jobsCF, state.Int64Key(ev.Key))
	return nil
}

var errNoSubmitter = errors.New("job: timeout checker needs a submit function")
