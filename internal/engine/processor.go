// Package engine runs the stream processor of a partition: it replays events
// to rebuild state, then turns commands into events, rejections and side
// effects in log order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"conduit/internal/clock"
	"conduit/internal/logstream"
	"conduit/internal/protocol"
	"conduit/internal/raft"
	"conduit/internal/state"
)

var ErrProcessorFailed = errors.New("stream processor failed")

type Phase int32

const (
	PhaseInitial Phase = iota
	PhaseReplay
	PhaseProcessing
	PhasePaused
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "INITIAL"
	case PhaseReplay:
		return "REPLAY"
	case PhaseProcessing:
		return "PROCESSING"
	case PhasePaused:
		return "PAUSED"
	case PhaseFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

type Mode uint8

const (
	// ModeProcessing replays up to the committed tail, then processes
	// commands. Used on the partition leader.
	ModeProcessing Mode = iota
	// ModeReplay applies events as they commit and never processes
	// commands. Used on followers.
	ModeReplay
)

// ProcessedCommand is reported after a command's records are committed and
// its transaction is applied.
type ProcessedCommand struct {
	Command  logstream.LoggedRecord
	Records  []protocol.Record
	Rejected bool
}

type Config struct {
	Partition protocol.PartitionID
	Stream    *logstream.LogStream
	State     *state.Store
	Registry  *Registry
	Mode      Mode
	Clock     clock.Clock
	Logger    *zap.Logger

	SideEffectAttempts int
	SideEffectInterval time.Duration
	SideEffectBackoff  int

	OnProcessed func(ProcessedCommand)
	OnSkipped   func(logstream.LoggedRecord)
	OnFailed    func(error)
}

type Processor struct {
	cfg    Config
	logger *zap.Logger
	retry  *retryer

	phase atomic.Int32
	wake  chan struct{}

	mu     sync.Mutex
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Stream == nil || cfg.State == nil || cfg.Registry == nil {
		return nil, errors.New("engine: stream, state and registry are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SideEffectAttempts <= 0 {
		cfg.SideEffectAttempts = 5
	}
	if cfg.SideEffectInterval <= 0 {
		cfg.SideEffectInterval = 100 * time.Millisecond
	}
	if cfg.SideEffectBackoff <= 0 {
		cfg.SideEffectBackoff = 2
	}
	logger := cfg.Logger.With(zap.Uint16("partition", uint16(cfg.Partition)))
	return &Processor{
		cfg:    cfg,
		logger: logger,
		retry: &retryer{
			attempts:     cfg.SideEffectAttempts,
			interval:     cfg.SideEffectInterval,
			backoffCoeff: cfg.SideEffectBackoff,
			clock:        cfg.Clock,
			logger:       logger,
		},
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}, nil
}

func (p *Processor) Phase() Phase { return Phase(p.phase.Load()) }

func (p *Processor) setPhase(ph Phase) {
	old := Phase(p.phase.Swap(int32(ph)))
	if old != ph {
		p.logger.Info("processor phase changed", zap.Stringer("from", old), zap.Stringer("to", ph))
	}
}

func (p *Processor) LastProcessedPosition() int64 { return p.cfg.State.LastProcessedPosition() }

// Start runs the processor until ctx is cancelled, Stop is called or
// processing ends with an error.
func (p *Processor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	go p.run(ctx)
}

func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-p.done
	}
}

func (p *Processor) Done() <-chan struct{} { return p.done }

// Err reports why the processor stopped. Failures wrap ErrProcessorFailed;
// losing leadership surfaces raft.ErrNotLeader.
func (p *Processor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Pause stops command processing between records. It only applies while
// processing.
func (p *Processor) Pause() bool {
	ok := p.phase.CompareAndSwap(int32(PhaseProcessing), int32(PhasePaused))
	if ok {
		p.logger.Info("processor paused")
	}
	return ok
}

func (p *Processor) Resume() bool {
	if !p.phase.CompareAndSwap(int32(PhasePaused), int32(PhaseProcessing)) {
		return false
	}
	p.logger.Info("processor resumed")
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// Snapshot serializes the committed state. Transactions commit atomically,
// so the result is consistent with the returned position.
func (p *Processor) Snapshot() ([]byte, int64, error) {
	if p.Phase() == PhaseFailed {
		return nil, protocol.NoPosition, ErrProcessorFailed
	}
	return p.cfg.State.Serialize()
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)
	reader := p.cfg.Stream.NewReader()
	err := p.replay(ctx, reader)
	if err == nil && p.cfg.Mode == ModeProcessing {
		p.setPhase(PhaseProcessing)
		err = p.process(ctx, reader)
	}
	p.finish(ctx, err)
}

func (p *Processor) finish(ctx context.Context, err error) {
	switch {
	case err == nil, ctx.Err() != nil && errors.Is(err, ctx.Err()):
		p.logger.Info("processor stopped", zap.Int64("last_processed", p.LastProcessedPosition()))
		return
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrStopped), errors.Is(err, logstream.ErrCompacted):
		p.logger.Info("processor stopped", zap.Error(err))
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		return
	}
	failure := fmt.Errorf("%w: %w", ErrProcessorFailed, err)
	p.setPhase(PhaseFailed)
	p.logger.Error("stream processor failed, partition halted", zap.Int64("last_processed", p.LastProcessedPosition()), zap.Error(err))
	p.mu.Lock()
	p.err = failure
	p.mu.Unlock()
	if p.cfg.OnFailed != nil {
		p.cfg.OnFailed(failure)
	}
}

func (p *Processor) replay(ctx context.Context, r *logstream.Reader) error {
	p.setPhase(PhaseReplay)
	snapshotPos := p.LastProcessedPosition()
	if snapshotPos != protocol.NoPosition {
		if err := r.SeekPosition(protocol.NextPosition(snapshotPos)); err != nil {
			return err
		}
	}
	if p.cfg.Mode == ModeProcessing {
		// entries left by earlier leaders must be committed before replay ends
		if err := p.cfg.Stream.WaitCommitted(ctx, p.cfg.Stream.LastIndex()); err != nil {
			return err
		}
	}
	started := time.Now()
	replayed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Next()
		if errors.Is(err, logstream.ErrEndOfLog) {
			if p.cfg.Mode == ModeProcessing {
				break
			}
			if err := r.Wait(ctx); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		applied, err := p.replayRecord(rec, snapshotPos)
		if err != nil {
			return fmt.Errorf("replay record at %d: %w", rec.Position, err)
		}
		if applied {
			replayed++
		}
	}
	last := p.LastProcessedPosition()
	p.logger.Info("replay completed", zap.Int("events", replayed), zap.Int64("last_processed", last),
		zap.Duration("took", time.Since(started)))
	if last == protocol.NoPosition {
		r.SeekToFirst()
		return nil
	}
	return r.SeekPosition(protocol.NextPosition(last))
}

func (p *Processor) replayRecord(rec logstream.LoggedRecord, snapshotPos int64) (bool, error) {
	if rec.IsCommand() || rec.SourceRecordPosition <= snapshotPos {
		return false, nil
	}
	txn, err := p.cfg.State.Begin()
	if err != nil {
		return false, err
	}
	if rec.IsEvent() {
		if err := p.cfg.Registry.apply(txn, rec.Record); err != nil {
			txn.Rollback()
			return false, err
		}
	}
	txn.SetLastProcessedPosition(rec.SourceRecordPosition)
	return true, txn.Commit()
}

func (p *Processor) waitResumed(ctx context.Context) error {
	for p.Phase() == PhasePaused {
		select {
		case <-p.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Processor) process(ctx context.Context, r *logstream.Reader) error {
	for {
		if err := p.waitResumed(ctx); err != nil {
			return err
		}
		rec, err := r.Next()
		if errors.Is(err, logstream.ErrEndOfLog) {
			if err := r.Wait(ctx); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if !rec.IsCommand() || rec.Position <= p.LastProcessedPosition() {
			if p.cfg.OnSkipped != nil {
				p.cfg.OnSkipped(rec)
			}
			continue
		}
		if err := p.processCommand(ctx, rec); err != nil {
			return err
		}
	}
}

func (p *Processor) processCommand(ctx context.Context, rec logstream.LoggedRecord) error {
	txn, err := p.cfg.State.Begin()
	if err != nil {
		return err
	}
	pc := &ProcessingContext{
		txn:      txn,
		registry: p.cfg.Registry,
		command:  rec.Record,
		now:      p.cfg.Clock.Now(),
	}
	if h, ok := p.cfg.Registry.handler(rec.ValueType, rec.Intent); ok {
		if err := h.Handle(pc, rec.Record); err != nil {
			txn.Rollback()
			return fmt.Errorf("handle command at %d: %w", rec.Position, err)
		}
	} else {
		pc.Reject(protocol.RejectionInvalidArgument,
			fmt.Sprintf("no handler for command of value type %d and intent %d", rec.ValueType, rec.Intent))
	}
	txn.SetLastProcessedPosition(rec.Position)

	written := pc.records
	if len(written) > 0 {
		res, err := p.cfg.Stream.Writer().Append(ctx, written)
		if err != nil {
			txn.Rollback()
			return fmt.Errorf("write follow-up records of %d: %w", rec.Position, err)
		}
		pos := res.Lowest
		for i := range written {
			written[i].Position = pos
			pos = protocol.NextPosition(pos)
		}
		if err := p.cfg.Stream.WaitCommitted(ctx, res.Index); err != nil {
			txn.Rollback()
			return err
		}
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	if p.cfg.OnProcessed != nil {
		p.cfg.OnProcessed(ProcessedCommand{Command: rec, Records: written, Rejected: pc.rejected})
	}
	for _, fn := range pc.sideEffects {
		res := p.retry.run(ctx, fn)
		if res.Kind != ResultOk {
			p.logger.Error("side effect not yet applied", zap.Int64("position", rec.Position),
				zap.Stringer("result", res.Kind), zap.String("reason", res.Reason))
		}
	}
	return nil
}
