package broker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"

	"conduit/internal/engine"
	"conduit/internal/exporter"
	"conduit/internal/hashroute"
	"conduit/internal/journal"
	"conduit/internal/logstream"
	"conduit/internal/processing/job"
	"conduit/internal/protocol"
	"conduit/internal/raft"
	"conduit/internal/snapshot"
	"conduit/internal/state"
)

type outcome struct {
	resp Response
	err  error
}

// Partition is one replica of a partition hosted by this node.
type Partition struct {
	b      *Broker
	id     protocol.PartitionID
	logger *zap.Logger

	journal   *journal.Journal
	node      *raft.Node
	stream    *logstream.LogStream
	snapshots *snapshot.Store
	tracker   *exporter.PositionTracker
	director  *exporter.Director
	registry  *engine.Registry

	kick    chan struct{}
	restore atomic.Bool

	// mu guards the processor and the state it drives.
	mu         sync.Mutex
	state      *state.Store
	proc       *engine.Processor
	procMode   engine.Mode
	procTerm   uint64
	stopLeader context.CancelFunc

	// waitMu is held across TryAppend and waiter registration so that a
	// command cannot be processed before its waiter exists.
	waitMu  sync.Mutex
	waiters map[int64]chan outcome

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func openPartition(b *Broker, id protocol.PartitionID) (*Partition, error) {
	cfg := b.cfg
	dir := filepath.Join(cfg.DataDir, fmt.Sprintf("partition-%d", id))
	logger := b.logger.With(zap.Uint16("partition", uint16(id)))

	j, err := journal.Open(journal.Config{
		Dir:               filepath.Join(dir, "journal"),
		MaxSegmentSize:    cfg.SegmentSize,
		MaxSegmentEntries: cfg.SegmentEntries,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	p := &Partition{
		b:       b,
		id:      id,
		logger:  logger,
		journal: j,
		tracker: exporter.NewPositionTracker(),
		kick:    make(chan struct{}, 1),
		waiters: map[int64]chan outcome{},
	}
	fail := func(err error) (*Partition, error) {
		_ = j.Close()
		return nil, err
	}
	meta, err := raft.NewMetaStore(filepath.Join(dir, "raft"))
	if err != nil {
		return fail(err)
	}
	if p.snapshots, err = snapshot.Open(filepath.Join(dir, "snapshots"), logger); err != nil {
		return fail(err)
	}
	if p.state, err = p.loadState(); err != nil {
		return fail(err)
	}

	p.node, err = raft.NewNode(raft.NodeConfig{
		Partition:    id,
		TickInterval: cfg.Raft.TickInterval,
		Transport:    cfg.Transport,
		Raft: raft.Config{
			ID:              cfg.NodeID,
			Peers:           cfg.Members,
			ElectionTicks:   cfg.Raft.ElectionTicks,
			HeartbeatTicks:  cfg.Raft.HeartbeatTicks,
			MaxSizePerMsg:   cfg.Raft.MaxSizePerMsg,
			MaxInflightMsgs: cfg.Raft.MaxInflightMsgs,
			CheckQuorum:     cfg.Raft.CheckQuorum,
			Log:             j,
			Meta:            meta,
			Snapshots:       p.snapshots,
			Logger:          logger,
		},
		OnRoleChange:        p.onRoleChange,
		OnSnapshotInstalled: p.onSnapshotInstalled,
	})
	if err != nil {
		return fail(err)
	}
	p.stream = logstream.New(logstream.Config{
		Partition:          id,
		MaxInflightEntries: cfg.MaxInflightEntries,
		Clock:              cfg.Clock,
		Logger:             logger,
	}, j, p.node)
	p.stream.RaisePositionFloor(p.state.LastProcessedPosition())
	p.director = exporter.NewDirector(exporter.DirectorConfig{
		Partition: id,
		Stream:    p.stream,
		Exporters: cfg.Exporters,
		Tracker:   p.tracker,
		Clock:     cfg.Clock,
		Logger:    logger,
	})

	p.registry = engine.NewRegistry()
	job.Register(p.registry, job.Options{Notifier: cfg.JobNotifier})
	if cfg.Handlers != nil {
		cfg.Handlers(p.registry)
	}
	return p, nil
}

// loadState builds a state store from the newest snapshot, or an empty one.
func (p *Partition) loadState() (*state.Store, error) {
	st := state.New(p.id)
	meta, data, err := p.snapshots.Latest()
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
		return st, nil
	case err != nil:
		return nil, err
	}
	if err := st.Restore(data); err != nil {
		return nil, fmt.Errorf("restore snapshot %s: %w", meta.ID(), err)
	}
	p.logger.Info("state restored from snapshot",
		zap.String("snapshot", meta.ID()),
		zap.Int64("last_processed", meta.LastProcessedPosition))
	return st, nil
}

func (p *Partition) ID() protocol.PartitionID { return p.id }
func (p *Partition) Stream() *logstream.LogStream { return p.stream }
func (p *Partition) Node() *raft.Node { return p.node }
func (p *Partition) Snapshots() *snapshot.Store { return p.snapshots }
func (p *Partition) Tracker() *exporter.PositionTracker { return p.tracker }
func (p *Partition) Journal() *journal.Journal { return p.journal }

// State returns the store the current processor mutates. It is replaced
// when a snapshot from the leader is installed.
func (p *Partition) State() *state.Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Partition) Processor() *engine.Processor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proc
}

func (p *Partition) signal() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Partition) onRoleChange(rc raft.RoleChange) {
	p.b.router.Observe(hashroute.PartitionRoute{Partition: rc.Partition, Leader: rc.Leader, Term: rc.Term})
	p.logger.Info("role changed",
		zap.Stringer("role", rc.Role),
		zap.Uint64("term", rc.Term),
		zap.Uint64("leader", rc.Leader))
	p.signal()
}

func (p *Partition) onSnapshotInstalled(meta raftpb.SnapshotMetadata) {
	p.logger.Info("snapshot installed from leader", zap.Uint64("index", meta.Index), zap.Uint64("term", meta.Term))
	p.restore.Store(true)
	p.signal()
}

func (p *Partition) start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	p.b.cfg.Mux.Register(p.node)
	p.node.Start()
	p.director.Start(ctx)
	p.wg.Add(2)
	go p.control(ctx)
	go p.snapshotLoop(ctx)
	p.signal()
}

func (p *Partition) close() error {
	if p.started {
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		p.stopProcessorLocked()
		p.mu.Unlock()
		p.director.Stop()
		p.b.cfg.Mux.Unregister(p.id)
		p.node.Stop()
	}
	p.failWaiters(ErrStopped)
	return p.journal.Close()
}

// control keeps the processor in step with the raft role: processing while
// this node leads the current term, replaying otherwise.
func (p *Partition) control(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.node.Done():
			p.mu.Lock()
			p.stopProcessorLocked()
			p.mu.Unlock()
			p.failWaiters(raft.ErrStopped)
			return
		case <-p.kick:
			p.reconcile(ctx)
		}
	}
}

func (p *Partition) reconcile(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.restore.Swap(false) {
		p.stopProcessorLocked()
		st, err := p.loadState()
		if err != nil {
			p.logger.Error("reload state after snapshot install", zap.Error(err))
			return
		}
		p.state = st
	}

	status := p.node.Status()
	mode := engine.ModeReplay
	if status.Role == raft.Leader {
		mode = engine.ModeProcessing
	}
	if p.proc != nil {
		select {
		case <-p.proc.Done():
			if p.proc.Phase() == engine.PhaseFailed {
				return
			}
			if errors.Is(p.proc.Err(), logstream.ErrCompacted) {
				st, err := p.loadState()
				if err != nil {
					p.logger.Error("reload state after compaction", zap.Error(err))
					return
				}
				p.state = st
			}
		default:
			if p.procMode == mode && (mode == engine.ModeReplay || p.procTerm == status.Term) {
				return
			}
		}
	}
	if p.procMode == engine.ModeProcessing && mode != engine.ModeProcessing {
		p.failWaiters(&NotLeaderError{Partition: p.id, Leader: status.Lead})
	}
	p.stopProcessorLocked()
	p.startProcessorLocked(ctx, mode, status.Term)
}

func (p *Partition) startProcessorLocked(ctx context.Context, mode engine.Mode, term uint64) {
	cfg := p.b.cfg
	// a restored state may cover positions the journal no longer holds
	p.stream.RaisePositionFloor(p.state.LastProcessedPosition())
	proc, err := engine.NewProcessor(engine.Config{
		Partition:          p.id,
		Stream:             p.stream,
		State:              p.state,
		Registry:           p.registry,
		Mode:               mode,
		Clock:              cfg.Clock,
		Logger:             p.logger,
		SideEffectAttempts: cfg.Processor.SideEffectAttempts,
		SideEffectInterval: cfg.Processor.SideEffectInterval,
		SideEffectBackoff:  cfg.Processor.SideEffectBackoff,
		OnProcessed:        p.onProcessed,
		OnFailed: func(err error) {
			p.failWaiters(err)
		},
	})
	if err != nil {
		p.logger.Error("create processor", zap.Error(err))
		return
	}
	p.proc, p.procMode, p.procTerm = proc, mode, term
	proc.Start(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-proc.Done():
			p.signal()
		case <-ctx.Done():
		}
	}()

	if mode == engine.ModeProcessing {
		leaderCtx, cancel := context.WithCancel(ctx)
		p.stopLeader = cancel
		checker := &job.TimeoutChecker{
			State:    p.state,
			Interval: cfg.JobTimeoutInterval,
			Clock:    cfg.Clock,
			Logger:   p.logger,
			Submit: func(ctx context.Context, cmd protocol.Record) error {
				_, err := p.submit(ctx, cmd)
				return err
			},
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			_ = checker.Run(leaderCtx)
		}()
	}
	p.logger.Info("processor started", zap.Bool("leader", mode == engine.ModeProcessing), zap.Uint64("term", term))
}

func (p *Partition) stopProcessorLocked() {
	if p.stopLeader != nil {
		p.stopLeader()
		p.stopLeader = nil
	}
	if p.proc != nil {
		p.proc.Stop()
		p.proc = nil
	}
}

func (p *Partition) onProcessed(pc engine.ProcessedCommand) {
	resp := Response{
		Partition: p.id,
		Position:  pc.Command.Position,
		Key:       pc.Command.Key,
		Records:   pc.Records,
		Rejected:  pc.Rejected,
	}
	for _, r := range pc.Records {
		if r.IsRejection() {
			resp.Rejection, resp.Reason = r.RejectionType, r.RejectionReason
			break
		}
		if r.IsEvent() && r.Key != protocol.NoKey {
			resp.Key = r.Key
			break
		}
	}
	p.waitMu.Lock()
	ch, ok := p.waiters[pc.Command.Position]
	if ok {
		delete(p.waiters, pc.Command.Position)
	}
	p.waitMu.Unlock()
	if ok {
		ch <- outcome{resp: resp}
	}
}

func (p *Partition) failWaiters(err error) {
	p.waitMu.Lock()
	waiters := p.waiters
	p.waiters = map[int64]chan outcome{}
	p.waitMu.Unlock()
	for _, ch := range waiters {
		ch <- outcome{err: err}
	}
}

func (p *Partition) notLeader() error {
	return &NotLeaderError{Partition: p.id, Leader: p.node.Leader()}
}

func (p *Partition) submit(ctx context.Context, cmd protocol.Record) (logstream.AppendResult, error) {
	if !p.node.IsLeader() {
		return logstream.AppendResult{}, p.notLeader()
	}
	res, err := p.stream.Writer().TryAppend(ctx, []protocol.Record{cmd})
	if err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return res, p.notLeader()
		}
		return res, err
	}
	if err := p.stream.WaitCommitted(ctx, res.Index); err != nil {
		return res, err
	}
	return res, nil
}

func (p *Partition) execute(ctx context.Context, cmd protocol.Record) (Response, error) {
	if !p.node.IsLeader() {
		return Response{}, p.notLeader()
	}
	ch := make(chan outcome, 1)
	p.waitMu.Lock()
	res, err := p.stream.Writer().TryAppend(ctx, []protocol.Record{cmd})
	if err != nil {
		p.waitMu.Unlock()
		if errors.Is(err, raft.ErrNotLeader) {
			return Response{}, p.notLeader()
		}
		return Response{}, err
	}
	p.waiters[res.Lowest] = ch
	p.waitMu.Unlock()

	select {
	case out := <-ch:
		return out.resp, out.err
	case <-ctx.Done():
		p.waitMu.Lock()
		delete(p.waiters, res.Lowest)
		p.waitMu.Unlock()
		return Response{}, ctx.Err()
	}
}

func (p *Partition) readRecords(from int64, max int) ([]protocol.Record, error) {
	r := p.stream.NewReader()
	if from == protocol.NoPosition {
		r.SeekToFirst()
	} else if err := r.SeekPosition(from); err != nil {
		return nil, err
	}
	var out []protocol.Record
	for max <= 0 || len(out) < max {
		rec, err := r.Next()
		if errors.Is(err, logstream.ErrEndOfLog) {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec.Record)
	}
	return out, nil
}

func (p *Partition) health() PartitionHealth {
	status := p.node.Status()
	h := PartitionHealth{
		Partition:     p.id,
		Role:          status.Role,
		Term:          status.Term,
		Leader:        status.Lead,
		Commit:        status.Commit,
		LastProcessed: p.State().LastProcessedPosition(),
		Healthy:       true,
	}
	if proc := p.Processor(); proc != nil {
		h.Phase = proc.Phase()
		if h.Phase == engine.PhaseFailed {
			h.Healthy = false
			if err := proc.Err(); err != nil {
				h.Err = err.Error()
			}
		}
	}
	select {
	case <-p.node.Done():
		h.Healthy = false
		h.Err = "raft node stopped"
	default:
	}
	return h
}
