package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"

	"conduit/internal/protocol"
)

type RoleChange struct {
	Partition protocol.PartitionID
	Role      Role
	Term      uint64
	Leader    uint64
}

type NodeConfig struct {
	Partition    protocol.PartitionID
	Raft         Config
	TickInterval time.Duration
	Transport    Transport
	// OnRoleChange and OnSnapshotInstalled run on the node goroutine and must
	// not block.
	OnRoleChange        func(RoleChange)
	OnSnapshotInstalled func(raftpb.SnapshotMetadata)
}

type proposal struct {
	data   []byte
	result chan proposeResult
}

type proposeResult struct {
	index, term uint64
	err         error
}

// Node runs one partition's replica on its own goroutine, in the shape of a
// RawNode loop: tick, step or propose, then persist and send every Ready.
type Node struct {
	cfg       NodeConfig
	partition protocol.PartitionID
	r         *replica
	transport Transport
	lg        *zap.Logger

	recvc chan raftpb.Message
	propc chan proposal
	reqc  chan func(*replica)
	stopc chan struct{}
	donec chan struct{}
	once  sync.Once

	mu       sync.RWMutex
	status   Status
	commitCh chan struct{}
	err      error
}

func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.Transport == nil {
		return nil, errors.New("raft transport is required")
	}
	if cfg.Raft.Logger == nil {
		cfg.Raft.Logger = zap.NewNop()
	}
	cfg.Raft.Logger = cfg.Raft.Logger.With(zap.Uint16("partition", uint16(cfg.Partition)))
	r, err := newReplica(cfg.Raft)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:       cfg,
		partition: cfg.Partition,
		r:         r,
		transport: cfg.Transport,
		lg:        r.lg,
		recvc:     make(chan raftpb.Message, 1024),
		propc:     make(chan proposal),
		reqc:      make(chan func(*replica)),
		stopc:     make(chan struct{}),
		donec:     make(chan struct{}),
		status:    r.status(),
		commitCh:  make(chan struct{}),
	}
	return n, nil
}

func (n *Node) Start() { go n.run() }

func (n *Node) Stop() {
	n.once.Do(func() { close(n.stopc) })
	<-n.donec
}

func (n *Node) Partition() protocol.PartitionID { return n.partition }

// Deliver hands an inbound message to the node. Messages are dropped when the
// inbox is full; the protocol recovers through retries.
func (n *Node) Deliver(m raftpb.Message) {
	select {
	case n.recvc <- m:
	default:
		n.lg.Debug("dropping inbound message: inbox full", zap.Stringer("type", m.Type), zap.Uint64("from", m.From))
	}
}

func (n *Node) run() {
	defer close(n.donec)
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	prev := n.r.status()
	var pending []proposal
	var pendingRes []proposeResult
	for {
		select {
		case <-n.stopc:
			return
		case <-ticker.C:
			n.r.tick()
		case m := <-n.recvc:
			if err := n.r.step(m); err != nil {
				n.lg.Debug("step failed", zap.Stringer("type", m.Type), zap.Uint64("from", m.From), zap.Error(err))
			}
		case p := <-n.propc:
			idx, term, perr := n.r.propose(p.data)
			pending = append(pending, p)
			pendingRes = append(pendingRes, proposeResult{index: idx, term: term, err: perr})
		case req := <-n.reqc:
			req(n.r)
		}
		restored, err := n.drain()
		if err != nil {
			n.fail(err, pending)
			return
		}
		for i, p := range pending {
			p.result <- pendingRes[i]
		}
		pending, pendingRes = pending[:0], pendingRes[:0]
		prev = n.publish(prev, restored)
	}
}

// drain persists every pending Ready and sends its messages.
func (n *Node) drain() ([]raftpb.SnapshotMetadata, error) {
	var restored []raftpb.SnapshotMetadata
	for n.r.hasReady() {
		msgs, meta, err := n.r.ready()
		if err != nil {
			return restored, err
		}
		if meta != nil {
			restored = append(restored, *meta)
		}
		for _, m := range msgs {
			err := n.transport.Send(n.partition, m)
			if err != nil {
				n.lg.Debug("send failed", zap.Uint64("to", m.To), zap.Stringer("type", m.Type), zap.Error(err))
			}
			n.r.sent(m, err)
		}
	}
	return restored, nil
}

func (n *Node) publish(prev Status, restored []raftpb.SnapshotMetadata) Status {
	cur := n.r.status()
	n.mu.Lock()
	n.status = cur
	if cur.Commit > prev.Commit {
		close(n.commitCh)
		n.commitCh = make(chan struct{})
	}
	n.mu.Unlock()
	if n.cfg.OnSnapshotInstalled != nil {
		for _, meta := range restored {
			n.cfg.OnSnapshotInstalled(meta)
		}
	}
	if (cur.Role != prev.Role || cur.Term != prev.Term || cur.Lead != prev.Lead) && n.cfg.OnRoleChange != nil {
		n.cfg.OnRoleChange(RoleChange{Partition: n.partition, Role: cur.Role, Term: cur.Term, Leader: cur.Lead})
	}
	return cur
}

func (n *Node) fail(err error, pending []proposal) {
	n.lg.Error("raft node failed", zap.Error(err))
	n.mu.Lock()
	n.err = err
	n.status.Role = Follower
	n.status.Lead = None
	n.mu.Unlock()
	for _, p := range pending {
		p.result <- proposeResult{err: err}
	}
	if n.cfg.OnRoleChange != nil {
		n.cfg.OnRoleChange(RoleChange{Partition: n.partition, Role: Follower, Term: n.Status().Term})
	}
}

func (n *Node) stoppedErr() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.err != nil {
		return fmt.Errorf("%w: %v", ErrStopped, n.err)
	}
	return ErrStopped
}

// Propose appends data to the replicated log. The returned index is
// committed once CommitIndex reaches it.
func (n *Node) Propose(ctx context.Context, data []byte) (uint64, uint64, error) {
	p := proposal{data: data, result: make(chan proposeResult, 1)}
	select {
	case n.propc <- p:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case <-n.donec:
		return 0, 0, n.stoppedErr()
	}
	select {
	case r := <-p.result:
		return r.index, r.term, r.err
	case <-n.donec:
		return 0, 0, n.stoppedErr()
	}
}

func (n *Node) do(ctx context.Context, fn func(*replica)) error {
	done := make(chan struct{})
	req := func(r *replica) {
		fn(r)
		close(done)
	}
	select {
	case n.reqc <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.donec:
		return n.stoppedErr()
	}
	select {
	case <-done:
		return nil
	case <-n.donec:
		return n.stoppedErr()
	}
}

// Campaign starts an election immediately.
func (n *Node) Campaign(ctx context.Context) error {
	return n.do(ctx, func(r *replica) { r.campaign() })
}

// Compact releases journal segments that end at or before upTo. Only
// committed entries are ever released.
func (n *Node) Compact(ctx context.Context, upTo uint64) (int, error) {
	var removed int
	var cerr error
	if err := n.do(ctx, func(r *replica) { removed, cerr = r.compact(upTo) }); err != nil {
		return 0, err
	}
	return removed, cerr
}

// TermAt returns the term of a retained entry, including the boundary entry.
func (n *Node) TermAt(ctx context.Context, index uint64) (uint64, error) {
	var term uint64
	var terr error
	if err := n.do(ctx, func(r *replica) { term, terr = r.termAt(index) }); err != nil {
		return 0, err
	}
	return term, terr
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

func (n *Node) IsLeader() bool { return n.Status().Role == Leader }

func (n *Node) Leader() uint64 { return n.Status().Lead }

func (n *Node) CommitIndex() uint64 { return n.Status().Commit }

// CommitNotify returns a channel that is closed the next time the commit
// index advances.
func (n *Node) CommitNotify() <-chan struct{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.commitCh
}

// WaitCommitted blocks until index is committed.
func (n *Node) WaitCommitted(ctx context.Context, index uint64) error {
	for {
		ch := n.CommitNotify()
		if n.CommitIndex() >= index {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-n.donec:
			return n.stoppedErr()
		}
	}
}

func (n *Node) Done() <-chan struct{} { return n.donec }
