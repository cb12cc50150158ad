// Package raft replicates a partition's journal with etcd's raft state
// machine.
//
// A replica drives an etcd RawNode over a journal backed raft.Storage.
// Every Ready is persisted (snapshot, entries, hard state) before its
// messages are released. Node wraps a replica with timers and a transport.
package raft

import (
	"errors"
	"fmt"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"

	"conduit/internal/journal"
)

var (
	ErrNotLeader           = errors.New("partition leader required")
	ErrCompacted           = etcdraft.ErrCompacted
	ErrUnavailable         = etcdraft.ErrUnavailable
	ErrSnapshotUnavailable = errors.New("no snapshot available")
	ErrStopped             = errors.New("raft node stopped")
)

// None is the placeholder node id of "no leader" and "no vote".
const None uint64 = etcdraft.None

type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

func roleOf(st etcdraft.StateType) Role {
	switch st {
	case etcdraft.StateLeader:
		return Leader
	case etcdraft.StateCandidate, etcdraft.StatePreCandidate:
		return Candidate
	default:
		return Follower
	}
}

// Log is the replicated log storage; *journal.Journal satisfies it.
type Log interface {
	FirstIndex() uint64
	LastIndex() uint64
	Term(index uint64) (uint64, error)
	Read(index uint64) (journal.Entry, error)
	AppendEntry(e journal.Entry) error
	Truncate(fromIndex uint64) error
	Compact(upToIndex uint64) (int, error)
	Reset(nextIndex uint64) error
	Segments() []journal.SegmentInfo
	Flush() error
}

type MetaPersister interface {
	Load() (Meta, error)
	Save(Meta) error
}

// SnapshotSource gives the leader access to the latest durable snapshot and
// lets a follower persist one received from its leader.
type SnapshotSource interface {
	LatestSnapshot() (raftpb.Snapshot, error)
	RestoreSnapshot(raftpb.Snapshot) error
}

type Config struct {
	ID    uint64
	Peers []uint64
	// ElectionTicks is the minimum election timeout; the effective timeout is
	// randomized in [ElectionTicks, 2*ElectionTicks).
	ElectionTicks   int
	HeartbeatTicks  int
	MaxSizePerMsg   uint64
	MaxInflightMsgs int
	// CheckQuorum makes a leader step down when it has not heard from a
	// quorum within an election timeout.
	CheckQuorum bool
	Log         Log
	Meta        MetaPersister
	Snapshots   SnapshotSource
	Logger      *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.ElectionTicks == 0 {
		c.ElectionTicks = 10
	}
	if c.HeartbeatTicks == 0 {
		c.HeartbeatTicks = 1
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = 1 << 20
	}
	if c.MaxInflightMsgs == 0 {
		c.MaxInflightMsgs = 256
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c Config) validate() error {
	if c.ID == None {
		return errors.New("raft node id must be non-zero")
	}
	if c.Log == nil || c.Meta == nil {
		return errors.New("raft log and meta store are required")
	}
	if c.HeartbeatTicks >= c.ElectionTicks {
		return fmt.Errorf("heartbeat ticks (%d) must be lower than election ticks (%d)", c.HeartbeatTicks, c.ElectionTicks)
	}
	if c.MaxInflightMsgs < 0 {
		return fmt.Errorf("max inflight messages must not be negative: %d", c.MaxInflightMsgs)
	}
	self := false
	for _, p := range c.Peers {
		if p == c.ID {
			self = true
		}
	}
	if !self {
		return fmt.Errorf("peers %v must include node %d", c.Peers, c.ID)
	}
	return nil
}

// QuorumSize returns the simple majority of a replica group.
func QuorumSize(replicaCount int) int {
	if replicaCount <= 0 {
		return 0
	}
	return replicaCount/2 + 1
}

type Status struct {
	ID         uint64
	Term       uint64
	Vote       uint64
	Lead       uint64
	Commit     uint64
	FirstIndex uint64
	LastIndex  uint64
	Role       Role
}

// replica is one participant of a partition's group. It is not safe for
// concurrent use; Node serializes every call on its goroutine.
type replica struct {
	id      uint64
	rn      *etcdraft.RawNode
	storage *logStorage
	lg      *zap.Logger
}

func newReplica(cfg Config) (*replica, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	lg := cfg.Logger.Named("raft").With(zap.Uint64("node", cfg.ID))
	st, err := newLogStorage(cfg, lg)
	if err != nil {
		return nil, err
	}
	rn, err := etcdraft.NewRawNode(&etcdraft.Config{
		ID:              cfg.ID,
		ElectionTick:    cfg.ElectionTicks,
		HeartbeatTick:   cfg.HeartbeatTicks,
		Storage:         st,
		Applied:         st.hs.Commit,
		MaxSizePerMsg:   cfg.MaxSizePerMsg,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		CheckQuorum:     cfg.CheckQuorum,
		PreVote:         true,
		// followers answer proposals with the leader's id instead
		DisableProposalForwarding: true,
		Logger:                    newRaftLogger(lg),
	})
	if err != nil {
		return nil, err
	}
	return &replica{id: cfg.ID, rn: rn, storage: st, lg: lg}, nil
}

func (r *replica) tick() { r.rn.Tick() }

func (r *replica) step(m raftpb.Message) error { return r.rn.Step(m) }

func (r *replica) campaign() {
	if r.rn.BasicStatus().RaftState != etcdraft.StateLeader {
		_ = r.rn.Campaign()
	}
}

// propose appends data on the leader. Every pending Ready must have been
// handled, so the new entry lands right after the persisted tail.
func (r *replica) propose(data []byte) (uint64, uint64, error) {
	st := r.rn.BasicStatus()
	if st.RaftState != etcdraft.StateLeader {
		return 0, 0, fmt.Errorf("%w: leader=%d", ErrNotLeader, st.Lead)
	}
	index := r.storage.lastIndex() + 1
	if err := r.rn.Propose(data); err != nil {
		return 0, 0, fmt.Errorf("propose entry %d: %w", index, err)
	}
	return index, st.Term, nil
}

func (r *replica) hasReady() bool { return r.rn.HasReady() }

// ready persists one Ready and returns the messages it released, plus the
// metadata of a snapshot it installed.
func (r *replica) ready() ([]raftpb.Message, *raftpb.SnapshotMetadata, error) {
	rd := r.rn.Ready()
	metaDirty := false
	if !etcdraft.IsEmptyHardState(rd.HardState) {
		r.storage.hs = rd.HardState
		metaDirty = true
	}
	var restored *raftpb.SnapshotMetadata
	if !etcdraft.IsEmptySnap(rd.Snapshot) {
		if err := r.storage.applySnapshot(rd.Snapshot); err != nil {
			return nil, nil, err
		}
		meta := rd.Snapshot.Metadata
		restored = &meta
		metaDirty = false
	}
	if len(rd.Entries) > 0 {
		if err := r.storage.append(rd.Entries); err != nil {
			return nil, nil, err
		}
		if err := r.storage.log.Flush(); err != nil {
			return nil, nil, fmt.Errorf("flush journal: %w", err)
		}
	}
	if metaDirty {
		if err := r.storage.saveMeta(); err != nil {
			return nil, nil, err
		}
	}
	if rd.SoftState != nil {
		r.lg.Debug("raft state changed", zap.Stringer("state", rd.SoftState.RaftState),
			zap.Uint64("leader", rd.SoftState.Lead), zap.Uint64("term", r.storage.hs.Term))
	}
	r.rn.Advance(rd)
	return rd.Messages, restored, nil
}

// sent reports the outcome of handing m to the transport.
func (r *replica) sent(m raftpb.Message, err error) {
	if err != nil {
		r.rn.ReportUnreachable(m.To)
	}
	if m.Type == raftpb.MsgSnap {
		status := etcdraft.SnapshotFinish
		if err != nil {
			status = etcdraft.SnapshotFailure
		}
		r.rn.ReportSnapshot(m.To, status)
	}
}

// compact drops journal segments at or below upTo, never past what the
// state machine applied.
func (r *replica) compact(upTo uint64) (int, error) {
	return r.storage.compact(min(upTo, r.rn.BasicStatus().Applied))
}

func (r *replica) termAt(index uint64) (uint64, error) { return r.storage.Term(index) }

func (r *replica) status() Status {
	st := r.rn.BasicStatus()
	return Status{
		ID:         st.ID,
		Term:       st.Term,
		Vote:       st.Vote,
		Lead:       st.Lead,
		Commit:     st.Commit,
		FirstIndex: r.storage.firstIndex(),
		LastIndex:  r.storage.lastIndex(),
		Role:       roleOf(st.RaftState),
	}
}
