package raft

import (
	"errors"
	"fmt"
	"sort"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"

	"conduit/internal/journal"
)

// logStorage implements etcd's raft.Storage over the journal. The boundary
// is the entry immediately preceding the first journal entry; everything up
// to it is covered by a snapshot or was compacted.
type logStorage struct {
	log   Log
	meta  MetaPersister
	snaps SnapshotSource
	peers []uint64
	lg    *zap.Logger

	hs           raftpb.HardState
	boundaryIdx  uint64
	boundaryTerm uint64
}

var _ etcdraft.Storage = (*logStorage)(nil)

func newLogStorage(cfg Config, lg *zap.Logger) (*logStorage, error) {
	m, err := cfg.Meta.Load()
	if err != nil {
		return nil, fmt.Errorf("load raft meta: %w", err)
	}
	peers := append([]uint64(nil), cfg.Peers...)
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	s := &logStorage{
		log:          cfg.Log,
		meta:         cfg.Meta,
		snaps:        cfg.Snapshots,
		peers:        peers,
		lg:           lg,
		hs:           m.HardState,
		boundaryIdx:  m.BoundaryIdx,
		boundaryTerm: m.BoundaryTerm,
	}
	if err := s.reconcileBoundary(); err != nil {
		return nil, err
	}
	if last := s.lastIndex(); s.hs.Commit > last {
		lg.Warn("persisted commit index beyond log tail, clamping", zap.Uint64("commit", s.hs.Commit), zap.Uint64("last_index", last))
		s.hs.Commit = last
	}
	if !etcdraft.IsEmptyHardState(s.hs) {
		s.hs.Commit = max(s.hs.Commit, s.boundaryIdx)
	}
	return s, nil
}

// reconcileBoundary repairs a journal left behind a snapshot install that
// crashed between persisting the boundary and resetting the journal.
func (s *logStorage) reconcileBoundary() error {
	first, last := s.log.FirstIndex(), s.log.LastIndex()
	if first > s.boundaryIdx+1 {
		return fmt.Errorf("journal starts at %d but replication boundary is %d", first, s.boundaryIdx)
	}
	if s.boundaryIdx == 0 {
		return nil
	}
	if s.boundaryIdx > last {
		return s.log.Reset(s.boundaryIdx + 1)
	}
	if s.boundaryIdx >= first {
		t, err := s.log.Term(s.boundaryIdx)
		if err != nil {
			return err
		}
		if t != s.boundaryTerm {
			return s.log.Reset(s.boundaryIdx + 1)
		}
	}
	return nil
}

func (s *logStorage) confState() raftpb.ConfState {
	return raftpb.ConfState{Voters: append([]uint64(nil), s.peers...)}
}

func (s *logStorage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	return s.hs, s.confState(), nil
}

func (s *logStorage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	if lo <= s.boundaryIdx || lo < s.log.FirstIndex() {
		return nil, etcdraft.ErrCompacted
	}
	if hi > s.lastIndex()+1 {
		return nil, etcdraft.ErrUnavailable
	}
	var (
		ents []raftpb.Entry
		size uint64
	)
	for i := lo; i < hi; i++ {
		e, err := s.log.Read(i)
		if err != nil {
			return nil, fmt.Errorf("read entry %d: %w", i, err)
		}
		we := toWireEntry(e)
		size += uint64(we.Size())
		if len(ents) > 0 && size > maxSize {
			break
		}
		ents = append(ents, we)
	}
	return ents, nil
}

func (s *logStorage) Term(i uint64) (uint64, error) {
	switch {
	case i == s.boundaryIdx:
		return s.boundaryTerm, nil
	case i < s.boundaryIdx:
		return 0, etcdraft.ErrCompacted
	case i > s.lastIndex():
		return 0, etcdraft.ErrUnavailable
	case i < s.log.FirstIndex():
		return 0, etcdraft.ErrCompacted
	}
	return s.log.Term(i)
}

func (s *logStorage) LastIndex() (uint64, error) { return s.lastIndex(), nil }

func (s *logStorage) FirstIndex() (uint64, error) { return s.firstIndex(), nil }

func (s *logStorage) firstIndex() uint64 { return s.boundaryIdx + 1 }

func (s *logStorage) lastIndex() uint64 {
	if last := s.log.LastIndex(); last > s.boundaryIdx {
		return last
	}
	return s.boundaryIdx
}

// Snapshot returns the latest durable snapshot for a follower that fell
// behind the boundary. The group's voters are stamped into its metadata.
func (s *logStorage) Snapshot() (raftpb.Snapshot, error) {
	if s.snaps == nil {
		s.lg.Warn("follower needs compacted entries but no snapshot source is configured")
		return raftpb.Snapshot{}, etcdraft.ErrSnapshotTemporarilyUnavailable
	}
	snap, err := s.snaps.LatestSnapshot()
	if err != nil {
		if !errors.Is(err, ErrSnapshotUnavailable) {
			s.lg.Warn("snapshot for lagging follower unavailable", zap.Error(err))
		}
		return raftpb.Snapshot{}, etcdraft.ErrSnapshotTemporarilyUnavailable
	}
	if snap.Metadata.Index < s.boundaryIdx {
		s.lg.Warn("latest snapshot is older than the log boundary",
			zap.Uint64("snapshot_index", snap.Metadata.Index), zap.Uint64("boundary", s.boundaryIdx))
		return raftpb.Snapshot{}, etcdraft.ErrSnapshotTemporarilyUnavailable
	}
	snap.Metadata.ConfState = s.confState()
	s.lg.Info("sending snapshot", zap.Uint64("index", snap.Metadata.Index), zap.Uint64("term", snap.Metadata.Term))
	return snap, nil
}

func (s *logStorage) saveMeta() error {
	err := s.meta.Save(Meta{HardState: s.hs, BoundaryIdx: s.boundaryIdx, BoundaryTerm: s.boundaryTerm})
	if err != nil {
		return fmt.Errorf("persist hard state: %w", err)
	}
	return nil
}

// append writes entries handed out by a Ready, replacing the conflicting
// suffix they start in.
func (s *logStorage) append(ents []raftpb.Entry) error {
	for len(ents) > 0 && ents[0].Index <= s.boundaryIdx {
		ents = ents[1:]
	}
	if len(ents) == 0 {
		return nil
	}
	if first := ents[0].Index; first <= s.log.LastIndex() {
		s.lg.Info("truncating conflicting suffix", zap.Uint64("from_index", first), zap.Uint64("term", ents[0].Term))
		if err := s.log.Truncate(first); err != nil {
			return err
		}
	}
	for _, e := range ents {
		if err := s.log.AppendEntry(fromWireEntry(e)); err != nil {
			return err
		}
	}
	return nil
}

// applySnapshot installs a snapshot received from the leader: its payload is
// made durable first, then the boundary, then the journal restarts after it.
func (s *logStorage) applySnapshot(snap raftpb.Snapshot) error {
	meta := snap.Metadata
	if s.snaps == nil {
		return errors.New("received snapshot without a snapshot store")
	}
	s.lg.Info("installing snapshot", zap.Uint64("index", meta.Index), zap.Uint64("term", meta.Term))
	if err := s.snaps.RestoreSnapshot(snap); err != nil {
		return fmt.Errorf("restore snapshot %d: %w", meta.Index, err)
	}
	s.boundaryIdx, s.boundaryTerm = meta.Index, meta.Term
	s.hs.Commit = max(s.hs.Commit, meta.Index)
	if err := s.saveMeta(); err != nil {
		return err
	}
	return s.log.Reset(meta.Index + 1)
}

// compact drops whole journal segments at or below upTo and moves the
// boundary to the last removed entry.
func (s *logStorage) compact(upTo uint64) (int, error) {
	segs := s.log.Segments()
	newFirst := s.log.FirstIndex()
	for i := 0; i < len(segs)-1 && segs[i].LastIndex <= upTo; i++ {
		newFirst = segs[i].LastIndex + 1
	}
	if newFirst <= s.log.FirstIndex() || newFirst-1 <= s.boundaryIdx {
		return 0, nil
	}
	t, err := s.Term(newFirst - 1)
	if err != nil {
		return 0, err
	}
	s.boundaryIdx, s.boundaryTerm = newFirst-1, t
	if err := s.saveMeta(); err != nil {
		return 0, err
	}
	return s.log.Compact(upTo)
}

// Entries travel as EntryNormal; an empty payload is a leader's no-op.
func toWireEntry(e journal.Entry) raftpb.Entry {
	return raftpb.Entry{Index: e.Index, Term: e.Term, Type: raftpb.EntryNormal, Data: e.Data}
}

func fromWireEntry(e raftpb.Entry) journal.Entry {
	t := journal.EntryNormal
	if len(e.Data) == 0 {
		t = journal.EntryNoop
	}
	return journal.Entry{Index: e.Index, Term: e.Term, Type: t, Data: e.Data}
}
