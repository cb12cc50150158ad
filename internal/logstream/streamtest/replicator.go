// Package streamtest provides an in-process replicator for tests that need
// a log stream without running raft.
package streamtest

import (
	"context"
	"sync"

	"conduit/internal/journal"
	"conduit/internal/raft"
)

// Replicator appends proposals straight into a journal. With AutoCommit set
// every proposal commits immediately; otherwise Commit advances the commit
// index.
type Replicator struct {
	log        *journal.Journal
	AutoCommit bool

	mu     sync.Mutex
	term   uint64
	leader bool
	commit uint64
	notify chan struct{}
}

func NewReplicator(log *journal.Journal, autoCommit bool) *Replicator {
	return &Replicator{
		log:        log,
		AutoCommit: autoCommit,
		term:       1,
		leader:     true,
		commit:     log.LastIndex(),
		notify:     make(chan struct{}),
	}
}

func (r *Replicator) Propose(_ context.Context, data []byte) (uint64, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.leader {
		return 0, 0, raft.ErrNotLeader
	}
	idx, err := r.log.Append(r.term, journal.EntryNormal, data)
	if err != nil {
		return 0, 0, err
	}
	if r.AutoCommit {
		r.commitLocked(idx)
	}
	return idx, r.term, nil
}

func (r *Replicator) Status() raft.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	role := raft.Follower
	if r.leader {
		role = raft.Leader
	}
	return raft.Status{ID: 1, Term: r.term, Role: role, Commit: r.commit,
		FirstIndex: r.log.FirstIndex(), LastIndex: r.log.LastIndex()}
}

func (r *Replicator) CommitIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commit
}

func (r *Replicator) CommitNotify() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notify
}

func (r *Replicator) WaitCommitted(ctx context.Context, index uint64) error {
	for {
		ch := r.CommitNotify()
		if r.CommitIndex() >= index {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Replicator) commitLocked(index uint64) {
	if index <= r.commit {
		return
	}
	r.commit = index
	close(r.notify)
	r.notify = make(chan struct{})
}

// Commit commits everything appended so far.
func (r *Replicator) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitLocked(r.log.LastIndex())
}

// SetLeader flips leadership. Losing leadership makes proposals fail with
// raft.ErrNotLeader.
func (r *Replicator) SetLeader(leader bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leader = leader
}

// NewTerm simulates an election won by this replica: the term advances and
// a no-op entry is appended.
func (r *Replicator) NewTerm() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.term++
	idx, err := r.log.Append(r.term, journal.EntryNoop, nil)
	if err != nil {
		return err
	}
	if r.AutoCommit {
		r.commitLocked(idx)
	}
	return nil
}
