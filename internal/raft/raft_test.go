package raft

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap/zaptest"

	"conduit/internal/journal"
)

type harness struct {
	t        *testing.T
	ids      []uint64
	dirs     map[uint64]string
	logs     map[uint64]*journal.Journal
	replicas map[uint64]*replica
	snaps    map[uint64]*fakeSnapshots
	restored map[uint64][]raftpb.SnapshotMetadata
	tweak    func(*Config)
	cut      map[[2]uint64]bool
	queue    []raftpb.Message
	sent     []raftpb.Message
	rnd      *rand.Rand
	drop     float64
}

type fakeSnapshots struct {
	latest   *raftpb.Snapshot
	restored []raftpb.Snapshot
}

func (f *fakeSnapshots) LatestSnapshot() (raftpb.Snapshot, error) {
	if f.latest == nil {
		return raftpb.Snapshot{}, ErrSnapshotUnavailable
	}
	return *f.latest, nil
}

func (f *fakeSnapshots) RestoreSnapshot(s raftpb.Snapshot) error {
	f.restored = append(f.restored, s)
	f.latest = &s
	return nil
}

func newHarness(t *testing.T, n int, tweak ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		dirs:     map[uint64]string{},
		logs:     map[uint64]*journal.Journal{},
		replicas: map[uint64]*replica{},
		snaps:    map[uint64]*fakeSnapshots{},
		restored: map[uint64][]raftpb.SnapshotMetadata{},
		cut:      map[[2]uint64]bool{},
		rnd:      rand.New(rand.NewSource(1)),
	}
	if len(tweak) > 0 {
		h.tweak = tweak[0]
	}
	root := t.TempDir()
	for i := 1; i <= n; i++ {
		id := uint64(i)
		h.ids = append(h.ids, id)
		h.dirs[id] = filepath.Join(root, fmt.Sprintf("node-%d", id))
		h.snaps[id] = &fakeSnapshots{}
	}
	for _, id := range h.ids {
		h.open(id)
	}
	return h
}

func (h *harness) open(id uint64) {
	h.t.Helper()
	lg, err := journal.Open(journal.Config{Dir: filepath.Join(h.dirs[id], "journal"), MaxSegmentEntries: 4})
	if err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(func() { _ = lg.Close() })
	meta, err := NewMetaStore(h.dirs[id])
	if err != nil {
		h.t.Fatal(err)
	}
	cfg := Config{
		ID:             id,
		Peers:          h.ids,
		ElectionTicks:  10,
		HeartbeatTicks: 1,
		Log:            lg,
		Meta:           meta,
		Snapshots:      h.snaps[id],
		Logger:         zaptest.NewLogger(h.t),
	}
	if h.tweak != nil {
		h.tweak(&cfg)
	}
	r, err := newReplica(cfg)
	if err != nil {
		h.t.Fatal(err)
	}
	h.logs[id] = lg
	h.replicas[id] = r
}

// restart drops in-memory state and reopens the node from disk.
func (h *harness) restart(id uint64) {
	h.t.Helper()
	if err := h.logs[id].Close(); err != nil {
		h.t.Fatal(err)
	}
	h.open(id)
}

// seed writes entries of the given terms into a node's journal and
// persists term as its current term, then reopens it.
func (h *harness) seed(id, term uint64, terms ...uint64) {
	h.t.Helper()
	seedLog(h.t, h.logs[id], terms...)
	meta, err := NewMetaStore(h.dirs[id])
	if err != nil {
		h.t.Fatal(err)
	}
	if err := meta.Save(Meta{HardState: raftpb.HardState{Term: term}}); err != nil {
		h.t.Fatal(err)
	}
	h.restart(id)
}

// flush persists a node's pending Ready state and returns the messages it
// released without delivering them.
func (h *harness) flush(id uint64) []raftpb.Message {
	h.t.Helper()
	r := h.replicas[id]
	var out []raftpb.Message
	for r.hasReady() {
		msgs, meta, err := r.ready()
		if err != nil {
			h.t.Fatalf("node %d ready: %v", id, err)
		}
		if meta != nil {
			h.restored[id] = append(h.restored[id], *meta)
		}
		for _, m := range msgs {
			var err error
			if h.cut[[2]uint64{m.From, m.To}] {
				err = errors.New("partitioned")
			}
			r.sent(m, err)
		}
		out = append(out, msgs...)
	}
	return out
}

func (h *harness) collect() {
	h.t.Helper()
	for _, id := range h.ids {
		for _, m := range h.flush(id) {
			h.sent = append(h.sent, m)
			if h.cut[[2]uint64{m.From, m.To}] {
				continue
			}
			if h.drop > 0 && h.rnd.Float64() < h.drop {
				continue
			}
			h.queue = append(h.queue, m)
		}
	}
}

func (h *harness) deliver() {
	h.t.Helper()
	h.collect()
	for steps := 0; len(h.queue) > 0; steps++ {
		if steps > 100000 {
			h.t.Fatal("message exchange did not quiesce")
		}
		m := h.queue[0]
		h.queue = h.queue[1:]
		if err := h.replicas[m.To].step(m); err != nil {
			h.t.Fatalf("node %d step %s: %v", m.To, m.Type, err)
		}
		h.collect()
	}
}

func (h *harness) isolate(id uint64) {
	for _, other := range h.ids {
		if other != id {
			h.cut[[2]uint64{id, other}] = true
			h.cut[[2]uint64{other, id}] = true
		}
	}
}

func (h *harness) heal() { h.cut = map[[2]uint64]bool{} }

func (h *harness) status(id uint64) Status { return h.replicas[id].status() }

func (h *harness) elect(id uint64) {
	h.t.Helper()
	h.replicas[id].campaign()
	h.deliver()
	if st := h.status(id); st.Role != Leader {
		h.t.Fatalf("node %d failed to become leader (role=%s term=%d)", id, st.Role, st.Term)
	}
}

func (h *harness) propose(id uint64, data string) uint64 {
	h.t.Helper()
	idx, _, err := h.replicas[id].propose([]byte(data))
	if err != nil {
		h.t.Fatal(err)
	}
	h.deliver()
	return idx
}

func (h *harness) match(leader, follower uint64) uint64 {
	return h.replicas[leader].rn.Status().Progress[follower].Match
}

func (h *harness) entry(id, index uint64) journal.Entry {
	h.t.Helper()
	e, err := h.logs[id].Read(index)
	if err != nil {
		h.t.Fatalf("node %d read %d: %v", id, index, err)
	}
	return e
}

func seedLog(t *testing.T, lg *journal.Journal, terms ...uint64) {
	t.Helper()
	for i, term := range terms {
		if _, err := lg.Append(term, journal.EntryNormal, []byte(fmt.Sprintf("t%d-i%d", term, i+1))); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSingleNodeElectsItselfAndCommits(t *testing.T) {
	h := newHarness(t, 1)
	h.elect(1)
	idx := h.propose(1, "solo")
	if st := h.status(1); st.Commit != idx {
		t.Fatalf("commit=%d, want %d", st.Commit, idx)
	}
	if e := h.entry(1, idx); string(e.Data) != "solo" || e.Type != journal.EntryNormal {
		t.Fatalf("entry %+v", e)
	}
	if e := h.entry(1, 1); e.Type != journal.EntryNoop {
		t.Fatalf("leader should open its term with a no-op, got %+v", e)
	}
}

func TestElectionAndReplication(t *testing.T) {
	h := newHarness(t, 3)
	h.elect(1)
	for _, id := range []uint64{2, 3} {
		if st := h.status(id); st.Role != Follower || st.Lead != 1 {
			t.Fatalf("node %d role=%s lead=%d", id, st.Role, st.Lead)
		}
	}
	idx := h.propose(1, "hello")
	for _, id := range h.ids {
		if st := h.status(id); st.Commit != idx {
			t.Fatalf("node %d commit=%d, want %d", id, st.Commit, idx)
		}
		if e := h.entry(id, idx); string(e.Data) != "hello" {
			t.Fatalf("node %d entry %q", id, e.Data)
		}
	}
}

func TestRandomizedElectionsNeverProduceTwoLeadersPerTerm(t *testing.T) {
	h := newHarness(t, 5)
	h.drop = 0.2
	leaders := map[uint64]uint64{}
	committed := map[uint64]string{}
	for round := 0; round < 400; round++ {
		for _, id := range h.ids {
			h.replicas[id].tick()
		}
		if round%37 == 0 {
			h.heal()
			h.isolate(h.ids[h.rnd.Intn(len(h.ids))])
		}
		h.deliver()
		for _, id := range h.ids {
			st := h.status(id)
			if st.Role != Leader {
				continue
			}
			if prev, ok := leaders[st.Term]; ok && prev != id {
				t.Fatalf("term %d has two leaders: %d and %d", st.Term, prev, id)
			}
			leaders[st.Term] = id
			if round%5 == 0 {
				if _, _, err := h.replicas[id].propose([]byte(fmt.Sprintf("r%d", round))); err != nil {
					t.Fatal(err)
				}
			}
		}
		// Every committed index must hold the same entry on every node that has it.
		for _, id := range h.ids {
			lg := h.logs[id]
			for i := lg.FirstIndex(); i <= h.status(id).Commit; i++ {
				e, err := lg.Read(i)
				if err != nil {
					t.Fatal(err)
				}
				key := fmt.Sprintf("%d/%s", e.Term, e.Data)
				if prev, ok := committed[i]; ok && prev != key {
					t.Fatalf("committed index %d diverged: %s vs %s", i, prev, key)
				}
				committed[i] = key
			}
		}
	}
	if len(leaders) == 0 {
		t.Fatal("no leader was ever elected")
	}
}

func voteResponses(msgs []raftpb.Message) []raftpb.Message {
	var out []raftpb.Message
	for _, m := range msgs {
		if m.Type == raftpb.MsgVoteResp {
			out = append(out, m)
		}
	}
	return out
}

func TestVoteDeniedForStaleTermOrOutdatedLog(t *testing.T) {
	h := newHarness(t, 3)
	h.seed(1, 2, 1, 1, 2)
	r := h.replicas[1]

	// candidates of older terms are ignored and learn the term elsewhere
	_ = r.step(raftpb.Message{Type: raftpb.MsgVote, From: 2, To: 1, Term: 1, Index: 10, LogTerm: 1})
	if resp := voteResponses(h.flush(1)); len(resp) != 0 || h.status(1).Term != 2 {
		t.Fatalf("stale term vote should not be granted: %+v", resp)
	}

	_ = r.step(raftpb.Message{Type: raftpb.MsgVote, From: 2, To: 1, Term: 3, Index: 5, LogTerm: 1})
	if resp := voteResponses(h.flush(1)); len(resp) != 1 || !resp[0].Reject {
		t.Fatalf("vote for lower last-log term should be denied: %+v", resp)
	}

	_ = r.step(raftpb.Message{Type: raftpb.MsgVote, From: 2, To: 1, Term: 4, Index: 2, LogTerm: 2})
	if resp := voteResponses(h.flush(1)); len(resp) != 1 || !resp[0].Reject {
		t.Fatalf("vote for equal term but shorter log should be denied: %+v", resp)
	}

	_ = r.step(raftpb.Message{Type: raftpb.MsgVote, From: 2, To: 1, Term: 5, Index: 3, LogTerm: 2})
	if resp := voteResponses(h.flush(1)); len(resp) != 1 || resp[0].Reject {
		t.Fatalf("vote for up-to-date log should be granted: %+v", resp)
	}
	if st := h.status(1); st.Vote != 2 || st.Term != 5 {
		t.Fatalf("vote=%d term=%d", st.Vote, st.Term)
	}
}

func TestVoteGrantedOncePerTermAcrossRestart(t *testing.T) {
	h := newHarness(t, 3)
	_ = h.replicas[1].step(raftpb.Message{Type: raftpb.MsgVote, From: 2, To: 1, Term: 1})
	if resp := voteResponses(h.flush(1)); len(resp) != 1 || resp[0].Reject {
		t.Fatalf("first vote should be granted: %+v", resp)
	}

	h.restart(1)
	if st := h.status(1); st.Term != 1 || st.Vote != 2 {
		t.Fatalf("persisted term=%d vote=%d", st.Term, st.Vote)
	}
	_ = h.replicas[1].step(raftpb.Message{Type: raftpb.MsgVote, From: 3, To: 1, Term: 1})
	if resp := voteResponses(h.flush(1)); len(resp) != 1 || !resp[0].Reject {
		t.Fatalf("second vote in the same term must be denied: %+v", resp)
	}
	_ = h.replicas[1].step(raftpb.Message{Type: raftpb.MsgVote, From: 2, To: 1, Term: 1})
	if resp := voteResponses(h.flush(1)); len(resp) != 1 || resp[0].Reject {
		t.Fatalf("repeated request from the same candidate should be granted: %+v", resp)
	}
}

func TestAppendEntriesMismatchConverges(t *testing.T) {
	h := newHarness(t, 3)
	h.seed(1, 3, 1, 1, 1, 3, 3, 3)
	h.seed(2, 2, 1, 1, 1, 2, 2, 2, 2)
	h.seed(3, 3, 1, 1, 1, 3, 3, 3)

	h.elect(1)

	rejected := 0
	for _, m := range h.sent {
		if m.Type == raftpb.MsgAppResp && m.From == 2 && m.Reject {
			rejected++
		}
	}
	if rejected == 0 {
		t.Fatal("follower with a divergent log should have rejected at least one append")
	}
	if match, last := h.match(1, 2), h.status(1).LastIndex; match != last {
		t.Fatalf("match index %d did not converge to leader log length %d", match, last)
	}
	if got, want := h.logs[2].LastIndex(), h.logs[1].LastIndex(); got != want {
		t.Fatalf("follower last index %d, leader %d", got, want)
	}
	for i := uint64(1); i <= h.logs[1].LastIndex(); i++ {
		l, f := h.entry(1, i), h.entry(2, i)
		if l.Term != f.Term || string(l.Data) != string(f.Data) {
			t.Fatalf("index %d differs: leader %d/%q follower %d/%q", i, l.Term, l.Data, f.Term, f.Data)
		}
	}
}

func TestFollowerRejectsMismatchedPrevious(t *testing.T) {
	h := newHarness(t, 3)
	h.seed(2, 1, 1, 1)
	r := h.replicas[2]
	_ = r.step(raftpb.Message{Type: raftpb.MsgApp, From: 1, To: 2, Term: 2, Index: 2, LogTerm: 2,
		Entries: []raftpb.Entry{{Index: 3, Term: 2, Data: []byte("x")}}, Commit: 3})
	resp := h.flush(2)
	if len(resp) != 1 || !resp[0].Reject || resp[0].Index != 2 || resp[0].RejectHint != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if st := h.status(2); st.Commit != 0 || h.logs[2].LastIndex() != 2 {
		t.Fatalf("rejected append must not change log: commit=%d last=%d", st.Commit, h.logs[2].LastIndex())
	}

	_ = r.step(raftpb.Message{Type: raftpb.MsgApp, From: 1, To: 2, Term: 2, Index: 1, LogTerm: 1,
		Entries: []raftpb.Entry{{Index: 2, Term: 2, Data: []byte("y")}}, Commit: 5})
	resp = h.flush(2)
	if len(resp) != 1 || resp[0].Reject || resp[0].Index != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if st := h.status(2); st.Commit != 2 {
		t.Fatalf("commit should be min(leaderCommit, last new index): %d", st.Commit)
	}
	if e := h.entry(2, 2); e.Term != 2 || string(e.Data) != "y" {
		t.Fatalf("conflicting entry not replaced: %+v", e)
	}
}

func TestMinorityLeaderCannotCommitAndStepsDown(t *testing.T) {
	h := newHarness(t, 3)
	h.elect(1)
	base := h.propose(1, "committed")

	h.isolate(1)
	stale := h.propose(1, "uncommitted")
	if h.status(1).Commit >= stale {
		t.Fatalf("isolated leader committed index %d", stale)
	}

	h.elect(2)
	fresh := h.propose(2, "new-leader")
	if st := h.status(2); st.Commit != fresh {
		t.Fatalf("majority leader commit=%d want %d", st.Commit, fresh)
	}

	h.heal()
	// the new leader's heartbeat carries its term to the deposed one
	h.replicas[2].tick()
	h.deliver()
	if old, cur := h.status(1), h.status(2); old.Role != Follower || old.Term != cur.Term {
		t.Fatalf("stale leader role=%s term=%d", old.Role, old.Term)
	}
	if e := h.entry(1, base); string(e.Data) != "committed" {
		t.Fatalf("committed entry lost: %q", e.Data)
	}
	if e := h.entry(1, stale); string(e.Data) == "uncommitted" {
		t.Fatal("uncommitted entry of the deposed leader should be overwritten")
	}
	if st := h.status(1); st.Commit != fresh {
		t.Fatalf("deposed leader commit=%d want %d", st.Commit, fresh)
	}
}

func TestCheckQuorumStepsDown(t *testing.T) {
	h := newHarness(t, 3, func(c *Config) { c.CheckQuorum = true })
	h.elect(1)
	h.isolate(1)
	for i := 0; i < 3*10; i++ {
		h.replicas[1].tick()
		h.deliver()
	}
	if h.status(1).Role == Leader {
		t.Fatal("leader without quorum contact should step down")
	}
}

func TestLaggingFollowerReceivesSnapshot(t *testing.T) {
	h := newHarness(t, 3)
	h.elect(1)
	h.isolate(3)
	var last uint64
	for i := 0; i < 10; i++ {
		last = h.propose(1, fmt.Sprintf("e%d", i))
	}
	h.snaps[1].latest = &raftpb.Snapshot{Data: []byte("state"), Metadata: raftpb.SnapshotMetadata{Index: 8, Term: h.status(1).Term}}
	removed, err := h.replicas[1].compact(8)
	if err != nil {
		t.Fatal(err)
	}
	if removed == 0 {
		t.Fatal("expected at least one segment to be compacted")
	}
	if st := h.status(1); st.FirstIndex != 9 {
		t.Fatalf("leader first index %d after compaction", st.FirstIndex)
	}

	h.heal()
	h.replicas[1].tick()
	h.deliver()

	if len(h.snaps[3].restored) != 1 || string(h.snaps[3].restored[0].Data) != "state" {
		t.Fatalf("follower did not restore the snapshot: %+v", h.snaps[3].restored)
	}
	if voters := h.snaps[3].restored[0].Metadata.ConfState.Voters; len(voters) != 3 {
		t.Fatalf("snapshot voters %v", voters)
	}
	if metas := h.restored[3]; len(metas) != 1 || metas[0].Index != 8 {
		t.Fatalf("restored metadata %+v", metas)
	}
	if match := h.match(1, 3); match != last {
		t.Fatalf("match after snapshot=%d want %d", match, last)
	}
	if st := h.status(3); st.Commit != last {
		t.Fatalf("follower commit=%d want %d", st.Commit, last)
	}
	if _, err := h.logs[3].Read(8); !errors.Is(err, journal.ErrNotFound) {
		t.Fatalf("entries below the snapshot should not exist on the follower: %v", err)
	}

	h.restart(3)
	if st := h.status(3); st.FirstIndex != 9 || st.LastIndex != last || st.Commit != last {
		t.Fatalf("restarted follower %+v", st)
	}
	if term, err := h.replicas[3].termAt(8); err != nil || term != h.status(1).Term {
		t.Fatalf("boundary term=%d err=%v", term, err)
	}
	if _, err := h.replicas[3].termAt(7); !errors.Is(err, ErrCompacted) {
		t.Fatalf("expected ErrCompacted below the boundary, got %v", err)
	}
}

func TestStorageServesJournalAcrossBoundary(t *testing.T) {
	h := newHarness(t, 1)
	h.elect(1)
	for i := 0; i < 9; i++ {
		h.propose(1, fmt.Sprintf("e%d", i))
	}
	st := h.replicas[1].storage
	if _, err := st.Snapshot(); !errors.Is(err, etcdraft.ErrSnapshotTemporarilyUnavailable) {
		t.Fatalf("expected no snapshot yet, got %v", err)
	}
	if _, err := h.replicas[1].compact(6); err != nil {
		t.Fatal(err)
	}
	first, _ := st.FirstIndex()
	last, _ := st.LastIndex()
	if first != 5 || last != 10 {
		t.Fatalf("storage spans [%d, %d]", first, last)
	}
	if _, err := st.Entries(4, 6, math.MaxUint64); !errors.Is(err, etcdraft.ErrCompacted) {
		t.Fatalf("expected ErrCompacted, got %v", err)
	}
	if _, err := st.Entries(5, 12, math.MaxUint64); !errors.Is(err, etcdraft.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	ents, err := st.Entries(5, 11, 1)
	if err != nil || len(ents) != 1 || ents[0].Index != 5 {
		t.Fatalf("size limited read returned %+v, %v", ents, err)
	}
	ents, err = st.Entries(5, 11, math.MaxUint64)
	if err != nil || len(ents) != 6 || string(ents[5].Data) != "e8" {
		t.Fatalf("read returned %d entries, %v", len(ents), err)
	}

	h.snaps[1].latest = &raftpb.Snapshot{Data: []byte("old"), Metadata: raftpb.SnapshotMetadata{Index: 2, Term: 1}}
	if _, err := st.Snapshot(); !errors.Is(err, etcdraft.ErrSnapshotTemporarilyUnavailable) {
		t.Fatalf("snapshot behind the boundary must not be served, got %v", err)
	}
	h.snaps[1].latest = &raftpb.Snapshot{Data: []byte("new"), Metadata: raftpb.SnapshotMetadata{Index: 6, Term: 1}}
	snap, err := st.Snapshot()
	if err != nil || len(snap.Metadata.ConfState.Voters) != 1 || snap.Metadata.ConfState.Voters[0] != 1 {
		t.Fatalf("snapshot %+v, %v", snap.Metadata, err)
	}
}

func TestProposeOnFollowerFails(t *testing.T) {
	h := newHarness(t, 3)
	h.elect(1)
	_, _, err := h.replicas[2].propose([]byte("x"))
	if !errors.Is(err, ErrNotLeader) {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
}

func TestQuorumSize(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 2: 2, 3: 2, 4: 3, 5: 3}
	for n, want := range cases {
		if got := QuorumSize(n); got != want {
			t.Fatalf("QuorumSize(%d)=%d want %d", n, got, want)
		}
	}
}
