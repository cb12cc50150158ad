package raft

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"conduit/internal/journal"
	"conduit/internal/protocol"
)

type testNode struct {
	node *Node
	log  *journal.Journal
}

func startNode(t *testing.T, dir string, id uint64, peers []uint64, tr Transport) *testNode {
	t.Helper()
	lg, err := journal.Open(journal.Config{Dir: filepath.Join(dir, "journal")})
	if err != nil {
		t.Fatal(err)
	}
	meta, err := NewMetaStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	n, err := NewNode(NodeConfig{
		Partition:    1,
		TickInterval: 5 * time.Millisecond,
		Transport:    tr,
		Raft: Config{
			ID:            id,
			Peers:         peers,
			ElectionTicks: 10,
			CheckQuorum:   true,
			Log:           lg,
			Meta:          meta,
			Logger:        zaptest.NewLogger(t),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	n.Start()
	return &testNode{node: n, log: lg}
}

func (n *testNode) stop() {
	n.node.Stop()
	_ = n.log.Close()
}

func waitLeader(t *testing.T, nodes map[uint64]*testNode) uint64 {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		leaders := map[uint64]bool{}
		for id, n := range nodes {
			if n.node.IsLeader() {
				leaders[id] = true
			}
		}
		if len(leaders) == 1 {
			for id := range leaders {
				return id
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no single leader elected")
	return 0
}

func TestNodeClusterReplicatesAndFailsOver(t *testing.T) {
	defer goleak.VerifyNone(t)
	netw := NewMemoryNetwork()
	peers := []uint64{1, 2, 3}
	root := t.TempDir()
	nodes := map[uint64]*testNode{}
	for _, id := range peers {
		mux := NewMux()
		tr := netw.Join(id, mux.Handle)
		n := startNode(t, filepath.Join(root, fmt.Sprint(id)), id, peers, tr)
		mux.Register(n.node)
		nodes[id] = n
	}
	defer func() {
		for _, n := range nodes {
			n.stop()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	leader := waitLeader(t, nodes)
	idx, _, err := nodes[leader].node.Propose(ctx, []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	for id, n := range nodes {
		if err := n.node.WaitCommitted(ctx, idx); err != nil {
			t.Fatalf("node %d: %v", id, err)
		}
		e, err := n.log.Read(idx)
		if err != nil || !bytes.Equal(e.Data, []byte("first")) {
			t.Fatalf("node %d entry=%+v err=%v", id, e, err)
		}
	}
	for id, n := range nodes {
		if id == leader {
			continue
		}
		if _, _, err := n.node.Propose(ctx, []byte("x")); !errors.Is(err, ErrNotLeader) {
			t.Fatalf("follower %d should reject proposals, got %v", id, err)
		}
	}

	netw.Isolate(leader)
	deposed := nodes[leader]
	delete(nodes, leader)
	next := waitLeader(t, nodes)
	nodes[leader] = deposed
	idx2, _, err := nodes[next].node.Propose(ctx, []byte("second"))
	if err != nil {
		t.Fatal(err)
	}
	if err := nodes[next].node.WaitCommitted(ctx, idx2); err != nil {
		t.Fatal(err)
	}

	netw.Heal()
	if err := deposed.node.WaitCommitted(ctx, idx2); err != nil {
		t.Fatalf("healed node did not catch up: %v", err)
	}
	e, err := deposed.log.Read(idx2)
	if err != nil || string(e.Data) != "second" {
		t.Fatalf("healed node entry=%+v err=%v", e, err)
	}
}

func TestNodeRoleChangeCallback(t *testing.T) {
	defer goleak.VerifyNone(t)
	changes := make(chan RoleChange, 16)
	netw := NewMemoryNetwork()
	mux := NewMux()
	dir := t.TempDir()
	lg, err := journal.Open(journal.Config{Dir: filepath.Join(dir, "journal")})
	if err != nil {
		t.Fatal(err)
	}
	defer lg.Close()
	meta, err := NewMetaStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	n, err := NewNode(NodeConfig{
		Partition:    4,
		TickInterval: time.Millisecond,
		Transport:    netw.Join(1, mux.Handle),
		Raft:         Config{ID: 1, Peers: []uint64{1}, Log: lg, Meta: meta},
		OnRoleChange: func(rc RoleChange) { changes <- rc },
	})
	if err != nil {
		t.Fatal(err)
	}
	mux.Register(n)
	n.Start()
	defer n.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Campaign(ctx); err != nil {
		t.Fatal(err)
	}
	for {
		select {
		case rc := <-changes:
			if rc.Role == Leader {
				if rc.Partition != 4 || rc.Leader != 1 {
					t.Fatalf("unexpected role change %+v", rc)
				}
				return
			}
		case <-ctx.Done():
			t.Fatal("no leader role change observed")
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := raftpb.Message{Type: raftpb.MsgApp, To: 2, From: 1, Term: 3, Index: 9, LogTerm: 2, Commit: 8,
		Entries: []raftpb.Entry{{Index: 10, Term: 3, Data: []byte("batch")}}}
	if err := writeEnvelope(&buf, 300, in); err != nil {
		t.Fatal(err)
	}
	partition, out, err := readEnvelope(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if partition != 300 || out.Type != in.Type || out.Index != 9 || out.Commit != 8 || len(out.Entries) != 1 || string(out.Entries[0].Data) != "batch" {
		t.Fatalf("partition=%d msg=%+v", partition, out)
	}
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func TestTCPTransportCluster(t *testing.T) {
	defer goleak.VerifyNone(t)
	addrs := map[uint64]string{1: freePort(t), 2: freePort(t), 3: freePort(t)}
	peers := []uint64{1, 2, 3}
	root := t.TempDir()
	nodes := map[uint64]*testNode{}
	var transports []*TCPTransport
	for _, id := range peers {
		mux := NewMux()
		tr, err := NewTCPTransport(TCPConfig{NodeID: id, Address: addrs[id], Peers: addrs, Handler: mux.Handle})
		if err != nil {
			t.Fatal(err)
		}
		transports = append(transports, tr)
		n := startNode(t, filepath.Join(root, fmt.Sprint(id)), id, peers, tr)
		mux.Register(n.node)
		nodes[id] = n
	}
	defer func() {
		for _, n := range nodes {
			n.stop()
		}
		for _, tr := range transports {
			_ = tr.Close()
		}
	}()

	leader := waitLeader(t, nodes)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	idx, _, err := nodes[leader].node.Propose(ctx, []byte("over-tcp"))
	if err != nil {
		t.Fatal(err)
	}
	for id, n := range nodes {
		if err := n.node.WaitCommitted(ctx, idx); err != nil {
			t.Fatalf("node %d: %v", id, err)
		}
	}
	if got := protocol.PartitionID(1); nodes[leader].node.Partition() != got {
		t.Fatalf("partition=%d", nodes[leader].node.Partition())
	}
}
