package raft

import (
	"fmt"
	"sync"

	"go.etcd.io/raft/v3/raftpb"

	"conduit/internal/protocol"
)

// MemoryNetwork connects in-process nodes. Links can be cut to simulate
// network partitions.
type MemoryNetwork struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	cut      map[[2]uint64]bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{handlers: map[uint64]Handler{}, cut: map[[2]uint64]bool{}}
}

// Join registers a node's inbound handler and returns its outbound endpoint.
func (n *MemoryNetwork) Join(id uint64, h Handler) Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
	return &memoryEndpoint{net: n, id: id}
}

func (n *MemoryNetwork) Leave(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

// Cut drops traffic in both directions between a and b.
func (n *MemoryNetwork) Cut(a, b uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]uint64{a, b}] = true
	n.cut[[2]uint64{b, a}] = true
}

// Isolate cuts id off from every other member.
func (n *MemoryNetwork) Isolate(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.handlers {
		if other != id {
			n.cut[[2]uint64{id, other}] = true
			n.cut[[2]uint64{other, id}] = true
		}
	}
}

func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut = map[[2]uint64]bool{}
}

type memoryEndpoint struct {
	net *MemoryNetwork
	id  uint64
}

func (e *memoryEndpoint) Send(partition protocol.PartitionID, msg raftpb.Message) error {
	e.net.mu.RLock()
	h, ok := e.net.handlers[msg.To]
	dropped := e.net.cut[[2]uint64{e.id, msg.To}]
	e.net.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer %d", msg.To)
	}
	if dropped {
		return nil
	}
	// Marshal round trip so receivers never share memory with the sender.
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	var copied raftpb.Message
	if err := copied.Unmarshal(b); err != nil {
		return err
	}
	h(partition, copied)
	return nil
}
