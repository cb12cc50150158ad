package raft

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"

	"conduit/internal/protocol"
)

const maxEnvelopeSize = 64 << 20

// Transport carries raft messages between nodes, multiplexed by partition.
type Transport interface {
	Send(partition protocol.PartitionID, msg raftpb.Message) error
}

// Handler receives inbound messages.
type Handler func(partition protocol.PartitionID, msg raftpb.Message)

type envelope struct {
	partition protocol.PartitionID
	msg       raftpb.Message
}

type TCPConfig struct {
	NodeID      uint64
	Address     string
	Peers       map[uint64]string
	Handler     Handler
	QueueSize   int
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// TCPTransport keeps one outbound connection per peer and accepts inbound
// connections from any peer.
type TCPTransport struct {
	cfg      TCPConfig
	lg       *zap.Logger
	listener net.Listener

	mu       sync.Mutex
	outbound map[uint64]chan envelope
	conns    map[net.Conn]struct{}
	closed   chan struct{}
	wg       sync.WaitGroup
}

func NewTCPTransport(cfg TCPConfig) (*TCPTransport, error) {
	if cfg.Handler == nil {
		return nil, errors.New("raft transport handler is required")
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 512
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	t := &TCPTransport{
		cfg:      cfg,
		lg:       cfg.Logger.Named("raft-transport"),
		listener: ln,
		outbound: make(map[uint64]chan envelope),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}
	for peer, addr := range cfg.Peers {
		if peer == cfg.NodeID {
			continue
		}
		ch := make(chan envelope, cfg.QueueSize)
		t.outbound[peer] = ch
		t.wg.Add(1)
		go t.sender(peer, addr, ch)
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) Addr() net.Addr { return t.listener.Addr() }

func (t *TCPTransport) Send(partition protocol.PartitionID, msg raftpb.Message) error {
	ch, ok := t.outbound[msg.To]
	if !ok {
		return fmt.Errorf("unknown peer %d", msg.To)
	}
	select {
	case <-t.closed:
		return ErrStopped
	case ch <- envelope{partition: partition, msg: msg}:
		return nil
	default:
		return fmt.Errorf("peer %d queue full", msg.To)
	}
}

func (t *TCPTransport) sender(peer uint64, addr string, ch <-chan envelope) {
	defer t.wg.Done()
	var conn net.Conn
	var w *bufio.Writer
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()
	for {
		select {
		case <-t.closed:
			return
		case env := <-ch:
			if conn == nil {
				c, err := net.DialTimeout("tcp", addr, t.cfg.DialTimeout)
				if err != nil {
					t.lg.Debug("dial peer failed", zap.Uint64("peer", peer), zap.Error(err))
					continue
				}
				conn, w = c, bufio.NewWriter(c)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.DialTimeout))
			err := writeEnvelope(w, env.partition, env.msg)
			if err == nil && len(ch) == 0 {
				err = w.Flush()
			}
			if err != nil {
				t.lg.Debug("write to peer failed", zap.Uint64("peer", peer), zap.Error(err))
				_ = conn.Close()
				conn, w = nil, nil
			}
		}
	}
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			continue
		}
		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		_ = conn.Close()
	}()
	r := bufio.NewReader(conn)
	for {
		partition, msg, err := readEnvelope(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.lg.Debug("read from peer failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}
		t.cfg.Handler(partition, msg)
	}
}

func (t *TCPTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	err := t.listener.Close()
	t.mu.Lock()
	for c := range t.conns {
		_ = c.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return err
}

func writeEnvelope(w io.Writer, partition protocol.PartitionID, msg raftpb.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	var header [6]byte
	binary.BigEndian.PutUint32(header[0:], uint32(2+len(b)))
	binary.BigEndian.PutUint16(header[4:], uint16(partition))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readEnvelope(r io.Reader) (protocol.PartitionID, raftpb.Message, error) {
	var sz uint32
	if err := binary.Read(r, binary.BigEndian, &sz); err != nil {
		return 0, raftpb.Message{}, err
	}
	if sz < 2 || sz > maxEnvelopeSize {
		return 0, raftpb.Message{}, fmt.Errorf("invalid envelope size %d", sz)
	}
	buf := make([]byte, sz)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, raftpb.Message{}, err
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(buf[2:]); err != nil {
		return 0, raftpb.Message{}, err
	}
	return protocol.PartitionID(binary.BigEndian.Uint16(buf)), msg, nil
}

// Mux dispatches inbound messages to the node serving their partition.
type Mux struct {
	mu    sync.RWMutex
	nodes map[protocol.PartitionID]*Node
}

func NewMux() *Mux { return &Mux{nodes: map[protocol.PartitionID]*Node{}} }

func (m *Mux) Register(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.Partition()] = n
}

func (m *Mux) Unregister(partition protocol.PartitionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, partition)
}

func (m *Mux) Handle(partition protocol.PartitionID, msg raftpb.Message) {
	m.mu.RLock()
	n := m.nodes[partition]
	m.mu.RUnlock()
	if n != nil {
		n.Deliver(msg)
	}
}
