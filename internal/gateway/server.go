// Package gateway serves client requests over length prefixed protobuf
// frames on TCP or a unix socket.
package gateway

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"conduit/internal/broker"
	"conduit/internal/hashroute"
	"conduit/internal/logstream"
	"conduit/internal/protocol"
)

// Broker is the part of *broker.Broker the gateway needs.
type Broker interface {
	PartitionFor(key string) protocol.PartitionID
	PartitionCount() int
	SubmitCommand(ctx context.Context, partition protocol.PartitionID, cmd protocol.Record) (int64, error)
	Execute(ctx context.Context, partition protocol.PartitionID, requestID string, cmd protocol.Record) (broker.Response, error)
	ReadRecords(partition protocol.PartitionID, fromPosition int64, max int) ([]protocol.Record, error)
	Topology() []hashroute.PartitionRoute
	Health() (bool, string, []broker.PartitionHealth)
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	// PartitionQueueSize bounds requests waiting for one partition worker.
	PartitionQueueSize int
	RequestTimeout     time.Duration
	// MaxReadRecords caps ReadRecords responses.
	MaxReadRecords int
	TLSConfig      *tls.Config
	Logger         *zap.Logger
}

type Server struct {
	cfg    Config
	broker Broker
	logger *zap.Logger

	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	// queues[0] serves requests not bound to a partition, queues[p] partition p.
	queues []chan queuedRequest
	closed atomic.Bool

	mu      sync.Mutex
	conns   map[*connection]struct{}
	connWG  sync.WaitGroup
	workers sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *Request
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	inflight chan struct{}

	mu      sync.Mutex
	writerQ chan *Response
	closed  bool
}

// send drops the response when the connection is gone or its writer is
// backed up.
func (c *connection) send(res *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.writerQ <- res:
	default:
	}
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.writerQ)
	}
}

func NewServer(cfg Config, b Broker) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.PartitionQueueSize <= 0 {
		cfg.PartitionQueueSize = 128
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxReadRecords <= 0 {
		cfg.MaxReadRecords = 1000
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		broker:  b,
		logger:  cfg.Logger.Named("gateway"),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		queues:  make([]chan queuedRequest, b.PartitionCount()+1),
		conns:   map[*connection]struct{}{},
	}
	for i := range s.queues {
		s.queues[i] = make(chan queuedRequest, cfg.PartitionQueueSize)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens and serves until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.logger.Info("gateway listening", zap.String("network", s.cfg.Network), zap.String("address", ln.Addr().String()))

	for i := range s.queues {
		s.workers.Add(1)
		go s.runWorker(s.queues[i])
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.c.Close()
	}
	s.mu.Unlock()
	s.connWG.Wait()
	for _, q := range s.queues {
		close(q)
	}
	s.workers.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *Response, 256), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.connWG.Add(2)
	s.mu.Unlock()
	go func() { defer s.connWG.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.connWG.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
		defer raw.Close()
		defer conn.close()
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			s.logger.Warn("encode response", zap.String("request_id", res.RequestId), zap.Error(err))
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			conn.send(&Response{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			conn.send(failure(req, ErrorCodeBadRequest, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			conn.send(failure(req, ErrorCodeUnauthenticated, "invalid auth token"))
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			conn.send(failure(req, ErrorCodeOverloaded, "connection inflight limit exceeded"))
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			conn.send(failure(req, ErrorCodeOverloaded, "gateway queue overloaded"))
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		idx := int(s.partitionFor(req))
		if idx >= len(s.queues) {
			qr.release()
			conn.send(failure(req, ErrorCodeNotFound, fmt.Sprintf("unknown partition %d", idx)))
			continue
		}
		select {
		case s.queues[idx] <- qr:
		default:
			qr.release()
			conn.send(failure(req, ErrorCodeOverloaded, "partition queue overloaded"))
		}
	}
}

func (s *Server) runWorker(q chan queuedRequest) {
	defer s.workers.Done()
	for req := range q {
		res := s.handleRequest(req.ctx, req.req)
		req.release()
		req.conn.send(res)
	}
}

// partitionFor returns the partition a request is bound to, 0 for none.
func (s *Server) partitionFor(req *Request) protocol.PartitionID {
	switch Operation(req.Operation) {
	case OperationSubmitCommand, OperationExecuteCommand:
		c := req.Command
		switch {
		case c.Partition != 0:
			return protocol.PartitionID(c.Partition)
		case c.PartitionKey != "":
			return s.broker.PartitionFor(c.PartitionKey)
		default:
			return protocol.KeyPartition(c.Key)
		}
	case OperationReadRecords:
		return protocol.PartitionID(req.Read.Partition)
	}
	return 0
}

func failure(req *Request, code ErrorCode, msg string) *Response {
	return &Response{RequestId: req.RequestId, ErrorCode: int32(code), ErrorMessage: msg}
}

func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	res := &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg, parts := s.broker.Health()
		res.Health = healthResponse(ok, msg, parts)
	case OperationTopology:
		res.Topology = &TopologyResponse{PartitionCount: uint32(s.broker.PartitionCount())}
		for _, r := range s.broker.Topology() {
			res.Topology.Partitions = append(res.Topology.Partitions, &PartitionInfo{Partition: uint32(r.Partition), Leader: r.Leader, Term: r.Term})
		}
	case OperationSubmitCommand:
		partition := s.partitionFor(req)
		pos, err := s.broker.SubmitCommand(ctx, partition, req.Command.record())
		if err != nil {
			return s.errorResponse(req, err)
		}
		res.Command = &CommandResponse{Partition: uint32(partition), Position: pos}
	case OperationExecuteCommand:
		partition := s.partitionFor(req)
		out, err := s.broker.Execute(ctx, partition, req.RequestId, req.Command.record())
		if err != nil {
			return s.errorResponse(req, err)
		}
		res.Command = &CommandResponse{
			Partition:       uint32(out.Partition),
			Position:        out.Position,
			Key:             out.Key,
			Rejected:        out.Rejected,
			RejectionType:   uint32(out.Rejection),
			RejectionReason: out.Reason,
			Records:         recordMessages(out.Records),
		}
	case OperationReadRecords:
		from := req.Read.FromPosition
		if from <= 0 {
			from = protocol.NoPosition
		}
		max := int(req.Read.MaxRecords)
		if max <= 0 || max > s.cfg.MaxReadRecords {
			max = s.cfg.MaxReadRecords
		}
		records, err := s.broker.ReadRecords(protocol.PartitionID(req.Read.Partition), from, max)
		if err != nil {
			return s.errorResponse(req, err)
		}
		res.Records = &RecordsResponse{Records: recordMessages(records)}
	default:
		return failure(req, ErrorCodeBadRequest, "unknown operation")
	}
	return res
}

func (s *Server) errorResponse(req *Request, err error) *Response {
	var nle *broker.NotLeaderError
	var malformed *logstream.MalformedBatchError
	switch {
	case errors.As(err, &nle):
		res := failure(req, ErrorCodeNotLeader, err.Error())
		res.Leader = nle.Leader
		return res
	case errors.Is(err, logstream.ErrBackpressure):
		return failure(req, ErrorCodeOverloaded, err.Error())
	case errors.Is(err, broker.ErrUnknownPartition):
		return failure(req, ErrorCodeNotFound, err.Error())
	case errors.As(err, &malformed):
		return failure(req, ErrorCodeBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return failure(req, ErrorCodeTimeout, err.Error())
	}
	s.logger.Warn("request failed", zap.String("request_id", req.RequestId), zap.Int32("operation", req.Operation), zap.Error(err))
	return failure(req, ErrorCodeInternal, err.Error())
}

func healthResponse(ok bool, msg string, parts []broker.PartitionHealth) *HealthResponse {
	out := &HealthResponse{Ok: ok, Message: msg}
	for _, h := range parts {
		out.Partitions = append(out.Partitions, &PartitionHealth{
			Partition:     uint32(h.Partition),
			Role:          h.Role.String(),
			Term:          h.Term,
			Leader:        h.Leader,
			Commit:        h.Commit,
			Phase:         h.Phase.String(),
			LastProcessed: h.LastProcessed,
			Healthy:       h.Healthy,
			Error:         h.Err,
		})
	}
	return out
}

// DialAndRequest sends one request on a fresh connection.
func DialAndRequest(ctx context.Context, network, address string, req *Request) (*Response, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

// Retryable reports whether a client should retry, possibly against the
// leader named in the response.
func Retryable(code int32) bool {
	switch ErrorCode(code) {
	case ErrorCodeOverloaded, ErrorCodeNotLeader, ErrorCodeTimeout:
		return true
	}
	return false
}
