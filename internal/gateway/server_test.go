package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"conduit/internal/broker"
	"conduit/internal/hashroute"
	"conduit/internal/logstream"
	"conduit/internal/protocol"
)

type fakeBroker struct {
	partitions int
	submitErr  error
	block      chan struct{}

	mu        sync.Mutex
	submitted []protocol.Record
	next      int64
}

func (f *fakeBroker) PartitionFor(key string) protocol.PartitionID {
	return hashroute.PartitionForKey(key, f.partitions)
}

func (f *fakeBroker) PartitionCount() int { return f.partitions }

func (f *fakeBroker) SubmitCommand(ctx context.Context, partition protocol.PartitionID, cmd protocol.Record) (int64, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return protocol.NoPosition, ctx.Err()
		}
	}
	if f.submitErr != nil {
		return protocol.NoPosition, f.submitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.submitted = append(f.submitted, cmd)
	return protocol.NewPosition(partition, uint32(f.next)), nil
}

func (f *fakeBroker) Execute(ctx context.Context, partition protocol.PartitionID, _ string, cmd protocol.Record) (broker.Response, error) {
	pos, err := f.SubmitCommand(ctx, partition, cmd)
	if err != nil {
		return broker.Response{}, err
	}
	return broker.Response{
		Partition: partition,
		Position:  pos,
		Key:       protocol.EncodeKey(partition, 1),
		Rejected:  true,
		Rejection: protocol.RejectionInvalidState,
		Reason:    "nope",
	}, nil
}

func (f *fakeBroker) ReadRecords(partition protocol.PartitionID, from int64, max int) ([]protocol.Record, error) {
	if int(partition) > f.partitions {
		return nil, fmt.Errorf("%w: %d", broker.ErrUnknownPartition, partition)
	}
	out := make([]protocol.Record, 0, max)
	for i := 0; i < max && i < 3; i++ {
		r := protocol.NewCommand(1, 1, protocol.NilPayload)
		r.Position = protocol.NewPosition(partition, uint32(i+1))
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeBroker) Topology() []hashroute.PartitionRoute {
	return []hashroute.PartitionRoute{{Partition: 1, Leader: 2, Term: 3}}
}

func (f *fakeBroker) Health() (bool, string, []broker.PartitionHealth) {
	return true, "ok", []broker.PartitionHealth{{Partition: 1, Healthy: true}}
}

func startServer(t *testing.T, cfg Config, b Broker) (*Server, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cfg.Network, cfg.Address = "tcp", "127.0.0.1:0"
	cfg.Logger = zaptest.NewLogger(t)
	s := NewServer(cfg, b)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = s.Close()
		<-done
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return s, addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server not started")
	return nil, ""
}

func request(t *testing.T, addr string, req *Request) *Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := DialAndRequest(ctx, "tcp", addr, req)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestAuthAndPing(t *testing.T) {
	_, addr := startServer(t, Config{AuthToken: "secret"}, &fakeBroker{partitions: 2})

	res := request(t, addr, &Request{RequestId: "p1", Operation: int32(OperationPing)})
	if ErrorCode(res.ErrorCode) != ErrorCodeUnauthenticated {
		t.Fatalf("expected auth failure, got %+v", res)
	}
	res = request(t, addr, &Request{RequestId: "p2", AuthToken: "secret", Operation: int32(OperationPing), Ping: &PingRequest{}})
	if res.ErrorCode != 0 || res.Pong == nil || res.RequestId != "p2" {
		t.Fatalf("bad pong %+v", res)
	}
}

func TestSubmitRoutesByPartitionKey(t *testing.T) {
	fb := &fakeBroker{partitions: 4}
	_, addr := startServer(t, Config{}, fb)

	res := request(t, addr, &Request{
		RequestId: "s1",
		Operation: int32(OperationSubmitCommand),
		Command:   &CommandRequest{PartitionKey: "order-42", ValueType: 10, Intent: 1},
	})
	want := hashroute.PartitionForKey("order-42", 4)
	if res.ErrorCode != 0 || res.Command == nil || protocol.PartitionID(res.Command.Partition) != want {
		t.Fatalf("unexpected response %+v", res)
	}
	if protocol.PartitionOf(res.Command.Position) != want {
		t.Fatalf("position %d not on partition %d", res.Command.Position, want)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.submitted) != 1 || fb.submitted[0].Key != protocol.NoKey || !protocol.IsNilPayload(fb.submitted[0].Value) {
		t.Fatalf("submitted %+v", fb.submitted)
	}
}

func TestExecuteReturnsRejection(t *testing.T) {
	_, addr := startServer(t, Config{}, &fakeBroker{partitions: 1})
	res := request(t, addr, &Request{Operation: int32(OperationExecuteCommand), Command: &CommandRequest{Partition: 1, ValueType: 10, Intent: 3}})
	if res.ErrorCode != 0 || res.Command == nil || !res.Command.Rejected || res.Command.RejectionReason != "nope" {
		t.Fatalf("unexpected response %+v", res)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		code   ErrorCode
		leader uint64
	}{
		{&broker.NotLeaderError{Partition: 1, Leader: 3}, ErrorCodeNotLeader, 3},
		{logstream.ErrBackpressure, ErrorCodeOverloaded, 0},
		{fmt.Errorf("%w: 1", broker.ErrUnknownPartition), ErrorCodeNotFound, 0},
		{fmt.Errorf("disk on fire"), ErrorCodeInternal, 0},
	}
	for _, tc := range cases {
		_, addr := startServer(t, Config{}, &fakeBroker{partitions: 1, submitErr: tc.err})
		res := request(t, addr, &Request{Operation: int32(OperationSubmitCommand), Command: &CommandRequest{Partition: 1}})
		if ErrorCode(res.ErrorCode) != tc.code || res.Leader != tc.leader {
			t.Fatalf("%v: got code=%d leader=%d", tc.err, res.ErrorCode, res.Leader)
		}
	}
	if !Retryable(int32(ErrorCodeNotLeader)) || Retryable(int32(ErrorCodeBadRequest)) {
		t.Fatal("unexpected retryable classification")
	}
}

func TestUnknownPartitionAndBadRequest(t *testing.T) {
	_, addr := startServer(t, Config{}, &fakeBroker{partitions: 2})
	res := request(t, addr, &Request{Operation: int32(OperationSubmitCommand), Command: &CommandRequest{Partition: 9}})
	if ErrorCode(res.ErrorCode) != ErrorCodeNotFound {
		t.Fatalf("expected not found, got %+v", res)
	}
	res = request(t, addr, &Request{Operation: int32(OperationSubmitCommand)})
	if ErrorCode(res.ErrorCode) != ErrorCodeBadRequest {
		t.Fatalf("expected bad request, got %+v", res)
	}
}

func TestPartitionQueueOverload(t *testing.T) {
	fb := &fakeBroker{partitions: 1, block: make(chan struct{})}
	_, addr := startServer(t, Config{PartitionQueueSize: 1, RequestTimeout: 5 * time.Second}, fb)
	defer close(fb.block)

	// One request runs in the worker, one waits in the queue, the rest
	// must be refused.
	var wg sync.WaitGroup
	codes := make(chan ErrorCode, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			res, err := DialAndRequest(ctx, "tcp", addr, &Request{RequestId: fmt.Sprint(i), Operation: int32(OperationSubmitCommand), Command: &CommandRequest{Partition: 1}})
			if err == nil {
				codes <- ErrorCode(res.ErrorCode)
			}
		}(i)
	}
	wg.Wait()
	close(codes)
	overloaded := 0
	for c := range codes {
		if c == ErrorCodeOverloaded {
			overloaded++
		}
	}
	if overloaded < 4 {
		t.Fatalf("expected at least 4 overloaded responses, got %d", overloaded)
	}
}

func TestReadRecordsAndTopology(t *testing.T) {
	_, addr := startServer(t, Config{MaxReadRecords: 2}, &fakeBroker{partitions: 1})
	res := request(t, addr, &Request{Operation: int32(OperationReadRecords), Read: &ReadRequest{Partition: 1, MaxRecords: 50}})
	if res.ErrorCode != 0 || res.Records == nil || len(res.Records.Records) != 2 {
		t.Fatalf("read: %+v", res)
	}
	res = request(t, addr, &Request{Operation: int32(OperationTopology)})
	if res.Topology == nil || res.Topology.PartitionCount != 1 || res.Topology.Partitions[0].Leader != 2 {
		t.Fatalf("topology: %+v", res)
	}
	res = request(t, addr, &Request{Operation: int32(OperationHealth)})
	if res.Health == nil || !res.Health.Ok || len(res.Health.Partitions) != 1 {
		t.Fatalf("health: %+v", res)
	}
}
