// Package broker hosts the partitions of one node. Every partition runs a
// journal replicated by raft, a stream processor (processing on the leader,
// replaying on followers), exporters and a snapshot director.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
	"go.uber.org/zap"

	"conduit/internal/clock"
	"conduit/internal/engine"
	"conduit/internal/exporter"
	"conduit/internal/hashroute"
	"conduit/internal/logstream"
	"conduit/internal/processing/job"
	"conduit/internal/protocol"
	"conduit/internal/raft"
)

var (
	ErrUnknownPartition = errors.New("unknown partition")
	ErrStopped          = errors.New("broker stopped")
)

// NotLeaderError is returned for writes sent to a follower. It names the
// leader the client should retry against, 0 if unknown.
type NotLeaderError struct {
	Partition protocol.PartitionID
	Leader    uint64
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("partition %d: not leader (leader=%d)", e.Partition, e.Leader)
}

func (e *NotLeaderError) Unwrap() error { return raft.ErrNotLeader }

type RaftOptions struct {
	TickInterval    time.Duration
	ElectionTicks   int
	HeartbeatTicks  int
	MaxSizePerMsg   uint64
	MaxInflightMsgs int
	CheckQuorum     bool
}

type ProcessorOptions struct {
	SideEffectAttempts int
	SideEffectInterval time.Duration
	SideEffectBackoff  int
}

type Config struct {
	NodeID  uint64
	Members []uint64
	DataDir string
	// Partitions are numbered 1..Partitions.
	Partitions int

	Transport raft.Transport
	Mux       *raft.Mux

	SegmentSize        int64
	SegmentEntries     int
	Raft               RaftOptions
	MaxInflightEntries int
	Processor          ProcessorOptions

	SnapshotPeriod time.Duration
	// SnapshotMinPositions skips a snapshot until the processed position
	// moved at least this many positions past the previous one.
	SnapshotMinPositions int64

	// Handlers adds command handlers next to the built in job lifecycle.
	Handlers           func(*engine.Registry)
	JobNotifier        job.Notifier
	JobTimeoutInterval time.Duration

	Exporters []exporter.Exporter
	DedupeTTL time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

func (c *Config) withDefaults() error {
	if c.NodeID == 0 {
		return errors.New("broker: node id is required")
	}
	if c.Transport == nil || c.Mux == nil {
		return errors.New("broker: raft transport and mux are required")
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if len(c.Members) == 0 {
		c.Members = []uint64{c.NodeID}
	}
	if c.SnapshotPeriod <= 0 {
		c.SnapshotPeriod = 5 * time.Minute
	}
	if c.SnapshotMinPositions <= 0 {
		c.SnapshotMinPositions = 1
	}
	if c.JobTimeoutInterval <= 0 {
		c.JobTimeoutInterval = time.Second
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 10 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Response is the outcome of a processed client command.
type Response struct {
	Partition protocol.PartitionID
	Position  int64
	Key       int64
	Records   []protocol.Record
	Rejected  bool
	Rejection protocol.RejectionType
	Reason    string
}

type Broker struct {
	cfg    Config
	logger *zap.Logger
	router *hashroute.Router

	partitions map[protocol.PartitionID]*Partition

	// dedupe maps client request ids to their Response
	dedupe *ttlcache.Cache

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// Open opens or recovers every partition. Nothing runs until Start.
func Open(cfg Config) (*Broker, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	b := &Broker{
		cfg:        cfg,
		logger:     cfg.Logger.With(zap.Uint64("node", cfg.NodeID)),
		router:     hashroute.NewRouter(cfg.Partitions),
		partitions: make(map[protocol.PartitionID]*Partition, cfg.Partitions),
		dedupe:     ttlcache.NewCache(),
	}
	b.dedupe.SetTTL(cfg.DedupeTTL)
	for _, id := range hashroute.Partitions(cfg.Partitions) {
		p, err := openPartition(b, id)
		if err != nil {
			b.closePartitions()
			b.dedupe.Close()
			return nil, fmt.Errorf("open partition %d: %w", id, err)
		}
		b.partitions[id] = p
	}
	return b, nil
}

func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	for _, p := range b.sortedPartitions() {
		p.start(ctx)
	}
	b.logger.Info("broker started", zap.Int("partitions", len(b.partitions)))
}

func (b *Broker) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := b.closePartitions()
	b.dedupe.Close()
	b.logger.Info("broker stopped")
	return err
}

func (b *Broker) closePartitions() error {
	var errs []error
	for _, p := range b.partitions {
		if err := p.close(); err != nil {
			errs = append(errs, fmt.Errorf("partition %d: %w", p.id, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) sortedPartitions() []*Partition {
	out := make([]*Partition, 0, len(b.partitions))
	for _, p := range b.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (b *Broker) Router() *hashroute.Router { return b.router }

func (b *Broker) Partition(id protocol.PartitionID) (*Partition, error) {
	p, ok := b.partitions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPartition, id)
	}
	return p, nil
}

// PartitionFor routes a partition key.
func (b *Broker) PartitionFor(key string) protocol.PartitionID { return b.router.PartitionFor(key) }

// SubmitCommand writes a command to the partition log and returns its
// position once committed. It does not wait for processing.
func (b *Broker) SubmitCommand(ctx context.Context, partition protocol.PartitionID, cmd protocol.Record) (int64, error) {
	p, err := b.Partition(partition)
	if err != nil {
		return protocol.NoPosition, err
	}
	res, err := p.submit(ctx, cmd)
	if err != nil {
		return protocol.NoPosition, err
	}
	return res.Lowest, nil
}

// Execute writes a command and waits until it is processed. Responses for
// a non-empty requestID are remembered for the dedupe window and replayed
// to retries instead of writing the command again.
func (b *Broker) Execute(ctx context.Context, partition protocol.PartitionID, requestID string, cmd protocol.Record) (Response, error) {
	dedupeKey := ""
	if requestID != "" {
		dedupeKey = strconv.Itoa(int(partition)) + "/" + requestID
		if v, ok := b.dedupe.Get(dedupeKey); ok {
			return v.(Response), nil
		}
	}
	p, err := b.Partition(partition)
	if err != nil {
		return Response{}, err
	}
	resp, err := p.execute(ctx, cmd)
	if err != nil {
		return Response{}, err
	}
	if dedupeKey != "" {
		b.dedupe.Set(dedupeKey, resp)
	}
	return resp, nil
}

// Subscribe streams committed records of a partition from fromPosition.
func (b *Broker) Subscribe(ctx context.Context, partition protocol.PartitionID, fromPosition int64) (*logstream.Subscription, error) {
	p, err := b.Partition(partition)
	if err != nil {
		return nil, err
	}
	return p.stream.Subscribe(ctx, fromPosition)
}

// ReadRecords returns up to max committed records with position >=
// fromPosition.
func (b *Broker) ReadRecords(partition protocol.PartitionID, fromPosition int64, max int) ([]protocol.Record, error) {
	p, err := b.Partition(partition)
	if err != nil {
		return nil, err
	}
	return p.readRecords(fromPosition, max)
}

// ReportLowestRequiredPosition records the lowest position an external
// consumer still needs. Compaction never removes it.
func (b *Broker) ReportLowestRequiredPosition(partition protocol.PartitionID, consumerID string, position int64) error {
	p, err := b.Partition(partition)
	if err != nil {
		return err
	}
	p.tracker.Update(consumerID, position)
	return nil
}

type PartitionHealth struct {
	Partition     protocol.PartitionID
	Role          raft.Role
	Term          uint64
	Leader        uint64
	Commit        uint64
	Phase         engine.Phase
	LastProcessed int64
	Healthy       bool
	Err           string
}

// Health reports every partition. ok is false when a processor failed or a
// raft node stopped.
func (b *Broker) Health() (bool, string, []PartitionHealth) {
	ok := true
	var unhealthy []string
	out := make([]PartitionHealth, 0, len(b.partitions))
	for _, p := range b.sortedPartitions() {
		h := p.health()
		if !h.Healthy {
			ok = false
			unhealthy = append(unhealthy, fmt.Sprintf("partition %d: %s", h.Partition, h.Err))
		}
		out = append(out, h)
	}
	if ok {
		return true, "ok", out
	}
	return false, strings.Join(unhealthy, "; "), out
}

// Topology returns the last known leader of every partition.
func (b *Broker) Topology() []hashroute.PartitionRoute { return b.router.Topology() }

func (b *Broker) PartitionCount() int { return b.router.PartitionCount() }
