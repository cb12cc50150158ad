package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"conduit/internal/clock"
	"conduit/internal/ingest"
)

const (
	CommitModeAfterLogCommit = "after_log_commit"
	ParseModeJSON            = "json_envelope"
	ParseModeProtobuf        = "protobuf_command"
	ParseModeCustom          = "custom_mapper"

	requestIDHeader = "request_id"
)

type Mapper interface {
	MapKafkaRecord(*kgo.Record, ingest.Submitter) (ingest.Command, error)
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	CommitMode     string
	ParseMode      string
	RetryBackoff   time.Duration
	Auth           AuthConfig
	Fetch          FetchConfig

	CustomMapper Mapper
	Logger       *zap.Logger
	Clock        clock.Clock
}

type AuthConfig struct {
	TLS TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// Adapter consumes commands from Kafka. A record's offset is committed only
// once its command is committed to the partition log, so a crash redelivers
// rather than loses. Records from one Kafka partition are handled by a single
// worker, which keeps marked offsets in order.
type Adapter struct {
	cfg    Config
	logger *zap.Logger

	client *kgo.Client
	queues []chan *kgo.Record
	acks   chan recordAck

	pauseMux sync.Mutex
	paused   bool

	submitter    ingest.Submitter
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, submitter ingest.Submitter, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if submitter == nil {
		return nil, errors.New("kafka: submitter is required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := newAdapter(cfg, submitter)
	a.client = cl
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func newAdapter(cfg Config, submitter ingest.Submitter) *Adapter {
	cfg.withDefaults()
	a := &Adapter{
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("component", "ingest-kafka")),
		submitter: submitter,
		queues:    make([]chan *kgo.Record, cfg.WorkerCount),
		acks:      make(chan recordAck, cfg.QueueCapacity),
	}
	per := cfg.QueueCapacity / cfg.WorkerCount
	if per < 1 {
		per = 1
	}
	for i := range a.queues {
		a.queues[i] = make(chan *kgo.Record, per)
	}
	return a
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.CommitMode == "" {
		c.CommitMode = CommitModeAfterLogCommit
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeJSON
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.CommitMode != CommitModeAfterLogCommit {
		return fmt.Errorf("unsupported commit mode %q", c.CommitMode)
	}
	switch c.ParseMode {
	case ParseModeJSON, ParseModeProtobuf:
	case ParseModeCustom:
		if c.CustomMapper == nil {
			return errors.New("kafka: custom mapper not configured")
		}
	default:
		return fmt.Errorf("unsupported parse mode %q", c.ParseMode)
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var workers, acker sync.WaitGroup
	acker.Add(1)
	go func() {
		defer acker.Done()
		a.handleAcks(ctx)
	}()
	for _, q := range a.queues {
		workers.Add(1)
		go func(q chan *kgo.Record) {
			defer workers.Done()
			a.runWorker(ctx, q)
		}(q)
	}
	shutdown := func() {
		for _, q := range a.queues {
			close(q)
		}
		workers.Wait()
		close(a.acks)
		acker.Wait()
	}

	for {
		if ctx.Err() != nil {
			shutdown()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			shutdown()
			return nil
		}
		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			a.logger.Warn("fetch failed", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
			if fetchErr == nil {
				fetchErr = err
			}
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			a.enqueue(ctx, rec)
		})
		a.client.AllowRebalance()
		if fatalFetchErr(fetchErr) {
			shutdown()
			return fetchErr
		}
	}
}

// fatalFetchErr reports broker errors the client will not recover from.
// Transport errors are retried by the client and do not stop the adapter.
func fatalFetchErr(err error) bool {
	var ke *kerr.Error
	return errors.As(err, &ke) && !kerr.IsRetriable(err)
}

func (a *Adapter) queueFor(rec *kgo.Record) chan *kgo.Record {
	h := uint32(rec.Partition)
	for _, c := range rec.Topic {
		h = h*31 + uint32(c)
	}
	return a.queues[h%uint32(len(a.queues))]
}

func (a *Adapter) enqueue(ctx context.Context, rec *kgo.Record) {
	q := a.queueFor(rec)
	for {
		select {
		case q <- rec:
			a.maybeResume()
			return
		case <-ctx.Done():
			return
		default:
			a.maybePause(q)
			_ = a.cfg.Clock.Sleep(ctx, 5*time.Millisecond)
		}
	}
}

func (a *Adapter) runWorker(ctx context.Context, q <-chan *kgo.Record) {
	for rec := range q {
		err := a.process(ctx, rec)
		select {
		case a.acks <- recordAck{record: rec, err: err}:
		case <-ctx.Done():
		}
	}
}

// process submits the record, retrying transient failures until the command
// is committed or ctx ends.
func (a *Adapter) process(ctx context.Context, rec *kgo.Record) error {
	cmd, err := a.normalizeRecord(rec)
	if err != nil {
		return err
	}
	for {
		_, err = ingest.Submit(ctx, a.submitter, cmd)
		if err == nil || !ingest.Retryable(err) || ctx.Err() != nil {
			return err
		}
		a.logger.Debug("retrying command", zap.String("source", cmd.Source), zap.Error(err))
		if a.cfg.Clock.Sleep(ctx, a.cfg.RetryBackoff) != nil {
			return err
		}
	}
}

func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack, ok := <-a.acks:
			if !ok {
				return
			}
			if ack.record == nil {
				continue
			}
			if ack.err != nil {
				if ingest.Retryable(ack.err) || ctx.Err() != nil {
					// Left uncommitted for redelivery.
					continue
				}
				a.logger.Warn("dropping unprocessable record",
					zap.String("topic", ack.record.Topic),
					zap.Int32("partition", ack.record.Partition),
					zap.Int64("offset", ack.record.Offset),
					zap.Error(ack.err))
			}
			a.markCommit(ack.record)
			if err := a.commitMarked(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("offset commit failed", zap.Error(err))
			}
		}
	}
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (ingest.Command, error) {
	var (
		cmd ingest.Command
		err error
	)
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		var env ingest.Envelope
		if env, err = ingest.ParseEnvelope(rec.Value); err == nil {
			cmd, err = env.Command(a.submitter)
		}
	case ParseModeProtobuf:
		cmd, err = ingest.ParseCommandRequest(rec.Value, a.submitter)
	case ParseModeCustom:
		if a.cfg.CustomMapper == nil {
			return cmd, errors.New("custom mapper not configured")
		}
		cmd, err = a.cfg.CustomMapper.MapKafkaRecord(rec, a.submitter)
	default:
		return cmd, fmt.Errorf("unsupported parse mode %q", a.cfg.ParseMode)
	}
	if err != nil {
		return cmd, err
	}
	if cmd.RequestID == "" {
		cmd.RequestID = headerValue(rec, requestIDHeader)
	}
	cmd.Source = fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
	if cmd.Record.Timestamp == 0 && !rec.Timestamp.IsZero() {
		cmd.Record.Timestamp = rec.Timestamp.UnixMilli()
	}
	return cmd, nil
}

func headerValue(rec *kgo.Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (a *Adapter) maybePause(q chan *kgo.Record) {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(q) < cap(q) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	for _, q := range a.queues {
		if len(q) > cap(q)/2 {
			return
		}
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
