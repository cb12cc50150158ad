package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"conduit/internal/ingest"
)

const (
	ParseModeJSON     = "json_envelope"
	ParseModeProtobuf = "protobuf_command"
)

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	ManualAck     bool
	ParseMode     string
	TLS           TLSConfig
	Auth          AuthConfig
	Workers       int
	DeliveryQueue int
	Logger        *zap.Logger
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

// Adapter consumes commands from a queue. A delivery is acked once its
// command is committed; transient failures are requeued and unparseable
// messages dropped.
type Adapter struct {
	cfg       Config
	logger    *zap.Logger
	submitter ingest.Submitter
	conn      *amqp091.Connection
	ch        *amqp091.Channel
	deliver   <-chan amqp091.Delivery
	ops       chan deliveryTask
	closed    chan struct{}
	closeErr  atomic.Value
	wg        sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.ManualAck {
		return fmt.Errorf("rabbitmq manual_ack must be true")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	switch c.ParseMode {
	case "", ParseModeJSON, ParseModeProtobuf:
	default:
		return fmt.Errorf("unsupported rabbitmq parse mode %q", c.ParseMode)
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, submitter ingest.Submitter) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "conduit-rabbitmq"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Adapter{
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("component", "ingest-rabbitmq")),
		submitter: submitter,
		closed:    make(chan struct{}),
		ops:       make(chan deliveryTask, cfg.DeliveryQueue),
	}, nil
}

// Start declares the topology and begins consuming. It returns once the
// consumer is registered; deliveries are handled in the background until
// ctx ends or Close is called.
func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	fail := func(format string, err error) error {
		ch.Close()
		conn.Close()
		return fmt.Errorf(format, err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		return fail("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return fail("declare queue: %w", err)
	}
	// Without an exchange the queue is fed through the default exchange.
	if a.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			return fail("declare exchange: %w", err)
		}
		routingKeys := a.cfg.RoutingKeys
		if len(routingKeys) == 0 {
			routingKeys = []string{"#"}
		}
		for _, key := range routingKeys {
			if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
				return fail("bind queue: %w", fmt.Errorf("key=%s: %w", key, err))
			}
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fail("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries
	a.logger.Info("consuming", zap.String("queue", a.cfg.Queue), zap.String("exchange", a.cfg.Exchange))

	a.wg.Add(1)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop(ctx)
	}
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if h, ok := a.closeErr.Load().(errorHolder); ok {
			return h.err
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(errorHolder{err})
	return err
}

type errorHolder struct{ err error }

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case a.ops <- task:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task := <-a.ops:
			a.processDelivery(task.ctx, task.delivery)
		}
	}
}

func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	cmd, err := a.parseDelivery(d)
	if err != nil {
		a.logger.Warn("dropping unparseable delivery", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if _, err := ingest.Submit(ctx, a.submitter, cmd); err != nil {
		if ingest.Retryable(err) || ctx.Err() != nil {
			_ = d.Nack(false, true)
			return
		}
		a.logger.Warn("dropping rejected delivery", zap.String("source", cmd.Source), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (a *Adapter) parseDelivery(d amqp091.Delivery) (ingest.Command, error) {
	var (
		cmd ingest.Command
		err error
	)
	if a.cfg.ParseMode == ParseModeProtobuf {
		cmd, err = ingest.ParseCommandRequest(d.Body, a.submitter)
	} else {
		var env ingest.Envelope
		env, err = ingest.ParseEnvelope(d.Body)
		if err != nil {
			return ingest.Command{}, err
		}
		if env.PartitionKey == "" && env.Partition == 0 && env.Key == nil {
			env.PartitionKey = headerString(d.Headers, "partition_key")
		}
		cmd, err = env.Command(a.submitter)
	}
	if err != nil {
		return ingest.Command{}, err
	}
	if cmd.RequestID == "" {
		cmd.RequestID = headerString(d.Headers, "request_id")
	}
	if cmd.RequestID == "" {
		cmd.RequestID = d.MessageId
	}
	if cmd.Record.Timestamp == 0 {
		ts, err := parseTimestamp(d)
		if err != nil {
			return ingest.Command{}, err
		}
		cmd.Record.Timestamp = ts
	}
	cmd.Source = fmt.Sprintf("%s/%s/%d", d.Exchange, d.RoutingKey, d.DeliveryTag)
	return cmd, nil
}

// parseTimestamp reads a millisecond timestamp from the "timestamp" header,
// falling back to the AMQP message timestamp. Zero leaves stamping to the log.
func parseTimestamp(d amqp091.Delivery) (int64, error) {
	raw := strings.TrimSpace(headerString(d.Headers, "timestamp"))
	if raw == "" {
		if !d.Timestamp.IsZero() {
			return d.Timestamp.UnixMilli(), nil
		}
		return 0, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%w: invalid timestamp header %q", ingest.ErrInvalidEnvelope, raw)
	}
	return ms, nil
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
