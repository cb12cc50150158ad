package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"conduit/internal/broker"
	"conduit/internal/config"
	"conduit/internal/exporter"
	"conduit/internal/exporter/sqlite"
	"conduit/internal/gateway"
	"conduit/internal/ingest/kafka"
	"conduit/internal/ingest/rabbitmq"
	"conduit/internal/logging"
	"conduit/internal/raft"
)

const defaultConfigPath = "./conduit.yaml"

func newStartCmd() *cobra.Command {
	var cfgPath string
	c := &cobra.Command{
		Use:     "start",
		Short:   "Start a broker node",
		Example: "conduitd start --config conduit.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			lg, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = lg.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, lg)
		},
	}
	c.Flags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to the configuration file")
	return c
}

// run starts the node and blocks until ctx ends or a component fails.
func run(ctx context.Context, cfg config.Config, lg *zap.Logger) error {
	segmentSize, err := cfg.Journal.SegmentSizeBytes()
	if err != nil {
		return err
	}
	addr, _ := cfg.Cluster.Member(cfg.Node.ID)
	peers := make(map[uint64]string, len(cfg.Cluster.Members))
	members := make([]uint64, 0, len(cfg.Cluster.Members))
	for _, m := range cfg.Cluster.Members {
		peers[m.ID] = m.Address
		members = append(members, m.ID)
	}

	mux := raft.NewMux()
	transport, err := raft.NewTCPTransport(raft.TCPConfig{
		NodeID:  cfg.Node.ID,
		Address: addr,
		Peers:   peers,
		Handler: mux.Handle,
		Logger:  lg,
	})
	if err != nil {
		return fmt.Errorf("raft transport: %w", err)
	}
	defer transport.Close()

	var exporters []exporter.Exporter
	if cfg.Exporters.SQLite.Enabled {
		dir := cfg.Exporters.SQLite.Dir
		if dir == "" {
			dir = filepath.Join(cfg.Node.DataDir, "export")
		}
		store, err := sqlite.NewStore(dir)
		if err != nil {
			return fmt.Errorf("sqlite exporter: %w", err)
		}
		defer store.Close()
		exporters = append(exporters, store)
	}

	b, err := broker.Open(broker.Config{
		NodeID:     cfg.Node.ID,
		Members:    members,
		DataDir:    cfg.Node.DataDir,
		Partitions: cfg.Cluster.Partitions,
		Transport:  transport,
		Mux:        mux,

		SegmentSize:    segmentSize,
		SegmentEntries: cfg.Journal.SegmentEntries,
		Raft: broker.RaftOptions{
			TickInterval:    cfg.Raft.TickInterval,
			ElectionTicks:   cfg.Raft.ElectionTicks,
			HeartbeatTicks:  cfg.Raft.HeartbeatTicks,
			MaxSizePerMsg:   cfg.Raft.MaxSizePerMsg,
			MaxInflightMsgs: cfg.Raft.MaxInflightMsgs,
			CheckQuorum:     cfg.Raft.CheckQuorum,
		},
		MaxInflightEntries: cfg.LogStream.MaxInflightEntries,
		Processor: broker.ProcessorOptions{
			SideEffectAttempts: cfg.Processor.SideEffectAttempts,
			SideEffectInterval: cfg.Processor.SideEffectInterval,
			SideEffectBackoff:  cfg.Processor.SideEffectBackoff,
		},
		SnapshotPeriod:       cfg.Snapshot.Period,
		SnapshotMinPositions: int64(cfg.Snapshot.MinEntries),
		Exporters:            exporters,
		DedupeTTL:            cfg.Gateway.DedupeTTL,
		Logger:               lg,
	})
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	b.Start(ctx)
	lg.Info("broker started",
		zap.Uint64("node", cfg.Node.ID),
		zap.Int("partitions", cfg.Cluster.Partitions),
		zap.String("raft_addr", transport.Addr().String()))

	var (
		wg      sync.WaitGroup
		errc    = make(chan error, 3)
		closers []func() error
	)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Gateway.Enabled {
		srv := gateway.NewServer(gateway.Config{
			Network:          cfg.Gateway.Network,
			Address:          cfg.Gateway.Address,
			UnixSocketPath:   cfg.Gateway.UnixSocketPath,
			AuthToken:        cfg.Gateway.AuthToken,
			MaxInflight:      cfg.Gateway.MaxInflight,
			GlobalQueueLimit: cfg.Gateway.GlobalQueueLimit,
			RequestTimeout:   cfg.Gateway.RequestTimeout,
			Logger:           lg,
		}, b)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("gateway: %w", err)
			}
		}()
	}

	if k := cfg.Ingest.Kafka; k.Enabled {
		adapter, err := kafka.NewAdapter(kafka.Config{
			Enabled:     true,
			Brokers:     k.Brokers,
			Topics:      k.Topics,
			GroupID:     k.GroupID,
			ClientID:    k.ClientID,
			WorkerCount: k.WorkerCount,
			CommitMode:  k.CommitMode,
			Logger:      lg,
		}, b)
		if err != nil {
			cancel()
			wg.Wait()
			_ = b.Stop()
			return fmt.Errorf("kafka ingest: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adapter.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("kafka ingest: %w", err)
			}
		}()
	}

	if r := cfg.Ingest.RabbitMQ; r.Enabled {
		adapter, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           r.URL,
			Queue:         r.Queue,
			ConsumerTag:   r.ConsumerTag,
			PrefetchCount: r.PrefetchCount,
			ManualAck:     true,
			Workers:       r.WorkerCount,
			DeliveryQueue: r.PrefetchCount,
			Logger:        lg,
		}, b)
		if err == nil {
			err = adapter.Start(runCtx)
		}
		if err != nil {
			cancel()
			wg.Wait()
			_ = b.Stop()
			return fmt.Errorf("rabbitmq ingest: %w", err)
		}
		closers = append(closers, adapter.Close)
	}

	var runErr error
	select {
	case <-ctx.Done():
		lg.Info("shutting down")
	case runErr = <-errc:
		lg.Error("component failed", zap.Error(runErr))
	}
	cancel()
	wg.Wait()
	for _, c := range closers {
		if err := c(); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	if err := b.Stop(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
