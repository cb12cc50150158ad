// Package exporter streams committed records of a partition to external
// sinks and tracks how far each sink has progressed, which bounds log
// compaction.
package exporter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"conduit/internal/clock"
	"conduit/internal/logstream"
	"conduit/internal/protocol"
)

// Exporter is a sink for committed records. Export must be idempotent for
// records at or below the position returned by LastExported.
type Exporter interface {
	ID() string
	LastExported(ctx context.Context, partition protocol.PartitionID) (int64, error)
	Export(ctx context.Context, partition protocol.PartitionID, records []protocol.Record) error
}

type DirectorConfig struct {
	Partition     protocol.PartitionID
	Stream        *logstream.LogStream
	Exporters     []Exporter
	Tracker       *PositionTracker
	BatchSize     int
	FlushInterval time.Duration
	RetryInterval time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
}

// Director runs one export loop per exporter.
type Director struct {
	cfg    DirectorConfig
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDirector(cfg DirectorConfig) *Director {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewPositionTracker()
	}
	return &Director{cfg: cfg, logger: cfg.Logger.With(zap.Uint16("partition", uint16(cfg.Partition)))}
}

func trackerID(e Exporter) string { return "exporter/" + e.ID() }

// Start registers every exporter with the tracker and starts exporting.
func (d *Director) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for _, e := range d.cfg.Exporters {
		d.cfg.Tracker.Register(trackerID(e))
		d.wg.Add(1)
		go func(e Exporter) {
			defer d.wg.Done()
			d.run(ctx, e)
		}(e)
	}
}

func (d *Director) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	for _, e := range d.cfg.Exporters {
		d.cfg.Tracker.Unregister(trackerID(e))
	}
}

func (d *Director) run(ctx context.Context, e Exporter) {
	lg := d.logger.With(zap.String("exporter", e.ID()))
	var last int64
	for {
		var err error
		last, err = e.LastExported(ctx, d.cfg.Partition)
		if err == nil {
			break
		}
		lg.Warn("exporter position unavailable", zap.Error(err))
		if d.cfg.Clock.Sleep(ctx, d.cfg.RetryInterval) != nil {
			return
		}
	}
	d.cfg.Tracker.Update(trackerID(e), last)

	for ctx.Err() == nil {
		from := protocol.NextPosition(last)
		if last == protocol.NoPosition {
			from = protocol.NoPosition
		}
		subCtx, cancel := context.WithCancel(ctx)
		sub, err := d.cfg.Stream.Subscribe(subCtx, from)
		if err != nil {
			cancel()
			lg.Warn("exporter subscription failed", zap.Error(err))
			if d.cfg.Clock.Sleep(ctx, d.cfg.RetryInterval) != nil {
				return
			}
			continue
		}
		var failed bool
		last, failed = d.pump(ctx, lg, e, sub, last)
		cancel()
		<-sub.Done()
		if err := sub.Err(); err != nil {
			lg.Warn("exporter subscription ended", zap.Error(err))
			failed = true
		}
		// resubscribe from the last exported position after a pause
		if failed && d.cfg.Clock.Sleep(ctx, d.cfg.RetryInterval) != nil {
			return
		}
	}
}

// pump exports from sub until it closes, ctx ends or an export fails. It
// returns the last exported position.
func (d *Director) pump(ctx context.Context, lg *zap.Logger, e Exporter, sub *logstream.Subscription, last int64) (int64, bool) {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]protocol.Record, 0, d.cfg.BatchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		if err := e.Export(ctx, d.cfg.Partition, batch); err != nil {
			if ctx.Err() == nil {
				lg.Warn("export failed, retrying", zap.Int64("from", batch[0].Position), zap.Error(err))
			}
			return false
		}
		last = batch[len(batch)-1].Position
		d.cfg.Tracker.Update(trackerID(e), last)
		batch = batch[:0]
		return true
	}
	for {
		select {
		case rec, ok := <-sub.C:
			if !ok {
				return last, !flush()
			}
			if rec.Position <= last {
				continue
			}
			batch = append(batch, rec.Record)
			if len(batch) >= d.cfg.BatchSize && !flush() {
				return last, true
			}
		case <-ticker.C:
			if !flush() {
				return last, true
			}
		case <-ctx.Done():
			return last, false
		}
	}
}
