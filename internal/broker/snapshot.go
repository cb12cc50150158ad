package broker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"conduit/internal/engine"
	"conduit/internal/logstream"
	"conduit/internal/protocol"
	"conduit/internal/snapshot"
)

func (p *Partition) snapshotLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		if err := p.b.cfg.Clock.Sleep(ctx, p.b.cfg.SnapshotPeriod); err != nil {
			return
		}
		info, taken, err := p.TakeSnapshot(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("snapshot failed", zap.Error(err))
			}
			continue
		}
		if taken {
			p.logger.Info("snapshot taken",
				zap.String("snapshot", info.Metadata.ID()),
				zap.Int64("size", info.Size))
		}
		removed, err := p.Compact(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("compaction failed", zap.Error(err))
			}
			continue
		}
		if removed > 0 {
			p.logger.Info("log compacted", zap.Int("segments", removed))
		}
	}
}

// TakeSnapshot persists the processor's state when it has advanced far
// enough past the newest snapshot. The snapshot covers raft entries before
// the one holding the last processed command, so replay after a restore
// starts at that command and skips it.
func (p *Partition) TakeSnapshot(ctx context.Context) (snapshot.Info, bool, error) {
	proc := p.Processor()
	if proc == nil {
		return snapshot.Info{}, false, nil
	}
	if ph := proc.Phase(); ph != engine.PhaseProcessing && ph != engine.PhaseReplay && ph != engine.PhasePaused {
		return snapshot.Info{}, false, nil
	}
	data, pos, err := proc.Snapshot()
	if err != nil {
		return snapshot.Info{}, false, err
	}
	if pos == protocol.NoPosition {
		return snapshot.Info{}, false, nil
	}
	latest, have, err := p.latestSnapshot()
	if err != nil {
		return snapshot.Info{}, false, err
	}
	if have && pos-latest.LastProcessedPosition < p.b.cfg.SnapshotMinPositions {
		return snapshot.Info{}, false, nil
	}
	idx, err := p.stream.IndexOf(pos)
	if err != nil {
		return snapshot.Info{}, false, fmt.Errorf("locate processed position %d: %w", pos, err)
	}
	index := idx - 1
	if index == 0 || (have && index <= latest.Index) {
		return snapshot.Info{}, false, nil
	}
	term, err := p.node.TermAt(ctx, index)
	if err != nil {
		return snapshot.Info{}, false, err
	}
	info, err := p.snapshots.Persist(snapshot.Metadata{
		Partition:             p.id,
		Index:                 index,
		Term:                  term,
		LastProcessedPosition: pos,
		CreatedAt:             p.b.cfg.Clock.Now().UnixMilli(),
	}, data)
	if err != nil {
		return snapshot.Info{}, false, err
	}
	return info, true, nil
}

func (p *Partition) latestSnapshot() (snapshot.Metadata, bool, error) {
	infos, err := p.snapshots.List()
	if err != nil || len(infos) == 0 {
		return snapshot.Metadata{}, false, err
	}
	return infos[0].Metadata, true, nil
}

// Compact removes journal segments nothing needs anymore: everything the
// newest snapshot covers, bounded by the lowest position an exporter or
// registered consumer still has to read. It returns the number of
// segments removed.
func (p *Partition) Compact(ctx context.Context) (int, error) {
	latest, have, err := p.latestSnapshot()
	if err != nil || !have {
		return 0, err
	}
	low, ok := p.tracker.Lowest()
	if !ok {
		return 0, nil
	}
	upTo := latest.Index
	if low < latest.LastProcessedPosition {
		if low == protocol.NoPosition {
			return 0, nil
		}
		idx, err := p.stream.IndexOf(low)
		if errors.Is(err, logstream.ErrPositionAbsent) || errors.Is(err, logstream.ErrEndOfLog) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		if idx-1 < upTo {
			upTo = idx - 1
		}
	}
	if upTo == 0 {
		return 0, nil
	}
	p.stream.RaisePositionFloor(latest.LastProcessedPosition)
	return p.node.Compact(ctx, upTo)
}
