package logstream

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"conduit/internal/protocol"
	"conduit/internal/raft"
)

// AppendResult describes a written batch.
type AppendResult struct {
	Lowest  int64
	Highest int64
	Index   uint64
	Term    uint64
}

// Writer assigns positions and proposes record batches. Appends are
// serialized, so positions are dense and increasing in log order.
type Writer struct {
	ls *LogStream

	mu   sync.Mutex
	term uint64
	next int64
}

// TryAppend is the client ingress path. It fails fast with ErrBackpressure
// when too many entries are waiting for commit.
func (w *Writer) TryAppend(ctx context.Context, records []protocol.Record) (AppendResult, error) {
	return w.append(ctx, records, true)
}

// Append writes records produced by the processor. It is not subject to
// backpressure.
func (w *Writer) Append(ctx context.Context, records []protocol.Record) (AppendResult, error) {
	return w.append(ctx, records, false)
}

func validate(records []protocol.Record) error {
	if len(records) == 0 {
		return protocol.ErrEmptyBatch
	}
	for i, r := range records {
		switch r.RecordType {
		case protocol.Command, protocol.Event, protocol.CommandRejection:
		default:
			return &MalformedBatchError{Index: i, Reason: fmt.Sprintf("unknown record type %s", r.RecordType)}
		}
		if !protocol.IsValidPayload(r.Value) {
			return &MalformedBatchError{Index: i, Reason: "payload is not a document"}
		}
	}
	return nil
}

func (w *Writer) append(ctx context.Context, records []protocol.Record, limited bool) (AppendResult, error) {
	if err := validate(records); err != nil {
		return AppendResult{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	st := w.ls.repl.Status()
	if st.Role != raft.Leader {
		return AppendResult{}, raft.ErrNotLeader
	}
	if limited {
		if inflight, limit := w.ls.Capacity(); inflight >= limit {
			return AppendResult{}, ErrBackpressure
		}
	}
	if st.Term != w.term {
		if err := w.recover(st.Term); err != nil {
			return AppendResult{}, err
		}
	}
	if off := protocol.OffsetOf(w.next); off == 0 || uint64(off)+uint64(len(records))-1 > math.MaxUint32 {
		return AppendResult{}, ErrPositionsExhausted
	}

	now := w.ls.cfg.Clock.Now().UnixMilli()
	batch := make([]protocol.Record, len(records))
	pos := w.next
	for i, r := range records {
		r.Position = pos
		if r.Timestamp == 0 {
			r.Timestamp = now
		}
		batch[i] = r
		pos = protocol.NextPosition(pos)
	}
	data, err := protocol.EncodeBatch(batch)
	if err != nil {
		return AppendResult{}, err
	}
	index, term, err := w.ls.repl.Propose(ctx, data)
	if err != nil {
		return AppendResult{}, err
	}
	if term != w.term {
		// leadership changed between status and propose; recover next time
		w.term = 0
	}
	w.next = pos
	return AppendResult{
		Lowest:  batch[0].Position,
		Highest: batch[len(batch)-1].Position,
		Index:   index,
		Term:    term,
	}, nil
}

// recover rebuilds the next position after a term change, which may follow
// writes by another leader. Compaction and snapshot installs can leave the
// journal without records, so the stream's position floor bounds it too.
func (w *Writer) recover(term uint64) error {
	highest, err := w.ls.highestBefore(w.ls.log.LastIndex())
	if err != nil {
		return fmt.Errorf("recover writer position: %w", err)
	}
	if floor := w.ls.PositionFloor(); floor > highest {
		highest = floor
	}
	if highest == protocol.NoPosition {
		w.next = protocol.NewPosition(w.ls.cfg.Partition, 1)
	} else {
		w.next = protocol.NextPosition(highest)
	}
	w.term = term
	w.ls.logger.Debug("writer position recovered", zap.Uint64("term", term), zap.Int64("next", w.next))
	return nil
}
