// Package logstream exposes a partition's replicated journal as an ordered
// stream of records. Writes go through raft; reads only ever observe
// committed entries.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"conduit/internal/clock"
	"conduit/internal/journal"
	"conduit/internal/protocol"
	"conduit/internal/raft"
)

var (
	ErrEndOfLog       = errors.New("end of committed log")
	ErrBackpressure   = errors.New("partition is overloaded")
	ErrPositionAbsent = errors.New("position not found in log")
	// ErrPositionsExhausted is returned once a partition has handed out
	// every offset a position can hold.
	ErrPositionsExhausted = errors.New("partition positions exhausted")
	// ErrCompacted is returned when a reader's next entry was removed by
	// compaction or snapshot install.
	ErrCompacted = errors.New("log compacted past reader")
)

// MalformedBatchError rejects a write whose record at Index fails ingress
// validation. Nothing of the batch is written.
type MalformedBatchError struct {
	Index  int
	Reason string
}

func (e *MalformedBatchError) Error() string {
	return fmt.Sprintf("malformed record %d in batch: %s", e.Index, e.Reason)
}

// Log is the read side of the local journal.
type Log interface {
	FirstIndex() uint64
	LastIndex() uint64
	Read(index uint64) (journal.Entry, error)
}

// Replicator is the write and commit side, satisfied by *raft.Node.
type Replicator interface {
	Propose(ctx context.Context, data []byte) (uint64, uint64, error)
	Status() raft.Status
	CommitIndex() uint64
	CommitNotify() <-chan struct{}
	WaitCommitted(ctx context.Context, index uint64) error
}

type Config struct {
	Partition protocol.PartitionID
	// MaxInflightEntries bounds appended but uncommitted entries accepted
	// through TryAppend.
	MaxInflightEntries int
	Clock              clock.Clock
	Logger             *zap.Logger
}

// LoggedRecord is a record together with the raft index of the entry that
// carries it.
type LoggedRecord struct {
	protocol.Record
	Index uint64
}

type LogStream struct {
	cfg    Config
	log    Log
	repl   Replicator
	writer *Writer
	logger *zap.Logger
	floor  atomic.Int64
}

func New(cfg Config, log Log, repl Replicator) *LogStream {
	if cfg.MaxInflightEntries <= 0 {
		cfg.MaxInflightEntries = 256
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ls := &LogStream{
		cfg:    cfg,
		log:    log,
		repl:   repl,
		logger: cfg.Logger.With(zap.Uint16("partition", uint16(cfg.Partition))),
	}
	ls.floor.Store(protocol.NoPosition)
	ls.writer = &Writer{ls: ls}
	return ls
}

// RaisePositionFloor records a position that was assigned even though its
// entry may no longer be in the journal, like the last position covered by
// a snapshot. A writer taking over never hands out positions at or below it.
func (ls *LogStream) RaisePositionFloor(position int64) {
	for {
		cur := ls.floor.Load()
		if position <= cur || ls.floor.CompareAndSwap(cur, position) {
			return
		}
	}
}

func (ls *LogStream) PositionFloor() int64 { return ls.floor.Load() }

func (ls *LogStream) Partition() protocol.PartitionID { return ls.cfg.Partition }

// Writer returns the single writer of this stream.
func (ls *LogStream) Writer() *Writer { return ls.writer }

func (ls *LogStream) WaitCommitted(ctx context.Context, index uint64) error {
	return ls.repl.WaitCommitted(ctx, index)
}

func (ls *LogStream) CommitIndex() uint64 { return ls.repl.CommitIndex() }

// LastIndex is the last locally appended entry, committed or not.
func (ls *LogStream) LastIndex() uint64 { return ls.log.LastIndex() }

// Capacity reports uncommitted entries against the configured limit.
func (ls *LogStream) Capacity() (inflight, limit int) {
	last, commit := ls.log.LastIndex(), ls.repl.CommitIndex()
	if last > commit {
		inflight = int(last - commit)
	}
	return inflight, ls.cfg.MaxInflightEntries
}

// bounds returns the batch bounds of the entry at index, ok=false for
// entries that carry no records.
func (ls *LogStream) bounds(index uint64) (protocol.BatchBounds, bool, error) {
	e, err := ls.log.Read(index)
	if err != nil {
		return protocol.BatchBounds{}, false, err
	}
	if e.Type != journal.EntryNormal || len(e.Data) == 0 {
		return protocol.BatchBounds{}, false, nil
	}
	b, err := protocol.PeekBatchBounds(e.Data)
	if err != nil {
		return protocol.BatchBounds{}, false, fmt.Errorf("entry %d: %w", index, err)
	}
	return b, true, nil
}

// highestBefore scans backwards from index for the last record position.
func (ls *LogStream) highestBefore(index uint64) (int64, error) {
	first := ls.log.FirstIndex()
	for i := index; i >= first && i > 0; i-- {
		b, ok, err := ls.bounds(i)
		if errors.Is(err, journal.ErrNotFound) {
			break
		}
		if err != nil {
			return protocol.NoPosition, err
		}
		if ok {
			return b.Highest, nil
		}
	}
	return protocol.NoPosition, nil
}

// LastCommittedPosition is the highest record position in the committed
// prefix, or NoPosition when it holds no records.
func (ls *LogStream) LastCommittedPosition() (int64, error) {
	commit := ls.repl.CommitIndex()
	if last := ls.log.LastIndex(); commit > last {
		commit = last
	}
	return ls.highestBefore(commit)
}

// IndexOf finds the committed entry whose batch contains position.
func (ls *LogStream) IndexOf(position int64) (uint64, error) {
	idx, err := ls.search(position)
	if err != nil {
		return 0, err
	}
	b, ok, err := ls.bounds(idx)
	if err != nil {
		return 0, err
	}
	if !ok || !b.Contains(position) {
		return 0, fmt.Errorf("%w: %d", ErrPositionAbsent, position)
	}
	return idx, nil
}

// search returns the first committed entry carrying records whose highest
// position is >= position. It returns ErrEndOfLog when none exists.
func (ls *LogStream) search(position int64) (uint64, error) {
	lo, hi := ls.log.FirstIndex(), ls.repl.CommitIndex()
	if last := ls.log.LastIndex(); hi > last {
		hi = last
	}
	if hi < lo {
		return 0, ErrEndOfLog
	}
	// pred(i): the first record carrying entry at or after i reaches position.
	// Entries without records are skipped forward.
	pred := func(i uint64) (uint64, bool, error) {
		for j := i; j <= hi; j++ {
			b, ok, err := ls.bounds(j)
			if err != nil {
				return 0, false, err
			}
			if ok {
				return j, b.Highest >= position, nil
			}
		}
		return 0, false, nil
	}
	found := uint64(0)
	for lo <= hi {
		mid := lo + (hi-lo)/2
		j, ok, err := pred(mid)
		if err != nil {
			return 0, err
		}
		if j == 0 {
			// nothing carries records in [mid, hi]
			if mid == 0 {
				break
			}
			hi = mid - 1
			continue
		}
		if ok {
			found = j
			if mid == 0 {
				break
			}
			hi = mid - 1
		} else {
			lo = j + 1
		}
	}
	if found == 0 {
		return 0, ErrEndOfLog
	}
	return found, nil
}
