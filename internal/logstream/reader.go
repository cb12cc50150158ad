package logstream

import (
	"context"
	"errors"
	"fmt"

	"conduit/internal/journal"
	"conduit/internal/protocol"
)

// Reader iterates committed records in position order. A Reader is not safe
// for concurrent use; create one per consumer.
type Reader struct {
	ls      *LogStream
	next    uint64
	from    int64
	pending []LoggedRecord
}

func (ls *LogStream) NewReader() *Reader {
	return &Reader{ls: ls, next: ls.log.FirstIndex(), from: protocol.NoPosition}
}

// SeekPosition positions the reader so the next record returned is the
// first one with Position >= position. Seeking beyond the committed tail is
// allowed.
func (r *Reader) SeekPosition(position int64) error {
	r.pending = r.pending[:0]
	r.from = position
	idx, err := r.ls.search(position)
	if errors.Is(err, ErrEndOfLog) {
		r.next = r.ls.committed() + 1
		if first := r.ls.log.FirstIndex(); r.next < first {
			r.next = first
		}
		return nil
	}
	if err != nil {
		return err
	}
	r.next = idx
	return nil
}

// SeekToFirst rewinds to the oldest retained entry.
func (r *Reader) SeekToFirst() {
	r.pending = r.pending[:0]
	r.from = protocol.NoPosition
	r.next = r.ls.log.FirstIndex()
}

func (ls *LogStream) committed() uint64 {
	c := ls.repl.CommitIndex()
	if last := ls.log.LastIndex(); c > last {
		c = last
	}
	return c
}

// Next returns the next committed record or ErrEndOfLog.
func (r *Reader) Next() (LoggedRecord, error) {
	for {
		for len(r.pending) > 0 {
			rec := r.pending[0]
			r.pending = r.pending[1:]
			if rec.Position >= r.from {
				return rec, nil
			}
		}
		if r.next > r.ls.committed() {
			return LoggedRecord{}, ErrEndOfLog
		}
		if r.next < r.ls.log.FirstIndex() {
			return LoggedRecord{}, fmt.Errorf("%w: next index %d", ErrCompacted, r.next)
		}
		e, err := r.ls.log.Read(r.next)
		if errors.Is(err, journal.ErrNotFound) {
			return LoggedRecord{}, fmt.Errorf("%w: next index %d", ErrCompacted, r.next)
		}
		if err != nil {
			return LoggedRecord{}, err
		}
		r.next++
		if e.Type != journal.EntryNormal || len(e.Data) == 0 {
			continue
		}
		records, err := protocol.DecodeBatch(e.Data)
		if err != nil {
			return LoggedRecord{}, fmt.Errorf("decode entry %d: %w", e.Index, err)
		}
		for _, rec := range records {
			r.pending = append(r.pending, LoggedRecord{Record: rec, Index: e.Index})
		}
	}
}

// HasNext reports whether unread committed entries remain. Entries without
// records count, so Next may still return ErrEndOfLog.
func (r *Reader) HasNext() bool {
	return len(r.pending) > 0 || r.next <= r.ls.committed()
}

// Wait blocks until HasNext is true or ctx is done.
func (r *Reader) Wait(ctx context.Context) error {
	for {
		ch := r.ls.repl.CommitNotify()
		if r.HasNext() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
