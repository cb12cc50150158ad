// Package journal is an append-only, segmented and checksummed log addressed
// by contiguous indices.
package journal

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("journal entry not found")
	ErrClosed        = errors.New("journal closed")
	ErrIndexMismatch = errors.New("journal append index mismatch")
)

type EntryType uint8

const (
	EntryNormal EntryType = iota
	EntryNoop
)

type Entry struct {
	Index uint64
	Term  uint64
	Type  EntryType
	Data  []byte
}

type Config struct {
	Dir string
	// MaxSegmentSize rolls the active segment once the next frame would push
	// it past this many bytes.
	MaxSegmentSize int64
	// MaxSegmentEntries rolls the active segment after this many entries when
	// positive.
	MaxSegmentEntries int
	Logger            *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxSegmentSize <= 0 {
		c.MaxSegmentSize = 64 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Journal allows a single writer and any number of concurrent readers.
// Readers only observe fully appended entries.
type Journal struct {
	cfg    Config
	log    *zap.Logger
	mu     sync.RWMutex
	segs   []*segment
	closed bool
}

func Open(cfg Config) (*Journal, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, errors.New("journal dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	j := &Journal{cfg: cfg, log: cfg.Logger.Named("journal")}
	ids, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		seg, torn, err := openSegment(cfg.Dir, id)
		if err != nil {
			_ = j.closeSegments()
			return nil, err
		}
		j.segs = append(j.segs, seg)
		if torn {
			if i != len(ids)-1 {
				_ = j.closeSegments()
				return nil, fmt.Errorf("segment %d has a damaged tail but is not the active segment", id)
			}
			j.log.Warn("truncating torn tail write", zap.Uint64("segment", id), zap.Int64("size", seg.size))
			if err := seg.file.Truncate(seg.size); err != nil {
				_ = j.closeSegments()
				return nil, err
			}
		}
		if i > 0 {
			prev := j.segs[i-1]
			if prev.firstIndex+uint64(prev.entries()) != seg.firstIndex {
				_ = j.closeSegments()
				return nil, fmt.Errorf("segment %d starts at %d, previous segment ends at %d", id, seg.firstIndex, prev.lastIndex())
			}
		}
	}
	if len(j.segs) == 0 {
		seg, err := createSegment(cfg.Dir, 1, 1)
		if err != nil {
			return nil, err
		}
		j.segs = append(j.segs, seg)
	}
	j.log.Debug("journal opened", zap.String("dir", cfg.Dir), zap.Int("segments", len(j.segs)),
		zap.Uint64("first_index", j.firstIndexLocked()), zap.Uint64("last_index", j.lastIndexLocked()))
	return j, nil
}

func (j *Journal) active() *segment { return j.segs[len(j.segs)-1] }

func (j *Journal) firstIndexLocked() uint64 { return j.segs[0].firstIndex }

func (j *Journal) lastIndexLocked() uint64 {
	a := j.active()
	return a.firstIndex + uint64(a.entries()) - 1
}

// FirstIndex is the lowest readable index. For an empty journal it is
// LastIndex()+1.
func (j *Journal) FirstIndex() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.firstIndexLocked()
}

// LastIndex is the highest appended index, or FirstIndex()-1 when empty.
func (j *Journal) LastIndex() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastIndexLocked()
}

func (j *Journal) IsEmpty() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastIndexLocked() < j.firstIndexLocked()
}

// Append writes data at the next index.
func (j *Journal) Append(term uint64, typ EntryType, data []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}
	e := Entry{Index: j.lastIndexLocked() + 1, Term: term, Type: typ, Data: data}
	if err := j.appendLocked(e); err != nil {
		return 0, err
	}
	return e.Index, nil
}

// AppendEntry writes a replicated entry whose index is already assigned.
func (j *Journal) AppendEntry(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if next := j.lastIndexLocked() + 1; e.Index != next {
		return fmt.Errorf("%w: got %d, next is %d", ErrIndexMismatch, e.Index, next)
	}
	return j.appendLocked(e)
}

func (j *Journal) appendLocked(e Entry) error {
	a := j.active()
	if a.entries() > 0 && j.shouldRoll(a, e) {
		if err := a.sync(); err != nil {
			return err
		}
		seg, err := createSegment(j.cfg.Dir, a.id+1, e.Index)
		if err != nil {
			return err
		}
		j.segs = append(j.segs, seg)
		j.log.Debug("segment rolled", zap.Uint64("segment", seg.id), zap.Uint64("first_index", e.Index))
		a = seg
	}
	return a.append(e)
}

func (j *Journal) shouldRoll(a *segment, e Entry) bool {
	if j.cfg.MaxSegmentEntries > 0 && a.entries() >= j.cfg.MaxSegmentEntries {
		return true
	}
	return a.size+frameSize(e) > j.cfg.MaxSegmentSize
}

func (j *Journal) segmentFor(index uint64) *segment {
	i := sort.Search(len(j.segs), func(i int) bool { return j.segs[i].firstIndex > index })
	if i == 0 {
		return nil
	}
	seg := j.segs[i-1]
	if !seg.contains(index) {
		return nil
	}
	return seg
}

// Read returns the entry at index after verifying its checksum. A
// *ChecksumMismatchError means the segment is corrupt.
func (j *Journal) Read(index uint64) (Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return Entry{}, ErrClosed
	}
	seg := j.segmentFor(index)
	if seg == nil {
		return Entry{}, fmt.Errorf("%w: index %d outside [%d,%d]", ErrNotFound, index, j.firstIndexLocked(), j.lastIndexLocked())
	}
	e, err := seg.read(index)
	if err != nil {
		var mismatch *ChecksumMismatchError
		if errors.As(err, &mismatch) {
			j.log.Error("journal corruption detected", zap.Uint64("segment", mismatch.Segment),
				zap.Uint64("index", index), zap.Int64("offset", mismatch.Offset))
		}
		return Entry{}, err
	}
	return e, nil
}

// Term returns the term of the entry at index from the in-memory index.
func (j *Journal) Term(index uint64) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	seg := j.segmentFor(index)
	if seg == nil {
		return 0, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return seg.terms[index-seg.firstIndex], nil
}

// Truncate removes the entry at fromIndex and everything after it.
func (j *Journal) Truncate(fromIndex uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if fromIndex > j.lastIndexLocked() {
		return nil
	}
	if fromIndex <= j.firstIndexLocked() {
		return j.resetLocked(fromIndex)
	}
	for len(j.segs) > 1 && j.active().firstIndex >= fromIndex {
		seg := j.active()
		if err := seg.remove(); err != nil {
			return err
		}
		j.segs = j.segs[:len(j.segs)-1]
	}
	if err := j.active().truncateFrom(fromIndex); err != nil {
		return err
	}
	j.log.Debug("journal truncated", zap.Uint64("from_index", fromIndex))
	return j.active().sync()
}

// Compact removes whole segments whose last entry is at or before upToIndex.
// The active segment is never removed.
func (j *Journal) Compact(upToIndex uint64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}
	removed := 0
	for len(j.segs) > 1 && j.segs[0].lastIndex() <= upToIndex {
		seg := j.segs[0]
		if err := seg.remove(); err != nil {
			return removed, err
		}
		j.segs = j.segs[1:]
		removed++
	}
	if removed > 0 {
		j.log.Info("journal compacted", zap.Uint64("up_to_index", upToIndex), zap.Int("segments_removed", removed),
			zap.Uint64("first_index", j.firstIndexLocked()))
	}
	return removed, nil
}

// Reset discards every entry and restarts the journal at nextIndex.
func (j *Journal) Reset(nextIndex uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.resetLocked(nextIndex)
}

func (j *Journal) resetLocked(nextIndex uint64) error {
	nextID := j.active().id + 1
	for _, seg := range j.segs {
		if err := seg.remove(); err != nil {
			return err
		}
	}
	j.segs = nil
	seg, err := createSegment(j.cfg.Dir, nextID, nextIndex)
	if err != nil {
		return err
	}
	j.segs = []*segment{seg}
	j.log.Info("journal reset", zap.Uint64("next_index", nextIndex))
	return nil
}

// Flush fsyncs the active segment.
func (j *Journal) Flush() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return j.active().sync()
}

type SegmentInfo struct {
	ID         uint64
	FirstIndex uint64
	LastIndex  uint64
	Entries    int
	Size       int64
}

func (j *Journal) Segments() []SegmentInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]SegmentInfo, 0, len(j.segs))
	for _, s := range j.segs {
		out = append(out, SegmentInfo{ID: s.id, FirstIndex: s.firstIndex, LastIndex: s.lastIndex(), Entries: s.entries(), Size: s.size})
	}
	return out
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	var errs []error
	if len(j.segs) > 0 {
		errs = append(errs, j.active().sync())
	}
	errs = append(errs, j.closeSegments())
	return errors.Join(errs...)
}

func (j *Journal) closeSegments() error {
	var errs []error
	for _, s := range j.segs {
		errs = append(errs, s.close())
	}
	return errors.Join(errs...)
}
