package journal

import (
	"errors"
)

// Reader is a forward cursor over the journal. Each reader keeps its own
// position and may be used concurrently with the writer.
type Reader struct {
	j    *Journal
	next uint64
}

func (j *Journal) NewReader() *Reader {
	return &Reader{j: j, next: j.FirstIndex()}
}

// SeekIndex positions the cursor so that Next returns index.
func (r *Reader) SeekIndex(index uint64) { r.next = index }

func (r *Reader) NextIndex() uint64 { return r.next }

// Next returns the entry at the cursor and advances it. ErrNotFound is
// returned at the end of the journal; a compacted cursor skips forward to the
// first retained entry.
func (r *Reader) Next() (Entry, error) {
	if first := r.j.FirstIndex(); r.next < first {
		r.next = first
	}
	e, err := r.j.Read(r.next)
	if err != nil {
		return Entry{}, err
	}
	r.next++
	return e, nil
}

func (r *Reader) HasNext() bool {
	return r.next <= r.j.LastIndex()
}

// IsEndOfJournal reports whether err marks the end of the readable journal.
func IsEndOfJournal(err error) bool { return errors.Is(err, ErrNotFound) }
