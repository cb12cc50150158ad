package exporter

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"conduit/internal/journal"
	"conduit/internal/logstream"
	"conduit/internal/logstream/streamtest"
	"conduit/internal/protocol"
)

type memoryExporter struct {
	id string

	mu       sync.Mutex
	records  []protocol.Record
	start    int64
	failures int
}

func (m *memoryExporter) ID() string { return m.id }

func (m *memoryExporter) LastExported(context.Context, protocol.PartitionID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return m.start, nil
	}
	return m.records[len(m.records)-1].Position, nil
}

func (m *memoryExporter) Export(_ context.Context, _ protocol.PartitionID, records []protocol.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("sink unavailable")
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *memoryExporter) exported() []protocol.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Record(nil), m.records...)
}

func newStream(t *testing.T) *logstream.LogStream {
	t.Helper()
	j, err := journal.Open(journal.Config{Dir: filepath.Join(t.TempDir(), "journal")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return logstream.New(logstream.Config{Partition: 1}, j, streamtest.NewReplicator(j, true))
}

func write(t *testing.T, ls *logstream.LogStream, n int) logstream.AppendResult {
	t.Helper()
	batch := make([]protocol.Record, n)
	for i := range batch {
		batch[i] = protocol.NewCommand(1, 1, protocol.NilPayload)
	}
	res, err := ls.Writer().Append(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDirectorExportsAndReportsPositions(t *testing.T) {
	defer goleak.VerifyNone(t)
	ls := newStream(t)
	first := write(t, ls, 3)

	fast := &memoryExporter{id: "fast", start: protocol.NoPosition}
	flaky := &memoryExporter{id: "flaky", start: protocol.NoPosition, failures: 2}
	tracker := NewPositionTracker()
	d := NewDirector(DirectorConfig{
		Partition:     1,
		Stream:        ls,
		Exporters:     []Exporter{fast, flaky},
		Tracker:       tracker,
		BatchSize:     2,
		FlushInterval: 5 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
		Logger:        zaptest.NewLogger(t),
	})
	d.Start(context.Background())
	defer d.Stop()

	second := write(t, ls, 2)
	for _, e := range []*memoryExporter{fast, flaky} {
		e := e
		waitFor(t, e.id+" export", func() bool { return len(e.exported()) == 5 })
		var prev int64 = protocol.NoPosition
		for _, r := range e.exported() {
			if r.Position <= prev {
				t.Fatalf("%s exported out of order or twice", e.id)
			}
			prev = r.Position
		}
		if e.exported()[0].Position != first.Lowest {
			t.Fatalf("%s started at %d", e.id, e.exported()[0].Position)
		}
	}
	waitFor(t, "tracker", func() bool {
		low, ok := tracker.Lowest()
		return ok && low == second.Highest
	})
}

func TestDirectorResumesAfterLastExported(t *testing.T) {
	defer goleak.VerifyNone(t)
	ls := newStream(t)
	first := write(t, ls, 2)
	write(t, ls, 2)

	e := &memoryExporter{id: "resume", start: first.Highest}
	d := NewDirector(DirectorConfig{Partition: 1, Stream: ls, Exporters: []Exporter{e}, FlushInterval: 5 * time.Millisecond})
	d.Start(context.Background())
	defer d.Stop()
	waitFor(t, "export", func() bool { return len(e.exported()) == 2 })
	if got := e.exported()[0].Position; got != protocol.NextPosition(first.Highest) {
		t.Fatalf("resumed at %d", got)
	}
}

func TestTrackerDefersUntilEveryConsumerReported(t *testing.T) {
	tr := NewPositionTracker()
	if low, ok := tr.Lowest(); !ok || low <= 0 {
		t.Fatalf("no consumers should not bound compaction: %d %v", low, ok)
	}
	tr.Register("a")
	tr.Register("b")
	tr.Update("a", 10)
	if _, ok := tr.Lowest(); ok {
		t.Fatal("unreported consumer must defer compaction")
	}
	tr.Update("b", 4)
	tr.Update("b", 2)
	if low, ok := tr.Lowest(); !ok || low != 4 {
		t.Fatalf("lowest %d ok=%v", low, ok)
	}
	tr.Unregister("b")
	if low, _ := tr.Lowest(); low != 10 {
		t.Fatalf("lowest after unregister %d", low)
	}
	if p := tr.Positions(); len(p) != 1 || p["a"] != 10 {
		t.Fatalf("positions %v", p)
	}
}
