package sqlite

import (
	"context"
	"strings"
	"testing"

	"conduit/internal/protocol"
)

func event(pos, key int64, value []byte) protocol.Record {
	return protocol.Record{
		Position:             pos,
		SourceRecordPosition: pos - 1,
		Key:                  key,
		Timestamp:            1000 + pos,
		RecordType:           protocol.Event,
		ValueType:            3,
		Intent:               2,
		Value:                value,
	}
}

func TestSchemaInitializationCreatesExpectedTables(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	db, err := s.partitionDB(1)
	if err != nil {
		t.Fatalf("partition db init: %v", err)
	}
	for _, table := range []string{"records", "entity_index", "exporter_meta"} {
		var cnt int
		if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&cnt); err != nil {
			t.Fatal(err)
		}
		if cnt != 1 {
			t.Fatalf("%s table missing", table)
		}
	}
}

func TestRecordsAreAppendOnlyViaTriggers(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Export(ctx, 1, []protocol.Record{event(10, 5, protocol.NilPayload)}); err != nil {
		t.Fatal(err)
	}
	db, err := s.partitionDB(1)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`UPDATE records SET intent=9 WHERE position=10`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only update error, got %v", err)
	}
	_, err = db.Exec(`DELETE FROM records WHERE position=10`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only delete error, got %v", err)
	}
}

func TestExportIsIdempotentAndTracksPosition(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	last, err := s.LastExported(ctx, 2)
	if err != nil || last != protocol.NoPosition {
		t.Fatalf("initial position %d err=%v", last, err)
	}
	value, err := protocol.MarshalValue(map[string]interface{}{"type": "email", "retries": 3})
	if err != nil {
		t.Fatal(err)
	}
	batch := []protocol.Record{event(1, 7, value), event(2, 7, nil), event(3, 8, protocol.NilPayload)}
	if err := s.Export(ctx, 2, batch); err != nil {
		t.Fatal(err)
	}
	// redelivery after a crash must not duplicate anything
	if err := s.Export(ctx, 2, batch[1:]); err != nil {
		t.Fatal(err)
	}
	if last, _ := s.LastExported(ctx, 2); last != 3 {
		t.Fatalf("last exported %d", last)
	}

	recs, err := s.RecordsByKey(ctx, 2, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Position != 1 || recs[1].PayloadJSON != "" {
		t.Fatalf("records %+v", recs)
	}
	if !strings.Contains(recs[0].PayloadJSON, `"type":"email"`) || !strings.Contains(recs[0].PayloadJSON, `"retries":3`) {
		t.Fatalf("payload json %s", recs[0].PayloadJSON)
	}
	nilRecs, _ := s.RecordsByKey(ctx, 2, 8)
	if len(nilRecs) != 1 || nilRecs[0].PayloadJSON != "null" {
		t.Fatalf("nil payload %+v", nilRecs)
	}

	ent, ok, err := s.Entity(ctx, 2, 7)
	if err != nil || !ok {
		t.Fatalf("entity ok=%v err=%v", ok, err)
	}
	if ent.FirstPosition != 1 || ent.LastPosition != 2 || ent.RecordCount != 2 || ent.ValueType != 3 {
		t.Fatalf("entity %+v", ent)
	}

	page, err := s.RecordsFrom(ctx, 2, 2, 10)
	if err != nil || len(page) != 2 || page[0].Position != 2 {
		t.Fatalf("page %+v err=%v", page, err)
	}
	if other, _ := s.LastExported(ctx, 3); other != protocol.NoPosition {
		t.Fatal("partitions must not share export positions")
	}
}
