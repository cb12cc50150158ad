// Package sqlite is an exporter that mirrors committed records into one
// append-only SQLite database per partition, with a per-entity index for
// lookups.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack"

	"conduit/internal/protocol"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	position INTEGER PRIMARY KEY,
	partition_id INTEGER NOT NULL,
	source_position INTEGER NOT NULL,
	record_key INTEGER NOT NULL,
	record_type INTEGER NOT NULL,
	value_type INTEGER NOT NULL,
	intent INTEGER NOT NULL,
	rejection_type INTEGER NOT NULL DEFAULT 0,
	rejection_reason TEXT NOT NULL DEFAULT '',
	timestamp_ms INTEGER NOT NULL,
	payload_json TEXT,
	exported_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_key_position ON records(record_key, position);
CREATE INDEX IF NOT EXISTS idx_records_source ON records(source_position);

CREATE TRIGGER IF NOT EXISTS trg_records_no_update
BEFORE UPDATE ON records
BEGIN
	SELECT RAISE(ABORT, 'records are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_records_no_delete
BEFORE DELETE ON records
BEGIN
	SELECT RAISE(ABORT, 'records are append-only: DELETE forbidden');
END;

CREATE TABLE IF NOT EXISTS entity_index (
	record_key INTEGER PRIMARY KEY,
	value_type INTEGER NOT NULL,
	first_position INTEGER NOT NULL,
	last_position INTEGER NOT NULL,
	record_count INTEGER NOT NULL DEFAULT 0,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS exporter_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const lastExportedKey = "last_exported_position"

// Record is the exported form of a log record. PayloadJSON is empty for an
// absent payload.
type Record struct {
	Position        int64
	SourcePosition  int64
	Key             int64
	RecordType      protocol.RecordType
	ValueType       protocol.ValueType
	Intent          protocol.Intent
	RejectionType   protocol.RejectionType
	RejectionReason string
	TimestampMs     int64
	PayloadJSON     string
}

// Entity summarizes the records exported for one key.
type Entity struct {
	Key           int64
	ValueType     protocol.ValueType
	FirstPosition int64
	LastPosition  int64
	RecordCount   int64
}

type Store struct {
	baseDir string
	now     func() time.Time

	mu  sync.Mutex
	dbs map[protocol.PartitionID]*sql.DB
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{baseDir: baseDir, now: time.Now, dbs: make(map[protocol.PartitionID]*sql.DB)}, nil
}

func (s *Store) ID() string { return "sqlite" }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.dbs = map[protocol.PartitionID]*sql.DB{}
	return errors.Join(errs...)
}

func (s *Store) LastExported(ctx context.Context, partition protocol.PartitionID) (int64, error) {
	db, err := s.partitionDB(partition)
	if err != nil {
		return protocol.NoPosition, err
	}
	var v string
	err = db.QueryRowContext(ctx, `SELECT value FROM exporter_meta WHERE key=?`, lastExportedKey).Scan(&v)
	if err == sql.ErrNoRows {
		return protocol.NoPosition, nil
	}
	if err != nil {
		return protocol.NoPosition, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// Export appends records and advances the exported position in a single
// transaction. Records already present are skipped.
func (s *Store) Export(ctx context.Context, partition protocol.PartitionID, records []protocol.Record) error {
	if len(records) == 0 {
		return nil
	}
	db, err := s.partitionDB(partition)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UTC().UnixNano()
	for _, r := range records {
		payload, err := payloadJSON(r.Value)
		if err != nil {
			return fmt.Errorf("record %d: %w", r.Position, err)
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO records(
	position, partition_id, source_position, record_key, record_type, value_type, intent,
	rejection_type, rejection_reason, timestamp_ms, payload_json, exported_at_utc_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(position) DO NOTHING`,
			r.Position, int(partition), r.SourceRecordPosition, r.Key, int(r.RecordType), int(r.ValueType), int(r.Intent),
			int(r.RejectionType), r.RejectionReason, r.Timestamp, payload, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 || r.Key == protocol.NoKey {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO entity_index(record_key, value_type, first_position, last_position, record_count, updated_at_utc_ns)
VALUES(?, ?, ?, ?, 1, ?)
ON CONFLICT(record_key)
DO UPDATE SET last_position=excluded.last_position, record_count=record_count+1, updated_at_utc_ns=excluded.updated_at_utc_ns`,
			r.Key, int(r.ValueType), r.Position, r.Position, now); err != nil {
			return err
		}
	}
	last := records[len(records)-1].Position
	if _, err := tx.ExecContext(ctx, `
INSERT INTO exporter_meta(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, lastExportedKey, strconv.FormatInt(last, 10)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RecordsByKey(ctx context.Context, partition protocol.PartitionID, key int64) ([]Record, error) {
	db, err := s.partitionDB(partition)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectRecords+` WHERE record_key=? ORDER BY position ASC`, key)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// RecordsFrom returns up to limit records with position >= from.
func (s *Store) RecordsFrom(ctx context.Context, partition protocol.PartitionID, from int64, limit int) ([]Record, error) {
	db, err := s.partitionDB(partition)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectRecords+` WHERE position>=? ORDER BY position ASC LIMIT ?`, from, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *Store) Entity(ctx context.Context, partition protocol.PartitionID, key int64) (Entity, bool, error) {
	db, err := s.partitionDB(partition)
	if err != nil {
		return Entity{}, false, err
	}
	var e Entity
	var vt int
	err = db.QueryRowContext(ctx, `
SELECT record_key, value_type, first_position, last_position, record_count
FROM entity_index WHERE record_key=?`, key).Scan(&e.Key, &vt, &e.FirstPosition, &e.LastPosition, &e.RecordCount)
	if err == sql.ErrNoRows {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, err
	}
	e.ValueType = protocol.ValueType(vt)
	return e, true, nil
}

const selectRecords = `
SELECT position, source_position, record_key, record_type, value_type, intent,
	rejection_type, rejection_reason, timestamp_ms, payload_json
FROM records`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var rt, vt, intent, rej int
		var payload sql.NullString
		if err := rows.Scan(&r.Position, &r.SourcePosition, &r.Key, &rt, &vt, &intent,
			&rej, &r.RejectionReason, &r.TimestampMs, &payload); err != nil {
			return nil, err
		}
		r.RecordType = protocol.RecordType(rt)
		r.ValueType = protocol.ValueType(vt)
		r.Intent = protocol.Intent(intent)
		r.RejectionType = protocol.RejectionType(rej)
		r.PayloadJSON = payload.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// payloadJSON renders a MsgPack document as JSON. Absent payloads map to
// NULL.
func payloadJSON(value []byte) (any, error) {
	if len(value) == 0 {
		return nil, nil
	}
	var doc interface{}
	if err := msgpack.Unmarshal(value, &doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	b, err := json.Marshal(jsonable(doc))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonable(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, v := range t {
			m[fmt.Sprint(k)] = jsonable(v)
		}
		return m
	case map[string]interface{}:
		for k, v := range t {
			t[k] = jsonable(v)
		}
		return t
	case []interface{}:
		for i := range t {
			t[i] = jsonable(t[i])
		}
		return t
	default:
		return v
	}
}

func (s *Store) partitionDB(partition protocol.PartitionID) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[partition]; ok {
		return db, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("exporter-p%02d.db", partition))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[partition] = db
	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
