// Package state holds a partition's materialized state: an in-memory key
// value store split into column families, mutated only through
// transactions opened by the stream processor.
package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack"

	"conduit/internal/protocol"
)

const formatVersion = 1

var ErrTxnDone = errors.New("transaction already finished")

type ColumnFamily string

// Int64Key encodes an entity key so byte order matches numeric order for
// non-negative keys.
func Int64Key(k int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(k))
	return b
}

func DecodeInt64Key(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) }

type Store struct {
	partition protocol.PartitionID

	mu            sync.RWMutex
	families      map[ColumnFamily]map[string][]byte
	lastProcessed int64
	keyCounter    int64
	version       uint64
	open          bool
}

func New(partition protocol.PartitionID) *Store {
	return &Store{
		partition:     partition,
		families:      map[ColumnFamily]map[string][]byte{},
		lastProcessed: protocol.NoPosition,
	}
}

func (s *Store) Partition() protocol.PartitionID { return s.partition }

// LastProcessedPosition is the position of the last command whose effects
// are included in the committed state.
func (s *Store) LastProcessedPosition() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastProcessed
}

// Version counts committed transactions since the store was created or
// restored.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Get reads committed state.
func (s *Store) Get(cf ColumnFamily, key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.families[cf][string(key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (s *Store) GetValue(cf ColumnFamily, key []byte, out interface{}) (bool, error) {
	b, ok := s.Get(cf, key)
	if !ok {
		return false, nil
	}
	return true, msgpack.Unmarshal(b, out)
}

// Len returns the number of committed keys in cf.
func (s *Store) Len(cf ColumnFamily) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.families[cf])
}

// ForEach visits committed keys with the given prefix in byte order. The
// values passed to fn are copies.
func (s *Store) ForEach(cf ColumnFamily, prefix []byte, fn func(key, value []byte) bool) {
	s.mu.RLock()
	matched := map[string][]byte{}
	for k, v := range s.families[cf] {
		if bytes.HasPrefix([]byte(k), prefix) {
			matched[k] = append([]byte(nil), v...)
		}
	}
	s.mu.RUnlock()
	for _, k := range sortedKeys(matched) {
		if !fn([]byte(k), matched[k]) {
			return
		}
	}
}

// Begin opens the single write transaction. Only one may be open at a time.
func (s *Store) Begin() (*Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil, errors.New("state: transaction already open")
	}
	s.open = true
	return &Txn{
		store:         s,
		writes:        map[ColumnFamily]map[string][]byte{},
		lastProcessed: s.lastProcessed,
		keyCounter:    s.keyCounter,
	}, nil
}

// tombstone marks a deleted key inside a transaction overlay.
var tombstone []byte

type Txn struct {
	store         *Store
	writes        map[ColumnFamily]map[string][]byte
	lastProcessed int64
	keyCounter    int64
	done          bool
}

func (t *Txn) Get(cf ColumnFamily, key []byte) ([]byte, bool) {
	if w, ok := t.writes[cf][string(key)]; ok {
		if w == nil {
			return nil, false
		}
		return w, true
	}
	return t.store.Get(cf, key)
}

func (t *Txn) GetValue(cf ColumnFamily, key []byte, out interface{}) (bool, error) {
	b, ok := t.Get(cf, key)
	if !ok {
		return false, nil
	}
	return true, msgpack.Unmarshal(b, out)
}

func (t *Txn) overlay(cf ColumnFamily) map[string][]byte {
	m, ok := t.writes[cf]
	if !ok {
		m = map[string][]byte{}
		t.writes[cf] = m
	}
	return m
}

func (t *Txn) Put(cf ColumnFamily, key, value []byte) {
	if value == nil {
		value = []byte{}
	}
	t.overlay(cf)[string(key)] = append([]byte(nil), value...)
}

func (t *Txn) PutValue(cf ColumnFamily, key []byte, v interface{}) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s value: %w", cf, err)
	}
	t.Put(cf, key, b)
	return nil
}

func (t *Txn) Delete(cf ColumnFamily, key []byte) {
	t.overlay(cf)[string(key)] = tombstone
}

// ForEach visits keys with the given prefix in byte order, including the
// transaction's own writes. Returning false stops the iteration.
func (t *Txn) ForEach(cf ColumnFamily, prefix []byte, fn func(key, value []byte) bool) {
	merged := map[string][]byte{}
	t.store.mu.RLock()
	for k, v := range t.store.families[cf] {
		if bytes.HasPrefix([]byte(k), prefix) {
			merged[k] = v
		}
	}
	t.store.mu.RUnlock()
	for k, v := range t.writes[cf] {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}
	for _, k := range sortedKeys(merged) {
		if !fn([]byte(k), merged[k]) {
			return
		}
	}
}

// NextKey hands out the next partition scoped entity key.
func (t *Txn) NextKey() int64 {
	t.keyCounter++
	return protocol.EncodeKey(t.store.partition, t.keyCounter)
}

// ObserveKey raises the key counter past key when key was generated on this
// partition. Events carry the keys handed out while processing, so applying
// them keeps a replayed store from issuing those keys again.
func (t *Txn) ObserveKey(key int64) {
	if key < 0 || protocol.KeyPartition(key) != t.store.partition {
		return
	}
	if c := protocol.KeyCounter(key); c > t.keyCounter {
		t.keyCounter = c
	}
}

func (t *Txn) SetLastProcessedPosition(position int64) {
	if position > t.lastProcessed {
		t.lastProcessed = position
	}
}

func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for cf, writes := range t.writes {
		fam, ok := s.families[cf]
		if !ok {
			fam = map[string][]byte{}
			s.families[cf] = fam
		}
		for k, v := range writes {
			if v == nil {
				delete(fam, k)
			} else {
				fam[k] = v
			}
		}
		if len(fam) == 0 {
			delete(s.families, cf)
		}
	}
	s.lastProcessed = t.lastProcessed
	s.keyCounter = t.keyCounter
	s.version++
	s.open = false
	return nil
}

// Rollback discards the transaction. It is a no-op after Commit.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.store.mu.Lock()
	t.store.open = false
	t.store.mu.Unlock()
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type snapshotEntry struct {
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

type snapshotFamily struct {
	Name    string          `msgpack:"name"`
	Entries []snapshotEntry `msgpack:"entries"`
}

type snapshotDoc struct {
	Version       int              `msgpack:"version"`
	Partition     uint16           `msgpack:"partition"`
	LastProcessed int64            `msgpack:"lastProcessed"`
	KeyCounter    int64            `msgpack:"keyCounter"`
	Families      []snapshotFamily `msgpack:"families"`
}

// Serialize encodes the committed state together with its last processed
// position. Equal states serialize to equal bytes.
func (s *Store) Serialize() ([]byte, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := snapshotDoc{
		Version:       formatVersion,
		Partition:     uint16(s.partition),
		LastProcessed: s.lastProcessed,
		KeyCounter:    s.keyCounter,
	}
	names := make([]string, 0, len(s.families))
	for cf := range s.families {
		names = append(names, string(cf))
	}
	sort.Strings(names)
	for _, name := range names {
		fam := s.families[ColumnFamily(name)]
		f := snapshotFamily{Name: name, Entries: make([]snapshotEntry, 0, len(fam))}
		for _, k := range sortedKeys(fam) {
			f.Entries = append(f.Entries, snapshotEntry{Key: []byte(k), Value: fam[k]})
		}
		doc.Families = append(doc.Families, f)
	}
	b, err := msgpack.Marshal(&doc)
	return b, s.lastProcessed, err
}

// Restore replaces the committed state with a serialized one.
func (s *Store) Restore(b []byte) error {
	var doc snapshotDoc
	if err := msgpack.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	if doc.Version != formatVersion {
		return fmt.Errorf("unsupported state format version %d", doc.Version)
	}
	if protocol.PartitionID(doc.Partition) != s.partition {
		return fmt.Errorf("state belongs to partition %d, not %d", doc.Partition, s.partition)
	}
	families := make(map[ColumnFamily]map[string][]byte, len(doc.Families))
	for _, f := range doc.Families {
		fam := make(map[string][]byte, len(f.Entries))
		for _, e := range f.Entries {
			fam[string(e.Key)] = e.Value
		}
		families[ColumnFamily(f.Name)] = fam
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return errors.New("state: restore with open transaction")
	}
	s.families = families
	s.lastProcessed = doc.LastProcessed
	s.keyCounter = doc.KeyCounter
	s.version = 0
	return nil
}

// Reset empties the store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.families = map[ColumnFamily]map[string][]byte{}
	s.lastProcessed = protocol.NoPosition
	s.keyCounter = 0
	s.version = 0
}
