// Package snapshot persists serialized partition state. Snapshots are
// written atomically, checksummed and snappy compressed; a newer durable
// snapshot replaces all older ones.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/vmihailenco/msgpack"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"

	"conduit/internal/protocol"
	"conduit/internal/raft"
)

var ErrNoSnapshot = errors.New("no snapshot")

const (
	fileVersion uint8 = 1
	headerSize        = 16
	fileSuffix        = ".snap"
	tmpSuffix         = ".tmp"
)

var (
	magic  = [4]byte{'C', 'S', 'N', 'P'}
	crcTab = crc32.MakeTable(crc32.Castagnoli)
)

// Metadata identifies what a snapshot covers. Index and Term name the raft
// entry the snapshot replaces the log up to.
type Metadata struct {
	Partition             protocol.PartitionID `msgpack:"partition"`
	Index                 uint64               `msgpack:"index"`
	Term                  uint64               `msgpack:"term"`
	LastProcessedPosition int64                `msgpack:"lastProcessedPosition"`
	CreatedAt             int64                `msgpack:"createdAt"`
}

// ID is the snapshot's file stem: index, term and processed position.
func (m Metadata) ID() string {
	return fmt.Sprintf("%020d-%d-%d", m.Index, m.Term, m.LastProcessedPosition)
}

func (m Metadata) newerThan(o Metadata) bool {
	if m.Index != o.Index {
		return m.Index > o.Index
	}
	return m.Term > o.Term
}

type CorruptSnapshotError struct {
	Path   string
	Reason string
}

func (e *CorruptSnapshotError) Error() string {
	return fmt.Sprintf("corrupt snapshot %s: %s", e.Path, e.Reason)
}

// Info describes a snapshot file on disk.
type Info struct {
	Metadata
	Path string
	Size int64
}

type Store struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

func Open(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmps, err := filepath.Glob(filepath.Join(dir, "*"+tmpSuffix))
	if err != nil {
		return nil, err
	}
	for _, p := range tmps {
		logger.Warn("removing incomplete snapshot", zap.String("path", p))
		if err := os.Remove(p); err != nil {
			return nil, err
		}
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) Dir() string { return s.dir }

// Encode frames metadata and state into the snapshot file format:
//
//	magic [4]byte, version u8, reserved [3]byte, crc32c u32, metaLen u32,
//	meta (msgpack), snappy(state)
func Encode(meta Metadata, state []byte) ([]byte, error) {
	mb, err := msgpack.Marshal(&meta)
	if err != nil {
		return nil, err
	}
	body := snappy.Encode(nil, state)
	buf := make([]byte, headerSize, headerSize+len(mb)+len(body))
	copy(buf, magic[:])
	buf[4] = fileVersion
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(mb)))
	buf = append(buf, mb...)
	buf = append(buf, body...)
	binary.LittleEndian.PutUint32(buf[8:], crc32.Checksum(buf[12:], crcTab))
	return buf, nil
}

// Decode verifies and unpacks a snapshot file.
func Decode(raw []byte) (Metadata, []byte, error) {
	meta, off, err := decodeMeta(raw)
	if err != nil {
		return Metadata{}, nil, err
	}
	state, err := snappy.Decode(nil, raw[off:])
	if err != nil {
		return Metadata{}, nil, fmt.Errorf("decompress state: %w", err)
	}
	return meta, state, nil
}

func decodeMeta(raw []byte) (Metadata, int, error) {
	if len(raw) < headerSize {
		return Metadata{}, 0, errors.New("short snapshot header")
	}
	if [4]byte(raw[:4]) != magic {
		return Metadata{}, 0, errors.New("bad snapshot magic")
	}
	if raw[4] != fileVersion {
		return Metadata{}, 0, fmt.Errorf("unsupported snapshot version %d", raw[4])
	}
	want := binary.LittleEndian.Uint32(raw[8:])
	if got := crc32.Checksum(raw[12:], crcTab); got != want {
		return Metadata{}, 0, fmt.Errorf("checksum mismatch: want %08x got %08x", want, got)
	}
	n := int(binary.LittleEndian.Uint32(raw[12:]))
	if n > len(raw)-headerSize {
		return Metadata{}, 0, errors.New("metadata length exceeds file")
	}
	var meta Metadata
	if err := msgpack.Unmarshal(raw[headerSize:headerSize+n], &meta); err != nil {
		return Metadata{}, 0, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, headerSize + n, nil
}

// Persist durably writes a snapshot and removes older ones.
func (s *Store) Persist(meta Metadata, state []byte) (Info, error) {
	raw, err := Encode(meta, state)
	if err != nil {
		return Info{}, err
	}
	return s.persistRaw(meta, raw)
}

// PersistRaw stores an already encoded snapshot, typically one received
// from the partition leader.
func (s *Store) PersistRaw(raw []byte) (Info, error) {
	meta, _, err := Decode(raw)
	if err != nil {
		return Info{}, err
	}
	return s.persistRaw(meta, raw)
}

func (s *Store) persistRaw(meta Metadata, raw []byte) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, meta.ID()+fileSuffix)
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Info{}, err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return Info{}, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return Info{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return Info{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return Info{}, err
	}
	if err := syncDir(s.dir); err != nil {
		return Info{}, err
	}
	s.logger.Info("snapshot persisted", zap.String("id", meta.ID()), zap.Int("bytes", len(raw)))

	infos, err := s.list()
	if err != nil {
		return Info{}, err
	}
	for _, old := range infos {
		if meta.newerThan(old.Metadata) {
			if err := os.Remove(old.Path); err != nil {
				return Info{}, fmt.Errorf("remove older snapshot: %w", err)
			}
			s.logger.Debug("older snapshot removed", zap.String("id", old.ID()))
		}
	}
	return Info{Metadata: meta, Path: path, Size: int64(len(raw))}, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// List returns stored snapshots, newest first. Files whose header cannot
// be read are skipped.
func (s *Store) List() ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *Store) list() ([]Info, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, p := range paths {
		if strings.HasSuffix(p, tmpSuffix) {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		meta, _, err := decodeMeta(raw)
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", zap.String("path", p), zap.Error(err))
			continue
		}
		out = append(out, Info{Metadata: meta, Path: p, Size: int64(len(raw))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].newerThan(out[j].Metadata) })
	return out, nil
}

// Latest loads the newest valid snapshot.
func (s *Store) Latest() (Metadata, []byte, error) {
	meta, raw, err := s.latestRaw()
	if err != nil {
		return Metadata{}, nil, err
	}
	_, state, err := Decode(raw)
	if err != nil {
		return Metadata{}, nil, &CorruptSnapshotError{Path: meta.ID(), Reason: err.Error()}
	}
	return meta, state, nil
}

func (s *Store) latestRaw() (Metadata, []byte, error) {
	infos, err := s.List()
	if err != nil {
		return Metadata{}, nil, err
	}
	if len(infos) == 0 {
		return Metadata{}, nil, ErrNoSnapshot
	}
	raw, err := os.ReadFile(infos[0].Path)
	if err != nil {
		return Metadata{}, nil, err
	}
	return infos[0].Metadata, raw, nil
}

// LatestSnapshot implements raft.SnapshotSource.
func (s *Store) LatestSnapshot() (raftpb.Snapshot, error) {
	meta, raw, err := s.latestRaw()
	if errors.Is(err, ErrNoSnapshot) {
		return raftpb.Snapshot{}, raft.ErrSnapshotUnavailable
	}
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	return raftpb.Snapshot{
		Data:     raw,
		Metadata: raftpb.SnapshotMetadata{Index: meta.Index, Term: meta.Term},
	}, nil
}

// RestoreSnapshot implements raft.SnapshotSource for snapshots received
// from the leader.
func (s *Store) RestoreSnapshot(snap raftpb.Snapshot) error {
	info, err := s.PersistRaw(snap.Data)
	if err != nil {
		return err
	}
	if info.Index != snap.Metadata.Index || info.Term != snap.Metadata.Term {
		return fmt.Errorf("snapshot covers %d/%d but message says %d/%d",
			info.Index, info.Term, snap.Metadata.Index, snap.Metadata.Term)
	}
	return nil
}
