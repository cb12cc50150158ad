package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"go.etcd.io/raft/v3/raftpb"
)

const metaFileName = "raft-meta.bin"

// Meta is the durable replication state of one participant. Boundary is the
// index and term of the entry immediately preceding the first journal entry,
// which is the last entry covered by a snapshot or compaction.
type Meta struct {
	HardState    raftpb.HardState
	BoundaryIdx  uint64
	BoundaryTerm uint64
}

// MetaStore persists Meta with write-to-temp, fsync, rename.
type MetaStore struct {
	dir string
}

func NewMetaStore(dir string) (*MetaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &MetaStore{dir: dir}, nil
}

func (s *MetaStore) path() string { return filepath.Join(s.dir, metaFileName) }

// Load returns the zero Meta when nothing has been persisted yet.
func (s *MetaStore) Load() (Meta, error) {
	b, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, nil
	}
	if err != nil {
		return Meta{}, err
	}
	if len(b) < 8 {
		return Meta{}, fmt.Errorf("raft meta file truncated: %d bytes", len(b))
	}
	sum := binary.LittleEndian.Uint32(b[0:])
	n := int(binary.LittleEndian.Uint32(b[4:]))
	if len(b) != 8+n+16 {
		return Meta{}, fmt.Errorf("raft meta file has %d bytes, header declares %d", len(b), 8+n+16)
	}
	if crc32.ChecksumIEEE(b[4:]) != sum {
		return Meta{}, errors.New("raft meta checksum mismatch")
	}
	var m Meta
	if err := m.HardState.Unmarshal(b[8 : 8+n]); err != nil {
		return Meta{}, fmt.Errorf("decode hard state: %w", err)
	}
	m.BoundaryIdx = binary.LittleEndian.Uint64(b[8+n:])
	m.BoundaryTerm = binary.LittleEndian.Uint64(b[16+n:])
	return m, nil
}

func (s *MetaStore) Save(m Meta) error {
	hs, err := m.HardState.Marshal()
	if err != nil {
		return err
	}
	b := make([]byte, 8+len(hs)+16)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(hs)))
	copy(b[8:], hs)
	binary.LittleEndian.PutUint64(b[8+len(hs):], m.BoundaryIdx)
	binary.LittleEndian.PutUint64(b[16+len(hs):], m.BoundaryTerm)
	binary.LittleEndian.PutUint32(b[0:], crc32.ChecksumIEEE(b[4:]))

	tmp := s.path() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return err
	}
	return syncDir(s.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
