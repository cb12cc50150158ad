package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	segmentMagic      = "CJNL"
	segmentVersion    = 1
	segmentHeaderSize = 32
	frameHeaderSize   = 8
	entryHeaderSize   = 17
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type ChecksumMismatchError struct {
	Segment  uint64
	Index    uint64
	Offset   int64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch in segment %d at index %d (offset %d): stored %08x, computed %08x", e.Segment, e.Index, e.Offset, e.Expected, e.Actual)
}

// segment is one journal file. Frames are laid out as
// length u32 | crc32c u32 | index u64 | term u64 | type u8 | data
// where length counts the bytes after the checksum and the checksum covers
// every frame byte except itself.
type segment struct {
	id         uint64
	firstIndex uint64
	path       string
	file       *os.File
	size       int64
	offsets    []int64
	terms      []uint64
}

func segmentName(id uint64) string { return fmt.Sprintf("journal-%d.log", id) }

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "journal-") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "journal-"), ".log"), 10, 64)
	return id, err == nil
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseSegmentName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func createSegment(dir string, id, firstIndex uint64) (*segment, error) {
	path := filepath.Join(dir, segmentName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	var h [segmentHeaderSize]byte
	copy(h[:4], segmentMagic)
	h[4] = segmentVersion
	binary.LittleEndian.PutUint64(h[8:], id)
	binary.LittleEndian.PutUint64(h[16:], firstIndex)
	if _, err := f.WriteAt(h[:], 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{id: id, firstIndex: firstIndex, path: path, file: f, size: segmentHeaderSize}, nil
}

// openSegment scans an existing segment file. A torn frame at the tail is
// reported through torn so the caller can decide whether truncation is safe.
func openSegment(dir string, id uint64) (seg *segment, torn bool, err error) {
	path := filepath.Join(dir, segmentName(id))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()
	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	var h [segmentHeaderSize]byte
	if _, err := f.ReadAt(h[:], 0); err != nil {
		return nil, false, fmt.Errorf("segment %d header: %w", id, err)
	}
	if string(h[:4]) != segmentMagic || h[4] != segmentVersion {
		return nil, false, fmt.Errorf("segment %d: bad header magic/version", id)
	}
	if got := binary.LittleEndian.Uint64(h[8:]); got != id {
		return nil, false, fmt.Errorf("segment file %s carries id %d", path, got)
	}
	seg = &segment{id: id, firstIndex: binary.LittleEndian.Uint64(h[16:]), path: path, file: f}

	off := int64(segmentHeaderSize)
	end := info.Size()
	var fh [frameHeaderSize + entryHeaderSize]byte
	for off < end {
		if end-off < int64(len(fh)) {
			torn = true
			break
		}
		if _, err := f.ReadAt(fh[:], off); err != nil {
			return nil, false, err
		}
		length := int64(binary.LittleEndian.Uint32(fh[0:]))
		if length < entryHeaderSize || off+frameHeaderSize+length > end {
			torn = true
			break
		}
		index := binary.LittleEndian.Uint64(fh[frameHeaderSize:])
		want := seg.firstIndex + uint64(len(seg.offsets))
		if index != want {
			if off+frameHeaderSize+length == end {
				torn = true
				break
			}
			return nil, false, fmt.Errorf("segment %d: index %d at offset %d, expected %d", id, index, off, want)
		}
		if off+frameHeaderSize+length == end {
			if _, err := seg.readFrame(off, frameHeaderSize+length, index); err != nil {
				var mismatch *ChecksumMismatchError
				if errors.As(err, &mismatch) {
					torn = true
					break
				}
				return nil, false, err
			}
		}
		seg.offsets = append(seg.offsets, off)
		seg.terms = append(seg.terms, binary.LittleEndian.Uint64(fh[frameHeaderSize+8:]))
		off += frameHeaderSize + length
	}
	seg.size = off
	return seg, torn, nil
}

func (s *segment) entries() int { return len(s.offsets) }

func (s *segment) lastIndex() uint64 { return s.firstIndex + uint64(len(s.offsets)) - 1 }

func (s *segment) contains(index uint64) bool {
	return index >= s.firstIndex && index < s.firstIndex+uint64(len(s.offsets))
}

func frameSize(e Entry) int64 { return frameHeaderSize + entryHeaderSize + int64(len(e.Data)) }

func encodeFrame(e Entry) []byte {
	buf := make([]byte, frameSize(e))
	binary.LittleEndian.PutUint32(buf[0:], uint32(entryHeaderSize+len(e.Data)))
	body := buf[frameHeaderSize:]
	binary.LittleEndian.PutUint64(body[0:], e.Index)
	binary.LittleEndian.PutUint64(body[8:], e.Term)
	body[16] = byte(e.Type)
	copy(body[entryHeaderSize:], e.Data)
	binary.LittleEndian.PutUint32(buf[4:], frameChecksum(buf))
	return buf
}

func frameChecksum(frame []byte) uint32 {
	crc := crc32.Update(0, castagnoli, frame[0:4])
	return crc32.Update(crc, castagnoli, frame[frameHeaderSize:])
}

func (s *segment) append(e Entry) error {
	frame := encodeFrame(e)
	if _, err := s.file.WriteAt(frame, s.size); err != nil {
		return err
	}
	s.offsets = append(s.offsets, s.size)
	s.terms = append(s.terms, e.Term)
	s.size += int64(len(frame))
	return nil
}

func (s *segment) read(index uint64) (Entry, error) {
	i := index - s.firstIndex
	off := s.offsets[i]
	end := s.size
	if int(i)+1 < len(s.offsets) {
		end = s.offsets[i+1]
	}
	return s.readFrame(off, end-off, index)
}

// readFrame reads a frame whose extent is known from the in-memory index, so a
// damaged length field surfaces as a checksum mismatch.
func (s *segment) readFrame(off, size int64, index uint64) (Entry, error) {
	frame := make([]byte, size)
	if _, err := s.file.ReadAt(frame, off); err != nil && !errors.Is(err, io.EOF) {
		return Entry{}, err
	}
	stored := binary.LittleEndian.Uint32(frame[4:])
	if computed := frameChecksum(frame); computed != stored {
		return Entry{}, &ChecksumMismatchError{Segment: s.id, Index: index, Offset: off, Expected: stored, Actual: computed}
	}
	body := frame[frameHeaderSize:]
	if got := binary.LittleEndian.Uint64(body[0:]); got != index {
		return Entry{}, fmt.Errorf("segment %d offset %d holds index %d, expected %d", s.id, off, got, index)
	}
	e := Entry{
		Index: index,
		Term:  binary.LittleEndian.Uint64(body[8:]),
		Type:  EntryType(body[16]),
	}
	if len(body) > entryHeaderSize {
		e.Data = body[entryHeaderSize:]
	}
	return e, nil
}

// truncateFrom drops index and every later entry of this segment.
func (s *segment) truncateFrom(index uint64) error {
	if index < s.firstIndex {
		index = s.firstIndex
	}
	keep := int(index - s.firstIndex)
	if keep >= len(s.offsets) {
		return nil
	}
	size := s.offsets[keep]
	if err := s.file.Truncate(size); err != nil {
		return err
	}
	s.offsets = s.offsets[:keep]
	s.terms = s.terms[:keep]
	s.size = size
	return nil
}

func (s *segment) sync() error { return s.file.Sync() }

func (s *segment) close() error { return s.file.Close() }

func (s *segment) remove() error {
	return errors.Join(s.file.Close(), os.Remove(s.path))
}
