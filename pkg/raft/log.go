package raft

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	segSuffix  = ".log"
	segMaxSize = 4 << 20
)

// Log stores committed consensus entries as {crc, len, index, payload}
// records in size-rolled segment files under <raft_dir>/log. The record
// index is the batch's command id; compaction drops whole segments below
// the snapshot boundary.
type Log struct {
	sync.Mutex
	dir       string
	segments  []*segment
	active    *os.File
	lastIndex uint64
}

type segment struct {
	path  string
	first uint64
	last  uint64
	size  int64
}

func OpenLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &Log{dir: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), segSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		seg, err := l.scanSegment(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
		if seg.last > l.lastIndex {
			l.lastIndex = seg.last
		}
	}
	if n := len(l.segments); n > 0 {
		seg := l.segments[n-1]
		if l.active, err = os.OpenFile(seg.path, os.O_RDWR, 0o644); err != nil {
			return nil, err
		}
	}
	logrus.Infof("consensus log opened: %d segments, last index %d", len(l.segments), l.lastIndex)
	return l, nil
}

// scanSegment validates every record of one segment file. A torn tail is
// truncated; a crc mismatch mid-file is corruption and fail-stop.
func (l *Log) scanSegment(path string) (*segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	seg := &segment{path: path}
	size := info.Size()
	var off int64
	for off < size {
		index, payload, n, err := readRecord(f, off, size)
		if err == io.ErrUnexpectedEOF {
			logrus.Warnf("consensus log %s: torn tail at %d, truncating", path, off)
			if err := os.Truncate(path, off); err != nil {
				return nil, err
			}
			break
		}
		if err != nil {
			return nil, err
		}
		_ = payload
		if seg.first == 0 {
			seg.first = index
		}
		seg.last = index
		off += n
	}
	seg.size = off
	return seg, nil
}

func readRecord(r io.ReaderAt, off, size int64) (index uint64, payload []byte, n int64, err error) {
	var header [16]byte
	if off+16 > size {
		return 0, nil, 0, io.ErrUnexpectedEOF
	}
	if _, err = r.ReadAt(header[:], off); err != nil {
		return
	}
	crc := binary.BigEndian.Uint32(header[0:4])
	length := binary.BigEndian.Uint32(header[4:8])
	index = binary.BigEndian.Uint64(header[8:16])
	if off+16+int64(length) > size {
		return 0, nil, 0, io.ErrUnexpectedEOF
	}
	payload = make([]byte, length)
	if _, err = r.ReadAt(payload, off+16); err != nil {
		return
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return 0, nil, 0, fmt.Errorf("%w: crc mismatch at %d", ErrLogCorrupted, off)
	}
	n = 16 + int64(length)
	return
}

// Append stores one entry; the index must be ahead of the current tail.
func (l *Log) Append(index uint64, payload []byte) error {
	l.Lock()
	defer l.Unlock()
	if index <= l.lastIndex {
		return fmt.Errorf("%w: index %d, tail %d", ErrStaleIndex, index, l.lastIndex)
	}
	if err := l.rollLocked(index); err != nil {
		return err
	}
	seg := l.segments[len(l.segments)-1]
	var header [16]byte
	binary.BigEndian.PutUint32(header[0:4], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint64(header[8:16], index)
	if _, err := l.active.WriteAt(header[:], seg.size); err != nil {
		return err
	}
	if _, err := l.active.WriteAt(payload, seg.size+16); err != nil {
		return err
	}
	if err := l.active.Sync(); err != nil {
		return err
	}
	if seg.first == 0 {
		seg.first = index
	}
	seg.last = index
	seg.size += 16 + int64(len(payload))
	l.lastIndex = index
	return nil
}

func (l *Log) rollLocked(nextIndex uint64) error {
	if l.active != nil && l.segments[len(l.segments)-1].size < segMaxSize {
		return nil
	}
	if l.active != nil {
		l.active.Close()
	}
	path := filepath.Join(l.dir, fmt.Sprintf("%016x%s", nextIndex, segSuffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	l.active = f
	l.segments = append(l.segments, &segment{path: path})
	return nil
}

// Entries walks every stored entry with index > from, in order.
func (l *Log) Entries(from uint64, fn func(index uint64, payload []byte) error) error {
	l.Lock()
	segs := make([]*segment, len(l.segments))
	copy(segs, l.segments)
	l.Unlock()
	for _, seg := range segs {
		if seg.last != 0 && seg.last <= from {
			continue
		}
		f, err := os.Open(seg.path)
		if err != nil {
			return err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		size := info.Size()
		var off int64
		for off < size {
			index, payload, n, err := readRecord(f, off, size)
			if err != nil {
				f.Close()
				return err
			}
			if index > from {
				if err = fn(index, payload); err != nil {
					f.Close()
					return err
				}
			}
			off += n
		}
		f.Close()
	}
	return nil
}

// Compact drops segments entirely at or below upTo.
func (l *Log) Compact(upTo uint64) error {
	l.Lock()
	defer l.Unlock()
	kept := l.segments[:0]
	for i, seg := range l.segments {
		// never remove the active (last) segment
		if i < len(l.segments)-1 && seg.last != 0 && seg.last <= upTo {
			os.Remove(seg.path)
			logrus.Infof("consensus log compacted: %s (through %d)", seg.path, seg.last)
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = kept
	return nil
}

// Len is the number of live entries by index span.
func (l *Log) Len() uint64 {
	l.Lock()
	defer l.Unlock()
	var n uint64
	for _, seg := range l.segments {
		if seg.last >= seg.first && seg.last != 0 {
			n += seg.last - seg.first + 1
		}
	}
	return n
}

func (l *Log) LastIndex() uint64 {
	l.Lock()
	defer l.Unlock()
	return l.lastIndex
}

// IsEmpty reports whether the log holds no entries at all.
func (l *Log) IsEmpty() bool {
	l.Lock()
	defer l.Unlock()
	return len(l.segments) == 0
}

func (l *Log) Close() error {
	l.Lock()
	defer l.Unlock()
	if l.active != nil {
		return l.active.Close()
	}
	return nil
}
