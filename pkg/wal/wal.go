package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"rsdb/pkg/apply"

	"github.com/sirupsen/logrus"
)

var (
	ErrLogCorrupted = errors.New("rsdb: wal corrupted")
	ErrWALDisabled  = errors.New("rsdb: wal disabled, consensus log configured")
)

const walName = "wal.log"

// maxRecordSize bounds a single record; a length beyond it is treated as
// corruption rather than an allocation request.
const maxRecordSize = 64 << 20

// WAL is the standalone write-ahead log: a single append-only file of
// {crc32, length, payload} records, payload being the canonical encoding of
// a command batch. When the node runs under consensus the consensus log is
// the WAL, and opening this one is refused.
type WAL struct {
	sync.Mutex
	file         *os.File
	path         string
	offset       int64
	SyncOnAppend bool
}

type Options struct {
	Dir          string
	ConsensusDir string // non-empty refuses the standalone WAL
	NoSync       bool
}

func Open(opts Options) (*WAL, error) {
	if opts.ConsensusDir != "" {
		return nil, ErrWALDisabled
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(opts.Dir, walName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	w := &WAL{
		file:         file,
		path:         path,
		offset:       info.Size(),
		SyncOnAppend: !opts.NoSync,
	}
	logrus.Infof("wal opened at %s size=%d", path, w.offset)
	return w, nil
}

func (w *WAL) Close() error {
	w.Lock()
	defer w.Unlock()
	return w.file.Close()
}

func (w *WAL) Sync() error {
	w.Lock()
	defer w.Unlock()
	return w.file.Sync()
}

// Append writes one batch record at the tail.
func (w *WAL) Append(b *apply.CommandBatch) error {
	payload, err := b.Marshal()
	if err != nil {
		return err
	}
	w.Lock()
	defer w.Unlock()
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err = w.file.WriteAt(header[:], w.offset); err != nil {
		return err
	}
	if _, err = w.file.WriteAt(payload, w.offset+8); err != nil {
		return err
	}
	if w.SyncOnAppend {
		if err = w.file.Sync(); err != nil {
			return err
		}
	}
	w.offset += int64(8 + len(payload))
	return nil
}

// Replay feeds every valid record to fn in order. A torn tail (a record cut
// off mid-write) is truncated and logged; a record whose payload is present
// but fails its crc is corruption, which is fatal.
func (w *WAL) Replay(fn func(*apply.CommandBatch) error) error {
	w.Lock()
	defer w.Unlock()
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	var off int64
	for off < size {
		var header [8]byte
		if _, err = w.file.ReadAt(header[:], off); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return w.truncateLocked(off, size)
			}
			return err
		}
		crc := binary.BigEndian.Uint32(header[0:4])
		length := binary.BigEndian.Uint32(header[4:8])
		if length > maxRecordSize {
			return fmt.Errorf("%w: record at %d length %d", ErrLogCorrupted, off, length)
		}
		if off+8+int64(length) > size {
			return w.truncateLocked(off, size)
		}
		payload := make([]byte, length)
		if _, err = w.file.ReadAt(payload, off+8); err != nil {
			return err
		}
		if crc32.ChecksumIEEE(payload) != crc {
			return fmt.Errorf("%w: crc mismatch at offset %d", ErrLogCorrupted, off)
		}
		b := new(apply.CommandBatch)
		if err = b.Unmarshal(payload); err != nil {
			return fmt.Errorf("%w: %v", ErrLogCorrupted, err)
		}
		if err = fn(b); err != nil {
			return err
		}
		off += 8 + int64(length)
	}
	w.offset = off
	return nil
}

// Reset empties the log after a checkpoint has made its contents redundant.
func (w *WAL) Reset() error {
	w.Lock()
	defer w.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	w.offset = 0
	return w.file.Sync()
}

func (w *WAL) truncateLocked(off, size int64) error {
	logrus.Warnf("wal torn tail: truncating %d bytes at offset %d", size-off, off)
	if err := w.file.Truncate(off); err != nil {
		return err
	}
	w.offset = off
	return w.file.Sync()
}
