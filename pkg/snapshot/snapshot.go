package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"rsdb/pkg/apply"
)

var (
	ErrNoSnapshot      = errors.New("rsdb: no snapshot found")
	ErrSnapshotCorrupt = errors.New("rsdb: snapshot corrupted")
	ErrSnapshotVersion = errors.New("rsdb: snapshot version mismatch")
)

var magic = [4]byte{'R', 'S', 'N', 'P'}

// Version of the snapshot file format. A mismatch is fatal: quietly reading
// an old layout would diverge the replicas.
const Version = uint32(1)

// Encode frames meta and data into the self-describing snapshot format:
// magic, version, meta length, meta, data length, data, crc over everything
// before it.
func Encode(meta apply.SnapshotMeta, data []byte) ([]byte, error) {
	metaBuf, err := meta.Marshal()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(magic[:])
	binary.Write(&buf, binary.BigEndian, Version)
	binary.Write(&buf, binary.BigEndian, uint32(len(metaBuf)))
	buf.Write(metaBuf)
	binary.Write(&buf, binary.BigEndian, uint64(len(data)))
	buf.Write(data)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(buf.Bytes()))
	return buf.Bytes(), nil
}

// Decode validates the frame and returns meta and data.
func Decode(buf []byte) (meta apply.SnapshotMeta, data []byte, err error) {
	if len(buf) < 4+4+4+8+4 {
		err = fmt.Errorf("%w: short file", ErrSnapshotCorrupt)
		return
	}
	body, tail := buf[:len(buf)-4], buf[len(buf)-4:]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(tail) {
		err = fmt.Errorf("%w: crc mismatch", ErrSnapshotCorrupt)
		return
	}
	r := bytes.NewReader(body)
	var gotMagic [4]byte
	if _, err = r.Read(gotMagic[:]); err != nil {
		return
	}
	if gotMagic != magic {
		err = fmt.Errorf("%w: bad magic", ErrSnapshotCorrupt)
		return
	}
	var version uint32
	if err = binary.Read(r, binary.BigEndian, &version); err != nil {
		return
	}
	if version != Version {
		err = fmt.Errorf("%w: file version %d, supported %d", ErrSnapshotVersion, version, Version)
		return
	}
	var metaLen uint32
	if err = binary.Read(r, binary.BigEndian, &metaLen); err != nil {
		return
	}
	metaBuf := make([]byte, metaLen)
	if _, err = r.Read(metaBuf); err != nil {
		return
	}
	if err = meta.Unmarshal(metaBuf); err != nil {
		return
	}
	var dataLen uint64
	if err = binary.Read(r, binary.BigEndian, &dataLen); err != nil {
		return
	}
	if uint64(r.Len()) != dataLen {
		err = fmt.Errorf("%w: data length %d, frame holds %d", ErrSnapshotCorrupt, dataLen, r.Len())
		return
	}
	data = make([]byte, dataLen)
	_, err = r.Read(data)
	return
}
