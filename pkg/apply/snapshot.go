package apply

import (
	"bytes"
	"encoding/binary"
	"io"

	"rsdb/pkg/common"
	"rsdb/pkg/index"
	"rsdb/pkg/storage"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/sirupsen/logrus"
)

// SnapshotMeta describes a snapshot: the idempotency boundary, the schema
// version, and the logical clock reading it was taken at. CreatedAt doubles
// as the clock restore point; no wall time is recorded.
type SnapshotMeta struct {
	LastAppliedCommand uint64
	SchemaVersion      uint64
	CreatedAt          uint64
}

func (meta *SnapshotMeta) WriteTo(w io.Writer) (err error) {
	if err = binary.Write(w, binary.BigEndian, meta.LastAppliedCommand); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, meta.SchemaVersion); err != nil {
		return
	}
	return binary.Write(w, binary.BigEndian, meta.CreatedAt)
}

func (meta *SnapshotMeta) ReadFrom(r io.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &meta.LastAppliedCommand); err != nil {
		return
	}
	if err = binary.Read(r, binary.BigEndian, &meta.SchemaVersion); err != nil {
		return
	}
	return binary.Read(r, binary.BigEndian, &meta.CreatedAt)
}

func (meta *SnapshotMeta) Marshal() (buf []byte, err error) {
	var bbuf bytes.Buffer
	if err = meta.WriteTo(&bbuf); err != nil {
		return
	}
	buf = bbuf.Bytes()
	return
}

func (meta *SnapshotMeta) Unmarshal(buf []byte) error {
	return meta.ReadFrom(bytes.NewBuffer(buf))
}

func encodeSnapshotData(defs []index.Def, dumps []*storage.TableDump) (buf []byte, err error) {
	var bbuf bytes.Buffer
	if err = binary.Write(&bbuf, binary.BigEndian, uint16(len(defs))); err != nil {
		return
	}
	for _, def := range defs {
		if _, err = common.WriteString(def.Table, &bbuf); err != nil {
			return
		}
		if _, err = common.WriteString(def.Column, &bbuf); err != nil {
			return
		}
		if err = binary.Write(&bbuf, binary.BigEndian, def.Kind); err != nil {
			return
		}
	}
	var dumpBuf []byte
	if dumpBuf, err = storage.EncodeDumps(dumps); err != nil {
		return
	}
	bbuf.Write(dumpBuf)
	buf = bbuf.Bytes()
	return
}

func decodeSnapshotData(buf []byte) (defs []index.Def, dumps []*storage.TableDump, err error) {
	bbuf := bytes.NewBuffer(buf)
	var cnt uint16
	if err = binary.Read(bbuf, binary.BigEndian, &cnt); err != nil {
		return
	}
	defs = make([]index.Def, cnt)
	for i := uint16(0); i < cnt; i++ {
		if defs[i].Table, _, err = common.ReadString(bbuf); err != nil {
			return
		}
		if defs[i].Column, _, err = common.ReadString(bbuf); err != nil {
			return
		}
		if err = binary.Read(bbuf, binary.BigEndian, &defs[i].Kind); err != nil {
			return
		}
	}
	dumps, err = storage.DecodeDumps(bbuf.Bytes())
	return
}

// Snapshot captures the machine under the apply barrier. Abandoned
// transactions are aborted first; they belong to the lifetime being sealed.
func (m *Machine) Snapshot() (meta SnapshotMeta, data []byte, err error) {
	m.Lock()
	defer m.Unlock()
	m.Txns.AbortAll()
	m.Versions.GC(m.Txns.MinActiveSnapshotTs())
	meta = SnapshotMeta{
		LastAppliedCommand: m.maxApplied,
		SchemaVersion:      m.Catalog.Version(),
		CreatedAt:          m.Txns.CurrentTs(),
	}
	data, err = encodeSnapshotData(m.Indexes.Defs(), m.Store.Dump())
	if err == nil {
		logrus.Infof("snapshot taken at command %d, clock %d", meta.LastAppliedCommand, meta.CreatedAt)
	}
	return
}

// Restore rebuilds the machine from a snapshot: storage and catalog from the
// dumps, indexes from storage, one committed seed version per row. The
// applied set resets and the boundary moves to the snapshot index, so any
// batch at or below it replays as "already applied".
func (m *Machine) Restore(meta SnapshotMeta, data []byte) error {
	m.Lock()
	defer m.Unlock()
	defs, dumps, err := decodeSnapshotData(data)
	if err != nil {
		return err
	}
	m.Txns.AbortAll()
	m.Versions.Reset()
	m.Locks.Reset()
	m.Catalog.Reset()
	if err = m.Store.RestoreFrom(dumps); err != nil {
		return err
	}
	for _, dump := range dumps {
		m.Catalog.Replace(dump.Schema)
		for _, row := range dump.Rows {
			m.Versions.LoadCommitted(dump.Schema.Name, row.PK, row, meta.CreatedAt)
		}
	}
	m.Catalog.SetVersion(meta.SchemaVersion)
	if err = m.Indexes.RestoreFrom(defs, m.Store); err != nil {
		return err
	}
	m.applied = roaring64.NewBitmap()
	m.results = make(map[uint64]*BatchResult)
	m.boundary = meta.LastAppliedCommand
	m.maxApplied = meta.LastAppliedCommand
	m.nextID = meta.LastAppliedCommand + 1
	m.Txns.Init(meta.CreatedAt, meta.CreatedAt)
	logrus.Infof("snapshot restored: boundary=%d clock=%d tables=%d",
		meta.LastAppliedCommand, meta.CreatedAt, len(dumps))
	return nil
}
