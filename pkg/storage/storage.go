package storage

import (
	"bytes"
	"errors"
	"io"

	"encoding/binary"

	"rsdb/pkg/types"
)

var (
	ErrTableNotFound = errors.New("rsdb: table not found")
	ErrTableExists   = errors.New("rsdb: table already exists")
	ErrDuplicateKey  = errors.New("rsdb: duplicate primary key")
	ErrRowNotFound   = errors.New("rsdb: row not found")
)

// Storage is the ordered row store owned by the state machine. Every method
// is synchronous and either succeeds or leaves the store untouched.
type Storage interface {
	CreateTable(schema *types.Schema) error
	DropTable(name string) error
	Insert(table string, row *types.Row) error
	Update(table string, pk types.Value, row *types.Row) error
	Delete(table string, pk types.Value) error
	Get(table string, pk types.Value) (*types.Row, error)
	Scan(table string) (*Iterator, error)
	Schema(table string) (*types.Schema, error)
	TableNames() []string
	Dump() []*TableDump
	RestoreFrom(tables []*TableDump) error
	Digest() uint32
}

// Iterator walks rows in ascending primary key order.
type Iterator struct {
	rows []*types.Row
	pos  int
}

func (it *Iterator) Valid() bool      { return it.pos < len(it.rows) }
func (it *Iterator) Next()            { it.pos++ }
func (it *Iterator) Row() *types.Row  { return it.rows[it.pos] }
func (it *Iterator) Len() int         { return len(it.rows) }

// TableDump is the serialized form of one table inside a snapshot.
type TableDump struct {
	Schema *types.Schema
	Rows   []*types.Row
}

func (dump *TableDump) WriteTo(w io.Writer) (n int64, err error) {
	var sn int64
	if sn, err = dump.Schema.WriteTo(w); err != nil {
		return
	}
	n += sn
	if err = binary.Write(w, binary.BigEndian, uint32(len(dump.Rows))); err != nil {
		return
	}
	n += 4
	for _, row := range dump.Rows {
		if sn, err = row.WriteTo(w); err != nil {
			return
		}
		n += sn
	}
	return
}

func (dump *TableDump) ReadFrom(r io.Reader) (n int64, err error) {
	dump.Schema = new(types.Schema)
	var sn int64
	if sn, err = dump.Schema.ReadFrom(r); err != nil {
		return
	}
	n += sn
	var cnt uint32
	if err = binary.Read(r, binary.BigEndian, &cnt); err != nil {
		return
	}
	n += 4
	dump.Rows = make([]*types.Row, cnt)
	for i := uint32(0); i < cnt; i++ {
		row := new(types.Row)
		if sn, err = row.ReadFrom(r); err != nil {
			return
		}
		n += sn
		dump.Rows[i] = row
	}
	return
}

func EncodeDumps(dumps []*TableDump) (buf []byte, err error) {
	var bbuf bytes.Buffer
	if err = binary.Write(&bbuf, binary.BigEndian, uint32(len(dumps))); err != nil {
		return
	}
	for _, dump := range dumps {
		if _, err = dump.WriteTo(&bbuf); err != nil {
			return
		}
	}
	buf = bbuf.Bytes()
	return
}

func DecodeDumps(buf []byte) (dumps []*TableDump, err error) {
	bbuf := bytes.NewBuffer(buf)
	var cnt uint32
	if err = binary.Read(bbuf, binary.BigEndian, &cnt); err != nil {
		return
	}
	dumps = make([]*TableDump, cnt)
	for i := uint32(0); i < cnt; i++ {
		dump := new(TableDump)
		if _, err = dump.ReadFrom(bbuf); err != nil {
			return
		}
		dumps[i] = dump
	}
	return
}
