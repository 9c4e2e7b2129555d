package types

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"rsdb/pkg/common"
)

// Row is a primary key plus named column values. Column iteration is
// always in sorted name order so that encoding is canonical.
type Row struct {
	PK      Value
	Columns map[string]Value
}

func NewRow(pk Value) *Row {
	return &Row{
		PK:      pk,
		Columns: make(map[string]Value),
	}
}

func (row *Row) Set(col string, v Value) *Row {
	row.Columns[col] = v
	return row
}

func (row *Row) Get(col string) (Value, bool) {
	v, ok := row.Columns[col]
	return v, ok
}

func (row *Row) ColumnNames() []string {
	names := make([]string, 0, len(row.Columns))
	for name := range row.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (row *Row) Clone() *Row {
	cloned := NewRow(row.PK)
	for name, v := range row.Columns {
		cloned.Columns[name] = v
	}
	return cloned
}

func (row *Row) WriteTo(w io.Writer) (n int64, err error) {
	var sn int64
	if sn, err = row.PK.WriteTo(w); err != nil {
		return
	}
	n += sn
	if err = binary.Write(w, binary.BigEndian, uint16(len(row.Columns))); err != nil {
		return
	}
	n += 2
	for _, name := range row.ColumnNames() {
		if sn, err = common.WriteString(name, w); err != nil {
			return
		}
		n += sn
		v := row.Columns[name]
		if sn, err = v.WriteTo(w); err != nil {
			return
		}
		n += sn
	}
	return
}

func (row *Row) ReadFrom(r io.Reader) (n int64, err error) {
	var sn int64
	if sn, err = row.PK.ReadFrom(r); err != nil {
		return
	}
	n += sn
	var cnt uint16
	if err = binary.Read(r, binary.BigEndian, &cnt); err != nil {
		return
	}
	n += 2
	row.Columns = make(map[string]Value, cnt)
	for i := uint16(0); i < cnt; i++ {
		var name string
		if name, sn, err = common.ReadString(r); err != nil {
			return
		}
		n += sn
		var v Value
		if sn, err = v.ReadFrom(r); err != nil {
			return
		}
		n += sn
		row.Columns[name] = v
	}
	return
}

func (row *Row) Marshal() (buf []byte, err error) {
	var bbuf bytes.Buffer
	if _, err = row.WriteTo(&bbuf); err != nil {
		return
	}
	buf = bbuf.Bytes()
	return
}

func (row *Row) Unmarshal(buf []byte) error {
	bbuf := bytes.NewBuffer(buf)
	_, err := row.ReadFrom(bbuf)
	return err
}
