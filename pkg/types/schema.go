package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"rsdb/pkg/common"
)

var (
	ErrColumnNotFound = errors.New("rsdb: column not found")
	ErrNullViolation  = errors.New("rsdb: not null constraint violated")
)

type ColumnDef struct {
	Name    string
	Type    ValueType
	NotNull bool
}

type Schema struct {
	Name     string
	Columns  []ColumnDef
	PKColumn string
}

func NewSchema(name, pk string) *Schema {
	return &Schema{
		Name:     name,
		PKColumn: pk,
	}
}

func (s *Schema) AddColumn(name string, t ValueType, notNull bool) *Schema {
	s.Columns = append(s.Columns, ColumnDef{Name: name, Type: t, NotNull: notNull})
	return s
}

func (s *Schema) Column(name string) *ColumnDef {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i]
		}
	}
	return nil
}

func (s *Schema) Clone() *Schema {
	cloned := &Schema{
		Name:     s.Name,
		PKColumn: s.PKColumn,
		Columns:  make([]ColumnDef, len(s.Columns)),
	}
	copy(cloned.Columns, s.Columns)
	return cloned
}

// Validate checks a row against the schema: every column must be defined,
// typed correctly and non-null where required. The PK column must be present
// and non-null.
func (s *Schema) Validate(row *Row) error {
	pkDef := s.Column(s.PKColumn)
	if pkDef == nil {
		return fmt.Errorf("%w: pk %s.%s", ErrColumnNotFound, s.Name, s.PKColumn)
	}
	if row.PK.IsNull() {
		return fmt.Errorf("%w: %s.%s", ErrNullViolation, s.Name, s.PKColumn)
	}
	if !row.PK.Matches(pkDef.Type) {
		return fmt.Errorf("%w: %s.%s", ErrTypeMismatch, s.Name, s.PKColumn)
	}
	for name, v := range row.Columns {
		def := s.Column(name)
		if def == nil {
			return fmt.Errorf("%w: %s.%s", ErrColumnNotFound, s.Name, name)
		}
		if !v.Matches(def.Type) {
			return fmt.Errorf("%w: %s.%s", ErrTypeMismatch, s.Name, name)
		}
	}
	for i := range s.Columns {
		def := &s.Columns[i]
		if !def.NotNull || def.Name == s.PKColumn {
			continue
		}
		v, ok := row.Columns[def.Name]
		if !ok || v.IsNull() {
			return fmt.Errorf("%w: %s.%s", ErrNullViolation, s.Name, def.Name)
		}
	}
	return nil
}

func (s *Schema) WriteTo(w io.Writer) (n int64, err error) {
	var sn int64
	if sn, err = common.WriteString(s.Name, w); err != nil {
		return
	}
	n += sn
	if sn, err = common.WriteString(s.PKColumn, w); err != nil {
		return
	}
	n += sn
	if err = binary.Write(w, binary.BigEndian, uint16(len(s.Columns))); err != nil {
		return
	}
	n += 2
	for _, def := range s.Columns {
		if sn, err = common.WriteString(def.Name, w); err != nil {
			return
		}
		n += sn
		if err = binary.Write(w, binary.BigEndian, def.Type); err != nil {
			return
		}
		n += 2
		notNull := uint8(0)
		if def.NotNull {
			notNull = 1
		}
		if err = binary.Write(w, binary.BigEndian, notNull); err != nil {
			return
		}
		n += 1
	}
	return
}

func (s *Schema) ReadFrom(r io.Reader) (n int64, err error) {
	var sn int64
	if s.Name, sn, err = common.ReadString(r); err != nil {
		return
	}
	n += sn
	if s.PKColumn, sn, err = common.ReadString(r); err != nil {
		return
	}
	n += sn
	var cnt uint16
	if err = binary.Read(r, binary.BigEndian, &cnt); err != nil {
		return
	}
	n += 2
	s.Columns = make([]ColumnDef, cnt)
	for i := uint16(0); i < cnt; i++ {
		def := &s.Columns[i]
		if def.Name, sn, err = common.ReadString(r); err != nil {
			return
		}
		n += sn
		if err = binary.Read(r, binary.BigEndian, &def.Type); err != nil {
			return
		}
		n += 2
		var notNull uint8
		if err = binary.Read(r, binary.BigEndian, &notNull); err != nil {
			return
		}
		n += 1
		def.NotNull = notNull != 0
	}
	return
}
