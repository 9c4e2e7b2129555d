package storage

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"rsdb/pkg/types"

	"github.com/google/btree"
)

type rowItem struct {
	key []byte
	row *types.Row
}

func (item *rowItem) Less(than btree.Item) bool {
	return bytes.Compare(item.key, than.(*rowItem).key) < 0
}

type memTable struct {
	schema *types.Schema
	rows   *btree.BTree
}

func newMemTable(schema *types.Schema) *memTable {
	return &memTable{
		schema: schema.Clone(),
		rows:   btree.New(8),
	}
}

// MemStorage keeps every table in an in-memory btree keyed by the canonical
// primary key encoding. Scan order is the key order, identical on every
// replica.
type MemStorage struct {
	sync.RWMutex
	tables map[string]*memTable
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		tables: make(map[string]*memTable),
	}
}

func (s *MemStorage) CreateTable(schema *types.Schema) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.tables[schema.Name]; ok {
		return fmt.Errorf("%w: %s", ErrTableExists, schema.Name)
	}
	s.tables[schema.Name] = newMemTable(schema)
	return nil
}

func (s *MemStorage) DropTable(name string) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.tables[name]; !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	delete(s.tables, name)
	return nil
}

func (s *MemStorage) table(name string) (*memTable, error) {
	tbl, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return tbl, nil
}

func (s *MemStorage) Insert(table string, row *types.Row) error {
	s.Lock()
	defer s.Unlock()
	tbl, err := s.table(table)
	if err != nil {
		return err
	}
	if err = tbl.schema.Validate(row); err != nil {
		return err
	}
	item := &rowItem{key: row.PK.Key(), row: row.Clone()}
	if tbl.rows.Get(item) != nil {
		return fmt.Errorf("%w: %s pk=%s", ErrDuplicateKey, table, row.PK.String())
	}
	tbl.rows.ReplaceOrInsert(item)
	return nil
}

func (s *MemStorage) Update(table string, pk types.Value, row *types.Row) error {
	s.Lock()
	defer s.Unlock()
	tbl, err := s.table(table)
	if err != nil {
		return err
	}
	if err = tbl.schema.Validate(row); err != nil {
		return err
	}
	item := &rowItem{key: pk.Key()}
	if tbl.rows.Get(item) == nil {
		return fmt.Errorf("%w: %s pk=%s", ErrRowNotFound, table, pk.String())
	}
	tbl.rows.ReplaceOrInsert(&rowItem{key: row.PK.Key(), row: row.Clone()})
	return nil
}

func (s *MemStorage) Delete(table string, pk types.Value) error {
	s.Lock()
	defer s.Unlock()
	tbl, err := s.table(table)
	if err != nil {
		return err
	}
	if tbl.rows.Delete(&rowItem{key: pk.Key()}) == nil {
		return fmt.Errorf("%w: %s pk=%s", ErrRowNotFound, table, pk.String())
	}
	return nil
}

func (s *MemStorage) Get(table string, pk types.Value) (*types.Row, error) {
	s.RLock()
	defer s.RUnlock()
	tbl, err := s.table(table)
	if err != nil {
		return nil, err
	}
	item := tbl.rows.Get(&rowItem{key: pk.Key()})
	if item == nil {
		return nil, fmt.Errorf("%w: %s pk=%s", ErrRowNotFound, table, pk.String())
	}
	return item.(*rowItem).row.Clone(), nil
}

func (s *MemStorage) Scan(table string) (*Iterator, error) {
	s.RLock()
	defer s.RUnlock()
	tbl, err := s.table(table)
	if err != nil {
		return nil, err
	}
	rows := make([]*types.Row, 0, tbl.rows.Len())
	tbl.rows.Ascend(func(item btree.Item) bool {
		rows = append(rows, item.(*rowItem).row.Clone())
		return true
	})
	return &Iterator{rows: rows}, nil
}

func (s *MemStorage) Schema(table string) (*types.Schema, error) {
	s.RLock()
	defer s.RUnlock()
	tbl, err := s.table(table)
	if err != nil {
		return nil, err
	}
	return tbl.schema.Clone(), nil
}

func (s *MemStorage) TableNames() []string {
	s.RLock()
	defer s.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *MemStorage) Dump() []*TableDump {
	dumps := make([]*TableDump, 0, len(s.tables))
	for _, name := range s.TableNames() {
		s.RLock()
		tbl := s.tables[name]
		dump := &TableDump{Schema: tbl.schema.Clone()}
		tbl.rows.Ascend(func(item btree.Item) bool {
			dump.Rows = append(dump.Rows, item.(*rowItem).row.Clone())
			return true
		})
		s.RUnlock()
		dumps = append(dumps, dump)
	}
	return dumps
}

func (s *MemStorage) RestoreFrom(tables []*TableDump) error {
	s.Lock()
	defer s.Unlock()
	s.tables = make(map[string]*memTable)
	for _, dump := range tables {
		tbl := newMemTable(dump.Schema)
		for _, row := range dump.Rows {
			tbl.rows.ReplaceOrInsert(&rowItem{key: row.PK.Key(), row: row.Clone()})
		}
		s.tables[dump.Schema.Name] = tbl
	}
	return nil
}

// Digest is a crc over the canonical encoding of all tables in name order.
// Two replicas with the same digest hold byte-identical state.
func (s *MemStorage) Digest() uint32 {
	var buf bytes.Buffer
	for _, dump := range s.Dump() {
		dump.WriteTo(&buf)
	}
	return crc32.ChecksumIEEE(buf.Bytes())
}
