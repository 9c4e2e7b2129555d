package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"rsdb/pkg/types"

	"github.com/jiangxinmeng1/logstore/pkg/entry"
)

var (
	ErrTableNotFound = errors.New("rsdb: catalog table not found")
	ErrDuplicate     = errors.New("rsdb: catalog duplicate table")
	ErrBadAlter      = errors.New("rsdb: bad alter operation")
)

type JournalEntryType = entry.Type

const (
	ETCreateTable JournalEntryType = iota + entry.ETCustomizedStart
	ETDropTable
	ETAlterTable
)

type AlterKind = int16

const (
	AlterAddColumn AlterKind = iota
	AlterDropColumn
	AlterRenameColumn
)

type AlterOp struct {
	Kind    AlterKind
	Column  types.ColumnDef // AddColumn
	Name    string          // DropColumn, RenameColumn (old name)
	NewName string          // RenameColumn
}

// Catalog is the schema registry. Every DDL bumps the schema version, and
// when a journal driver is attached each DDL is appended to it. The
// journal is a durability aid only; recovery always rebuilds the catalog
// from snapshot plus command replay.
type Catalog struct {
	sync.RWMutex
	schemas map[string]*types.Schema
	version uint64
	driver  NodeDriver
}

func NewCatalog(driver NodeDriver) *Catalog {
	return &Catalog{
		schemas: make(map[string]*types.Schema),
		driver:  driver,
	}
}

func (c *Catalog) Close() error {
	if c.driver != nil {
		return c.driver.Close()
	}
	return nil
}

func (c *Catalog) journal(t JournalEntryType, payload []byte) {
	if c.driver == nil {
		return
	}
	e := entry.GetBase()
	e.SetType(t)
	e.Unmarshal(payload)
	if _, err := c.driver.AppendEntry(e); err != nil {
		panic(err)
	}
}

func (c *Catalog) Version() uint64 {
	c.RLock()
	defer c.RUnlock()
	return c.version
}

func (c *Catalog) SetVersion(v uint64) {
	c.Lock()
	defer c.Unlock()
	c.version = v
}

func (c *Catalog) CreateTable(schema *types.Schema) error {
	c.Lock()
	defer c.Unlock()
	if _, ok := c.schemas[schema.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, schema.Name)
	}
	c.schemas[schema.Name] = schema.Clone()
	c.version++
	var buf bytes.Buffer
	schema.WriteTo(&buf)
	c.journal(ETCreateTable, buf.Bytes())
	return nil
}

func (c *Catalog) DropTable(name string) error {
	c.Lock()
	defer c.Unlock()
	if _, ok := c.schemas[name]; !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	delete(c.schemas, name)
	c.version++
	c.journal(ETDropTable, []byte(name))
	return nil
}

// AlterTable applies the op to the registered schema and returns the new
// schema. The caller holds the table's exclusive latch.
func (c *Catalog) AlterTable(name string, op AlterOp) (*types.Schema, error) {
	c.Lock()
	defer c.Unlock()
	schema, ok := c.schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	altered := schema.Clone()
	switch op.Kind {
	case AlterAddColumn:
		if altered.Column(op.Column.Name) != nil {
			return nil, fmt.Errorf("%w: column %s exists", ErrBadAlter, op.Column.Name)
		}
		if op.Column.NotNull {
			return nil, fmt.Errorf("%w: new column %s cannot be NOT NULL", ErrBadAlter, op.Column.Name)
		}
		altered.Columns = append(altered.Columns, op.Column)
	case AlterDropColumn:
		if op.Name == altered.PKColumn {
			return nil, fmt.Errorf("%w: cannot drop pk %s", ErrBadAlter, op.Name)
		}
		idx := -1
		for i := range altered.Columns {
			if altered.Columns[i].Name == op.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: column %s", ErrTableNotFound, op.Name)
		}
		altered.Columns = append(altered.Columns[:idx], altered.Columns[idx+1:]...)
	case AlterRenameColumn:
		def := altered.Column(op.Name)
		if def == nil {
			return nil, fmt.Errorf("%w: column %s", ErrTableNotFound, op.Name)
		}
		if altered.Column(op.NewName) != nil {
			return nil, fmt.Errorf("%w: column %s exists", ErrBadAlter, op.NewName)
		}
		def.Name = op.NewName
		if altered.PKColumn == op.Name {
			altered.PKColumn = op.NewName
		}
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrBadAlter, op.Kind)
	}
	c.schemas[name] = altered
	c.version++
	c.journal(ETAlterTable, []byte(name))
	return altered.Clone(), nil
}

// Replace installs a schema without bumping the version; batch rollback
// and snapshot restore use it.
func (c *Catalog) Replace(schema *types.Schema) {
	c.Lock()
	defer c.Unlock()
	c.schemas[schema.Name] = schema.Clone()
}

func (c *Catalog) Remove(name string) {
	c.Lock()
	defer c.Unlock()
	delete(c.schemas, name)
}

func (c *Catalog) Schema(name string) (*types.Schema, error) {
	c.RLock()
	defer c.RUnlock()
	schema, ok := c.schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return schema.Clone(), nil
}

func (c *Catalog) HasTable(name string) bool {
	c.RLock()
	defer c.RUnlock()
	_, ok := c.schemas[name]
	return ok
}

func (c *Catalog) TableNames() []string {
	c.RLock()
	defer c.RUnlock()
	names := make([]string, 0, len(c.schemas))
	for name := range c.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops every schema; snapshot restore rebuilds from dumps.
func (c *Catalog) Reset() {
	c.Lock()
	defer c.Unlock()
	c.schemas = make(map[string]*types.Schema)
	c.version = 0
}
