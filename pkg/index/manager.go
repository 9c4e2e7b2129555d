package index

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"rsdb/pkg/storage"
	"rsdb/pkg/types"
)

var (
	ErrIndexExists   = errors.New("rsdb: index already exists")
	ErrIndexNotFound = errors.New("rsdb: index not found")
	ErrBadColumn     = errors.New("rsdb: column cannot be indexed")
)

type Kind = int16

const (
	KindBTree Kind = iota
	KindGIN
)

type Def struct {
	Table  string
	Column string
	Kind   Kind
}

func (def Def) key() string { return def.Table + "\x00" + def.Column }

// Manager owns every secondary index. Mutations come in through the OnXxx
// hooks on the apply path; index contents are always rebuildable from
// storage, which is what snapshot restore does.
type Manager struct {
	sync.RWMutex
	defs   map[string]Def
	btrees map[string]*BTreeIndex
	gins   map[string]*Inverted
}

func NewManager() *Manager {
	return &Manager{
		defs:   make(map[string]Def),
		btrees: make(map[string]*BTreeIndex),
		gins:   make(map[string]*Inverted),
	}
}

func (mgr *Manager) Create(def Def, src storage.Storage) error {
	mgr.Lock()
	defer mgr.Unlock()
	if _, ok := mgr.defs[def.key()]; ok {
		return fmt.Errorf("%w: %s.%s", ErrIndexExists, def.Table, def.Column)
	}
	schema, err := src.Schema(def.Table)
	if err != nil {
		return err
	}
	colDef := schema.Column(def.Column)
	if colDef == nil {
		return fmt.Errorf("%w: %s.%s", types.ErrColumnNotFound, def.Table, def.Column)
	}
	if def.Kind == KindGIN && colDef.Type != types.TTsVector && colDef.Type != types.TText {
		return fmt.Errorf("%w: %s.%s is not text", ErrBadColumn, def.Table, def.Column)
	}
	it, err := src.Scan(def.Table)
	if err != nil {
		return err
	}
	mgr.defs[def.key()] = def
	switch def.Kind {
	case KindGIN:
		idx := NewInverted()
		for ; it.Valid(); it.Next() {
			row := it.Row()
			if v, ok := row.Get(def.Column); ok && !v.IsNull() {
				idx.Add(row.PK, v.S)
			}
		}
		mgr.gins[def.key()] = idx
	default:
		idx := NewBTreeIndex()
		for ; it.Valid(); it.Next() {
			row := it.Row()
			if v, ok := row.Get(def.Column); ok && !v.IsNull() {
				idx.Insert(v, row.PK)
			}
		}
		mgr.btrees[def.key()] = idx
	}
	return nil
}

func (mgr *Manager) Drop(table, column string) error {
	mgr.Lock()
	defer mgr.Unlock()
	key := Def{Table: table, Column: column}.key()
	if _, ok := mgr.defs[key]; !ok {
		return fmt.Errorf("%w: %s.%s", ErrIndexNotFound, table, column)
	}
	delete(mgr.defs, key)
	delete(mgr.btrees, key)
	delete(mgr.gins, key)
	return nil
}

func (mgr *Manager) DropTable(table string) {
	mgr.Lock()
	defer mgr.Unlock()
	for key, def := range mgr.defs {
		if def.Table == table {
			delete(mgr.defs, key)
			delete(mgr.btrees, key)
			delete(mgr.gins, key)
		}
	}
}

func (mgr *Manager) tableDefs(table string) []Def {
	defs := make([]Def, 0, 2)
	for _, def := range mgr.defs {
		if def.Table == table {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Column < defs[j].Column })
	return defs
}

func (mgr *Manager) OnInsert(table string, row *types.Row) {
	mgr.Lock()
	defer mgr.Unlock()
	for _, def := range mgr.tableDefs(table) {
		v, ok := row.Get(def.Column)
		if !ok || v.IsNull() {
			continue
		}
		switch def.Kind {
		case KindGIN:
			mgr.gins[def.key()].Add(row.PK, v.S)
		default:
			mgr.btrees[def.key()].Insert(v, row.PK)
		}
	}
}

func (mgr *Manager) OnDelete(table string, row *types.Row) {
	mgr.Lock()
	defer mgr.Unlock()
	for _, def := range mgr.tableDefs(table) {
		switch def.Kind {
		case KindGIN:
			mgr.gins[def.key()].Remove(row.PK)
		default:
			if v, ok := row.Get(def.Column); ok && !v.IsNull() {
				mgr.btrees[def.key()].Remove(v, row.PK)
			}
		}
	}
}

func (mgr *Manager) OnUpdate(table string, old, updated *types.Row) {
	mgr.OnDelete(table, old)
	mgr.OnInsert(table, updated)
}

func (mgr *Manager) LookupEq(table, column string, val types.Value) ([]types.Value, bool) {
	mgr.RLock()
	defer mgr.RUnlock()
	idx, ok := mgr.btrees[Def{Table: table, Column: column}.key()]
	if !ok {
		return nil, false
	}
	return idx.Lookup(val), true
}

func (mgr *Manager) Match(table, column, query string) ([]types.Value, error) {
	mgr.RLock()
	defer mgr.RUnlock()
	idx, ok := mgr.gins[Def{Table: table, Column: column}.key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrIndexNotFound, table, column)
	}
	return idx.Match(query), nil
}

func (mgr *Manager) MatchRanked(table, column, query string) ([]RankedHit, error) {
	mgr.RLock()
	defer mgr.RUnlock()
	idx, ok := mgr.gins[Def{Table: table, Column: column}.key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrIndexNotFound, table, column)
	}
	return idx.MatchRanked(query), nil
}

// Defs lists index definitions in a stable order, for snapshot metadata.
func (mgr *Manager) Defs() []Def {
	mgr.RLock()
	defer mgr.RUnlock()
	return mgr.defsLocked()
}

// RestoreFrom rebuilds every index from storage contents.
func (mgr *Manager) RestoreFrom(defs []Def, src storage.Storage) error {
	mgr.Lock()
	mgr.defs = make(map[string]Def)
	mgr.btrees = make(map[string]*BTreeIndex)
	mgr.gins = make(map[string]*Inverted)
	mgr.Unlock()
	for _, def := range defs {
		if err := mgr.Create(def, src); err != nil {
			return err
		}
	}
	return nil
}
