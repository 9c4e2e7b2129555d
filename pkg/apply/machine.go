package apply

import (
	"errors"
	"fmt"
	"sync"

	"rsdb/pkg/catalog"
	"rsdb/pkg/index"
	"rsdb/pkg/lock"
	"rsdb/pkg/mvcc"
	"rsdb/pkg/storage"
	"rsdb/pkg/txn"
	"rsdb/pkg/types"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/sirupsen/logrus"
)

var (
	ErrSchemaViolation     = errors.New("rsdb: schema violation")
	ErrConstraintViolation = errors.New("rsdb: constraint violation")
	ErrTableBusy           = errors.New("rsdb: table latched by active transaction")
	ErrHalted              = errors.New("rsdb: state machine halted")
	ErrInternal            = errors.New("rsdb: internal error")
)

// ddlLockID is the reserved lock owner for table-level DDL latches.
const ddlLockID = ^uint64(0)

// Machine is the deterministic state machine. It owns storage, the catalog,
// the secondary indexes, the version store, the lock table and the
// transaction manager; the apply path is the only writer. Everything it
// computes depends only on (current state, batch): timestamps come from the
// logical clock, and all iteration is over sorted keys.
type Machine struct {
	sync.Mutex
	Store    storage.Storage
	Catalog  *catalog.Catalog
	Indexes  *index.Manager
	Versions *mvcc.Store
	Locks    *lock.Manager
	Txns     *txn.Manager

	applied    *roaring64.Bitmap
	results    map[uint64]*BatchResult
	nextID     uint64
	maxApplied uint64
	boundary   uint64
	poisoned   error

	inBatch bool
	undo    []func()
	capture *[]mvcc.Change
}

func NewMachine(cat *catalog.Catalog) *Machine {
	versions := mvcc.NewStore()
	locks := lock.NewManager()
	txns := txn.NewManager(versions, locks)
	m := &Machine{
		Store:    storage.NewMemStorage(),
		Catalog:  cat,
		Indexes:  index.NewManager(),
		Versions: versions,
		Locks:    locks,
		Txns:     txns,
		applied:  roaring64.NewBitmap(),
		results:  make(map[uint64]*BatchResult),
		nextID:   1,
	}
	txns.OnCommit = m.mirror
	return m
}

// mirror replays committed version-store changes into storage and the
// secondary indexes. While a batch is executing it also records the inverse
// operations for batch rollback.
func (m *Machine) mirror(changes []mvcc.Change) error {
	if m.capture != nil {
		*m.capture = changes
	}
	for _, change := range changes {
		change := change
		switch {
		case change.Row != nil && change.Created:
			if err := m.Store.Insert(change.Table, change.Row); err != nil {
				return fmt.Errorf("%w: mirror insert: %v", ErrInternal, err)
			}
			m.Indexes.OnInsert(change.Table, change.Row)
			m.pushUndo(func() {
				m.Store.Delete(change.Table, change.PK)
				m.Indexes.OnDelete(change.Table, change.Row)
			})
		case change.Row != nil:
			old, err := m.Store.Get(change.Table, change.PK)
			if err != nil {
				return fmt.Errorf("%w: mirror update: %v", ErrInternal, err)
			}
			if err = m.Store.Update(change.Table, change.PK, change.Row); err != nil {
				return fmt.Errorf("%w: mirror update: %v", ErrInternal, err)
			}
			m.Indexes.OnUpdate(change.Table, old, change.Row)
			m.pushUndo(func() {
				m.Store.Update(change.Table, change.PK, old)
				m.Indexes.OnUpdate(change.Table, change.Row, old)
			})
		default:
			old, err := m.Store.Get(change.Table, change.PK)
			if err != nil {
				return fmt.Errorf("%w: mirror delete: %v", ErrInternal, err)
			}
			if err = m.Store.Delete(change.Table, change.PK); err != nil {
				return fmt.Errorf("%w: mirror delete: %v", ErrInternal, err)
			}
			m.Indexes.OnDelete(change.Table, old)
			m.pushUndo(func() {
				m.Store.Insert(change.Table, old)
				m.Indexes.OnInsert(change.Table, old)
			})
		}
	}
	return nil
}

func (m *Machine) pushUndo(fn func()) {
	if m.inBatch {
		m.undo = append(m.undo, fn)
	}
}

// NextCommandID hands out the id for a new proposal.
func (m *Machine) NextCommandID() uint64 {
	m.Lock()
	defer m.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

// LastApplied is the highest batch id fully applied locally.
func (m *Machine) LastApplied() uint64 {
	m.Lock()
	defer m.Unlock()
	return m.maxApplied
}

// Poison makes every further apply fail; log corruption and snapshot
// version mismatches are fail-stop conditions.
func (m *Machine) Poison(err error) {
	m.Lock()
	defer m.Unlock()
	if m.poisoned == nil {
		logrus.Errorf("state machine poisoned: %v", err)
		m.poisoned = err
	}
}

// ApplyBatch realizes one batch. Replays return the cached result; a batch
// at or below the snapshot boundary returns a synthesized "already applied"
// result. A command failure rolls back the whole batch, records the error
// under the id, and still consumes the batch.
func (m *Machine) ApplyBatch(b *CommandBatch) (*BatchResult, error) {
	m.Lock()
	defer m.Unlock()
	if m.poisoned != nil {
		return nil, m.poisoned
	}
	if b.ID <= m.boundary {
		return synthesized(b.ID), nil
	}
	if m.applied.Contains(b.ID) {
		return m.results[b.ID], nil
	}

	m.Txns.Tick()
	m.inBatch = true
	m.undo = m.undo[:0]
	res := &BatchResult{ID: b.ID, FailedAt: -1}
	for k, cmd := range b.Commands {
		cr, err := m.applyCommand(cmd)
		if err != nil {
			logrus.Debugf("batch-%d failed at %d (%s): %v", b.ID, k, cmd.String(), err)
			res.Err = err.Error()
			res.FailedAt = k
			res.Results = nil
			for i := len(m.undo) - 1; i >= 0; i-- {
				m.undo[i]()
			}
			break
		}
		res.Results = append(res.Results, cr)
	}
	m.inBatch = false
	m.undo = nil

	m.applied.Add(b.ID)
	m.results[b.ID] = res
	if b.ID >= m.nextID {
		m.nextID = b.ID + 1
	}
	if b.ID > m.maxApplied {
		m.maxApplied = b.ID
	}
	m.Versions.GC(m.Txns.MinActiveSnapshotTs())
	return res, nil
}

// CommitInteractive commits a session transaction under the apply barrier,
// so its storage mirror never interleaves with a batch. It returns the
// committed changes for the caller to materialize as redo.
func (m *Machine) CommitInteractive(t *txn.Txn) ([]mvcc.Change, error) {
	m.Lock()
	defer m.Unlock()
	if m.poisoned != nil {
		return nil, m.poisoned
	}
	var changes []mvcc.Change
	m.capture = &changes
	err := m.Txns.Commit(t)
	m.capture = nil
	return changes, err
}

// RecordApplied registers a batch whose effects are already in place, used
// by the standalone commit path that logs interactive transactions as redo.
func (m *Machine) RecordApplied(b *CommandBatch, res *BatchResult) {
	m.Lock()
	defer m.Unlock()
	m.applied.Add(b.ID)
	m.results[b.ID] = res
	if b.ID >= m.nextID {
		m.nextID = b.ID + 1
	}
	if b.ID > m.maxApplied {
		m.maxApplied = b.ID
	}
}

func (m *Machine) applyCommand(cmd Command) (CommandResult, error) {
	cr := CommandResult{Cmd: cmd.GetType()}
	switch c := cmd.(type) {
	case *CreateTableCmd:
		return cr, m.applyCreateTable(c)
	case *DropTableCmd:
		return cr, m.applyDropTable(c)
	case *AlterTableCmd:
		return cr, m.applyAlterTable(c)
	case *InsertCmd:
		cr.TxID = c.TxID
		return cr, m.applyInsert(c)
	case *UpdateCmd:
		cr.TxID = c.TxID
		n, err := m.applyUpdate(c)
		cr.RowsAffected = n
		return cr, err
	case *DeleteCmd:
		cr.TxID = c.TxID
		n, err := m.applyDelete(c)
		cr.RowsAffected = n
		return cr, err
	case *CreateIndexCmd:
		return cr, m.applyCreateIndex(c)
	case *DropIndexCmd:
		return cr, m.applyDropIndex(c)
	case *BeginTxCmd:
		cr.TxID = c.TxID
		return cr, m.applyBeginTx(c)
	case *CommitTxCmd:
		cr.TxID = c.TxID
		return cr, m.applyCommitTx(c)
	case *AbortTxCmd:
		cr.TxID = c.TxID
		return cr, m.applyAbortTx(c)
	default:
		return cr, fmt.Errorf("%w: %d", ErrUnknownCommand, cmd.GetType())
	}
}

// tableLatch takes the coarse exclusive latch DDL runs under. It conflicts
// with the shared latches row writers hold until commit.
func (m *Machine) tableLatch(table string) (release func(), err error) {
	if err = m.Locks.TryAcquire(ddlLockID, "tbl/"+table, lock.Exclusive); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTableBusy, table)
	}
	return func() { m.Locks.ReleaseAll(ddlLockID) }, nil
}

func (m *Machine) applyCreateTable(c *CreateTableCmd) error {
	schema := c.Schema
	if len(schema.Columns) == 0 {
		return fmt.Errorf("%w: table %s has no columns", ErrSchemaViolation, schema.Name)
	}
	if schema.Column(schema.PKColumn) == nil {
		return fmt.Errorf("%w: table %s pk column %s undefined", ErrSchemaViolation, schema.Name, schema.PKColumn)
	}
	if m.Catalog.HasTable(schema.Name) {
		return fmt.Errorf("%w: table %s exists", ErrConstraintViolation, schema.Name)
	}
	if err := m.Catalog.CreateTable(schema); err != nil {
		return err
	}
	if err := m.Store.CreateTable(schema); err != nil {
		m.Catalog.Remove(schema.Name)
		return err
	}
	name := schema.Name
	m.pushUndo(func() {
		m.Indexes.DropTable(name)
		m.Store.DropTable(name)
		m.Catalog.Remove(name)
	})
	// tsvector columns get their inverted index implicitly
	for _, def := range schema.Columns {
		if def.Type == types.TTsVector {
			if err := m.Indexes.Create(index.Def{Table: name, Column: def.Name, Kind: index.KindGIN}, m.Store); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Machine) applyDropTable(c *DropTableCmd) error {
	if !m.Catalog.HasTable(c.Name) {
		return fmt.Errorf("%w: %s", catalog.ErrTableNotFound, c.Name)
	}
	release, err := m.tableLatch(c.Name)
	if err != nil {
		return err
	}
	defer release()

	schema, _ := m.Catalog.Schema(c.Name)
	it, err := m.Store.Scan(c.Name)
	if err != nil {
		return err
	}
	rows := make([]*types.Row, 0, it.Len())
	for ; it.Valid(); it.Next() {
		rows = append(rows, it.Row())
	}
	defs := make([]index.Def, 0, 2)
	for _, def := range m.Indexes.Defs() {
		if def.Table == c.Name {
			defs = append(defs, def)
		}
	}

	if err = m.Store.DropTable(c.Name); err != nil {
		return err
	}
	if err = m.Catalog.DropTable(c.Name); err != nil {
		return err
	}
	m.Indexes.DropTable(c.Name)
	m.Versions.DropTable(c.Name)

	name := c.Name
	seedTs := m.Txns.CurrentTs()
	m.pushUndo(func() {
		m.Store.CreateTable(schema)
		m.Catalog.Replace(schema)
		for _, row := range rows {
			m.Store.Insert(name, row)
			m.Versions.LoadCommitted(name, row.PK, row, seedTs)
		}
		for _, def := range defs {
			m.Indexes.Create(def, m.Store)
		}
	})
	return nil
}

func (m *Machine) applyAlterTable(c *AlterTableCmd) error {
	if !m.Catalog.HasTable(c.Table) {
		return fmt.Errorf("%w: %s", catalog.ErrTableNotFound, c.Table)
	}
	release, err := m.tableLatch(c.Table)
	if err != nil {
		return err
	}
	defer release()

	oldSchema, _ := m.Catalog.Schema(c.Table)
	it, err := m.Store.Scan(c.Table)
	if err != nil {
		return err
	}
	oldRows := make([]*types.Row, 0, it.Len())
	for ; it.Valid(); it.Next() {
		oldRows = append(oldRows, it.Row())
	}
	oldDefs := make([]index.Def, 0, 2)
	for _, def := range m.Indexes.Defs() {
		if def.Table == c.Table {
			oldDefs = append(oldDefs, def)
		}
	}
	newSchema, err := m.Catalog.AlterTable(c.Table, c.Op)
	if err != nil {
		return err
	}
	if err = m.rebuildTable(c.Table, newSchema, c.Op); err != nil {
		m.Catalog.Replace(oldSchema)
		return err
	}
	table := c.Table
	seedTs := m.Txns.CurrentTs()
	m.pushUndo(func() {
		m.Catalog.Replace(oldSchema)
		m.Store.DropTable(table)
		m.Store.CreateTable(oldSchema)
		for _, row := range oldRows {
			m.Store.Insert(table, row)
		}
		m.Indexes.DropTable(table)
		for _, def := range oldDefs {
			m.Indexes.Create(def, m.Store)
		}
		m.reseedVersions(table, seedTs)
	})
	return nil
}

// reseedVersions replaces the table's version chains with one committed
// version per stored row. Schema changes truncate the table's MVCC history:
// the coarse latch already fenced off every concurrent reader and writer.
func (m *Machine) reseedVersions(table string, ts uint64) {
	m.Versions.DropTable(table)
	it, err := m.Store.Scan(table)
	if err != nil {
		return
	}
	for ; it.Valid(); it.Next() {
		row := it.Row()
		m.Versions.LoadCommitted(table, row.PK, row, ts)
	}
}

// rebuildTable rewrites the stored rows to the new schema, rebuilds the
// table's indexes and reseeds the version chains.
func (m *Machine) rebuildTable(table string, newSchema *types.Schema, op catalog.AlterOp) error {
	it, err := m.Store.Scan(table)
	if err != nil {
		return err
	}
	rows := make([]*types.Row, 0, it.Len())
	for ; it.Valid(); it.Next() {
		row := it.Row()
		transformed := types.NewRow(row.PK)
		for name, v := range row.Columns {
			col := name
			if op.Kind == catalog.AlterRenameColumn && name == op.Name {
				col = op.NewName
			}
			if newSchema.Column(col) == nil {
				continue
			}
			transformed.Set(col, v)
		}
		rows = append(rows, transformed)
	}
	defs := make([]index.Def, 0, 2)
	for _, def := range m.Indexes.Defs() {
		if def.Table != table {
			continue
		}
		if op.Kind == catalog.AlterDropColumn && def.Column == op.Name {
			continue // index on a dropped column goes with it
		}
		if op.Kind == catalog.AlterRenameColumn && def.Column == op.Name {
			def.Column = op.NewName
		}
		defs = append(defs, def)
	}
	if err = m.Store.DropTable(table); err != nil {
		return err
	}
	if err = m.Store.CreateTable(newSchema); err != nil {
		return err
	}
	for _, row := range rows {
		if err = m.Store.Insert(table, row); err != nil {
			return err
		}
	}
	m.Indexes.DropTable(table)
	for _, def := range defs {
		if err = m.Indexes.Create(def, m.Store); err != nil {
			return err
		}
	}
	m.reseedVersions(table, m.Txns.CurrentTs())
	return nil
}

// commandTxn resolves the transaction a mutation runs under. TxID zero
// wraps the command in an implicit transaction committed at command end.
func (m *Machine) commandTxn(txID uint64) (t *txn.Txn, auto bool, err error) {
	if txID == 0 {
		return m.Txns.Begin(txn.RepeatableRead), true, nil
	}
	t = m.Txns.Get(txID)
	if t == nil {
		return nil, false, fmt.Errorf("%w: txn-%d", txn.ErrTxnNotFound, txID)
	}
	return t, false, nil
}

// finishCommand commits an implicit transaction or records the undo marks
// for an explicit one.
func (m *Machine) finishCommand(t *txn.Txn, auto bool, markCreated, markDeleted, lockMark int) error {
	if auto {
		if err := m.Txns.Commit(t); err != nil {
			return err
		}
		commitTs := t.CommitTs
		m.pushUndo(func() {
			m.Txns.Reinstate(t)
			m.Versions.UndoCommit(t.ID, commitTs)
			m.Txns.Abort(t)
		})
		return nil
	}
	m.pushUndo(func() {
		m.Versions.RollbackToMark(t.ID, markCreated, markDeleted)
		m.Locks.ReleaseAfter(t.ID, lockMark)
	})
	return nil
}

func (m *Machine) abortAuto(t *txn.Txn, auto bool) {
	if auto {
		m.Txns.Abort(t)
	}
}

func (m *Machine) applyInsert(c *InsertCmd) error {
	schema, err := m.Catalog.Schema(c.Table)
	if err != nil {
		return err
	}
	if err = schema.Validate(c.Row); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	t, auto, err := m.commandTxn(c.TxID)
	if err != nil {
		return err
	}
	markCreated, markDeleted := m.Versions.Mark(t.ID)
	lockMark := m.Locks.HeldCount(t.ID)

	if visible := m.Versions.Get(c.Table, c.Row.PK, m.Txns.CurrentTs(), t.ID); visible != nil {
		m.abortAuto(t, auto)
		return fmt.Errorf("%w: duplicate pk %s in %s", ErrConstraintViolation, c.Row.PK.String(), c.Table)
	}
	if err = m.Txns.TryWrite(t, c.Table, c.Row.PK, c.Row); err != nil {
		m.abortAuto(t, auto)
		return err
	}
	if err = m.finishCommand(t, auto, markCreated, markDeleted, lockMark); err != nil {
		return err
	}
	return nil
}

// matchRows evaluates the predicate over the rows visible to the
// transaction, in primary key order.
func (m *Machine) matchRows(t *txn.Txn, table string, schema *types.Schema, pred Predicate) []*types.Row {
	ts := t.SnapshotTs
	if t.Isolation == txn.ReadCommitted {
		ts = m.Txns.CurrentTs()
	}
	rows := m.Versions.ScanVisible(table, ts, t.ID)
	matched := rows[:0]
	for _, row := range rows {
		if pred.Match(schema, row) {
			matched = append(matched, row)
		}
	}
	return matched
}

func (m *Machine) applyUpdate(c *UpdateCmd) (uint32, error) {
	schema, err := m.Catalog.Schema(c.Table)
	if err != nil {
		return 0, err
	}
	for _, a := range c.Assignments {
		def := schema.Column(a.Column)
		if def == nil {
			return 0, fmt.Errorf("%w: %s.%s", types.ErrColumnNotFound, c.Table, a.Column)
		}
		if a.Column == schema.PKColumn {
			return 0, fmt.Errorf("%w: cannot assign pk %s", ErrSchemaViolation, a.Column)
		}
		if !a.Value.Matches(def.Type) {
			return 0, fmt.Errorf("%w: %s.%s", types.ErrTypeMismatch, c.Table, a.Column)
		}
	}
	t, auto, err := m.commandTxn(c.TxID)
	if err != nil {
		return 0, err
	}
	markCreated, markDeleted := m.Versions.Mark(t.ID)
	lockMark := m.Locks.HeldCount(t.ID)

	count := uint32(0)
	for _, row := range m.matchRows(t, c.Table, schema, c.Predicate) {
		updated := row.Clone()
		for _, a := range c.Assignments {
			updated.Set(a.Column, a.Value)
		}
		if err = m.Txns.TryWrite(t, c.Table, row.PK, updated); err != nil {
			m.Versions.RollbackToMark(t.ID, markCreated, markDeleted)
			m.Locks.ReleaseAfter(t.ID, lockMark)
			m.abortAuto(t, auto)
			return 0, err
		}
		count++
	}
	if err = m.finishCommand(t, auto, markCreated, markDeleted, lockMark); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *Machine) applyDelete(c *DeleteCmd) (uint32, error) {
	schema, err := m.Catalog.Schema(c.Table)
	if err != nil {
		return 0, err
	}
	t, auto, err := m.commandTxn(c.TxID)
	if err != nil {
		return 0, err
	}
	markCreated, markDeleted := m.Versions.Mark(t.ID)
	lockMark := m.Locks.HeldCount(t.ID)

	count := uint32(0)
	for _, row := range m.matchRows(t, c.Table, schema, c.Predicate) {
		if err = m.Txns.TryDelete(t, c.Table, row.PK); err != nil {
			m.Versions.RollbackToMark(t.ID, markCreated, markDeleted)
			m.Locks.ReleaseAfter(t.ID, lockMark)
			m.abortAuto(t, auto)
			return 0, err
		}
		count++
	}
	if err = m.finishCommand(t, auto, markCreated, markDeleted, lockMark); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *Machine) applyCreateIndex(c *CreateIndexCmd) error {
	def := index.Def{Table: c.Table, Column: c.Column, Kind: c.Kind}
	if err := m.Indexes.Create(def, m.Store); err != nil {
		return err
	}
	m.pushUndo(func() {
		m.Indexes.Drop(def.Table, def.Column)
	})
	return nil
}

func (m *Machine) applyDropIndex(c *DropIndexCmd) error {
	var dropped *index.Def
	for _, def := range m.Indexes.Defs() {
		if def.Table == c.Table && def.Column == c.Column {
			d := def
			dropped = &d
			break
		}
	}
	if err := m.Indexes.Drop(c.Table, c.Column); err != nil {
		return err
	}
	m.pushUndo(func() {
		m.Indexes.Create(*dropped, m.Store)
	})
	return nil
}

func (m *Machine) applyBeginTx(c *BeginTxCmd) error {
	if c.TxID == 0 {
		return fmt.Errorf("%w: BeginTx requires an id", ErrSchemaViolation)
	}
	t, err := m.Txns.BeginWith(c.TxID, c.Isolation)
	if err != nil {
		return err
	}
	m.pushUndo(func() {
		m.Txns.Abort(t)
	})
	return nil
}

func (m *Machine) applyCommitTx(c *CommitTxCmd) error {
	t := m.Txns.Get(c.TxID)
	if t == nil {
		return fmt.Errorf("%w: txn-%d", txn.ErrTxnNotFound, c.TxID)
	}
	held := m.Locks.HeldLocks(t.ID)
	if err := m.Txns.Commit(t); err != nil {
		// a serialization failure is the commit's outcome; the transaction
		// is gone either way
		return err
	}
	commitTs := t.CommitTs
	m.pushUndo(func() {
		m.Txns.Reinstate(t)
		for _, h := range held {
			m.Locks.TryAcquire(t.ID, h.Key, h.Mode)
		}
		m.Versions.UndoCommit(t.ID, commitTs)
	})
	return nil
}

func (m *Machine) applyAbortTx(c *AbortTxCmd) error {
	t := m.Txns.Get(c.TxID)
	if t == nil {
		return fmt.Errorf("%w: txn-%d", txn.ErrTxnNotFound, c.TxID)
	}
	held := m.Locks.HeldLocks(t.ID)
	pending := m.Versions.PendingWrites(t.ID)
	m.Txns.Abort(t)
	m.pushUndo(func() {
		m.Txns.Reinstate(t)
		for _, h := range held {
			m.Locks.TryAcquire(t.ID, h.Key, h.Mode)
		}
		for _, w := range pending {
			if w.Row != nil {
				m.Versions.Put(t.ID, w.Table, w.PK, w.Row)
			} else {
				m.Versions.Tombstone(t.ID, w.Table, w.PK)
			}
		}
	})
	return nil
}
