package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rsdb/pkg/lock"
	"rsdb/pkg/mvcc"
	"rsdb/pkg/types"

	"github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/common"
	"github.com/sirupsen/logrus"
)

// CommitHook mirrors committed version-store changes into storage and the
// secondary indexes. It runs with the commit still owning its locks.
type CommitHook = func(changes []mvcc.Change) error

// Manager issues transaction ids and timestamps from logical allocators,
// tracks active transactions, and coordinates the version store with the
// lock manager. Timestamps never come from the wall clock: the apply path
// drives the allocators, which keeps every replica identical.
type Manager struct {
	sync.RWMutex
	Active           map[uint64]*Txn
	IdAlloc, TsAlloc *common.IdAlloctor
	Versions         *mvcc.Store
	Locks            *lock.Manager
	OnCommit         CommitHook
	LockTimeout      time.Duration

	lastID uint64
	lastTs uint64
}

func NewManager(versions *mvcc.Store, locks *lock.Manager) *Manager {
	return &Manager{
		Active:   make(map[uint64]*Txn),
		IdAlloc:  common.NewIdAlloctor(1),
		TsAlloc:  common.NewIdAlloctor(1),
		Versions: versions,
		Locks:    locks,
	}
}

// Init positions the allocators above everything recovered from the log or
// a snapshot.
func (mgr *Manager) Init(prevTxnID, prevTs uint64) {
	mgr.Lock()
	defer mgr.Unlock()
	if prevTxnID > mgr.lastID {
		mgr.IdAlloc.SetStart(prevTxnID)
		mgr.lastID = prevTxnID
	}
	if prevTs > mgr.lastTs {
		mgr.TsAlloc.SetStart(prevTs)
		mgr.lastTs = prevTs
	}
}

func (mgr *Manager) nextIDLocked() uint64 {
	for {
		id := mgr.IdAlloc.Alloc()
		if id > mgr.lastID {
			mgr.lastID = id
			return id
		}
	}
}

func (mgr *Manager) nextTsLocked() uint64 {
	for {
		ts := mgr.TsAlloc.Alloc()
		if ts > mgr.lastTs {
			mgr.lastTs = ts
			return ts
		}
	}
}

// Tick advances the logical clock by one and returns the new value.
func (mgr *Manager) Tick() uint64 {
	mgr.Lock()
	defer mgr.Unlock()
	return mgr.nextTsLocked()
}

// AdvanceTo raises the logical clock to at least ts.
func (mgr *Manager) AdvanceTo(ts uint64) {
	mgr.Lock()
	defer mgr.Unlock()
	if ts > mgr.lastTs {
		mgr.TsAlloc.SetStart(ts)
		mgr.lastTs = ts
	}
}

func (mgr *Manager) CurrentTs() uint64 {
	mgr.RLock()
	defer mgr.RUnlock()
	return mgr.lastTs
}

func (mgr *Manager) newTxnLocked(id uint64, iso Isolation) *Txn {
	txn := &Txn{
		ID:         id,
		Isolation:  iso,
		State:      StateActive,
		SnapshotTs: mgr.lastTs,
		mgr:        mgr,
		readSeen:   make(map[string]struct{}),
	}
	mgr.Active[id] = txn
	logrus.Debugf("%s started snapshotTs=%d", txn.String(), txn.SnapshotTs)
	return txn
}

// Begin starts a transaction with a fresh id.
func (mgr *Manager) Begin(iso Isolation) *Txn {
	mgr.Lock()
	defer mgr.Unlock()
	return mgr.newTxnLocked(mgr.nextIDLocked(), iso)
}

// BeginWith starts a transaction under an id assigned by the replicated
// command, keeping the local allocator above it.
func (mgr *Manager) BeginWith(id uint64, iso Isolation) (*Txn, error) {
	mgr.Lock()
	defer mgr.Unlock()
	if _, ok := mgr.Active[id]; ok {
		return nil, fmt.Errorf("%w: txn-%d already active", ErrTxnNotActive, id)
	}
	if id > mgr.lastID {
		mgr.IdAlloc.SetStart(id)
		mgr.lastID = id
	}
	return mgr.newTxnLocked(id, iso), nil
}

func (mgr *Manager) Get(id uint64) *Txn {
	mgr.RLock()
	defer mgr.RUnlock()
	return mgr.Active[id]
}

// ActiveIDs returns the ids of live transactions in ascending order.
func (mgr *Manager) ActiveIDs() []uint64 {
	mgr.RLock()
	defer mgr.RUnlock()
	ids := make([]uint64, 0, len(mgr.Active))
	for id := range mgr.Active {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// MinActiveSnapshotTs is the GC horizon: nothing visible at or after it may
// be collected.
func (mgr *Manager) MinActiveSnapshotTs() uint64 {
	mgr.RLock()
	defer mgr.RUnlock()
	min := mgr.lastTs
	for _, txn := range mgr.Active {
		if txn.SnapshotTs < min {
			min = txn.SnapshotTs
		}
	}
	return min
}

func rowLockKey(table string, pk types.Value) string {
	return table + "/" + string(pk.Key())
}

func tableLatchKey(table string) string { return "tbl/" + table }

// readTs picks the timestamp a read anchors to per isolation level.
func (mgr *Manager) readTs(txn *Txn) uint64 {
	switch txn.Isolation {
	case ReadCommitted:
		return mgr.CurrentTs()
	default:
		return txn.SnapshotTs
	}
}

// Read returns the row visible to the transaction, or nil when absent.
func (mgr *Manager) Read(txn *Txn, table string, pk types.Value) (*types.Row, error) {
	if !txn.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrTxnNotActive, txn.String())
	}
	txn.recordRead(table, pk)
	if txn.Isolation == ReadUncommitted {
		return mgr.Versions.GetLatest(table, pk), nil
	}
	return mgr.Versions.Get(table, pk, mgr.readTs(txn), txn.ID), nil
}

func (mgr *Manager) lockForWrite(ctx context.Context, txn *Txn, table string, pk types.Value, try bool) error {
	if txn.Isolation == ReadUncommitted {
		return nil // last writer wins, no locks
	}
	if try {
		if err := mgr.Locks.TryAcquire(txn.ID, tableLatchKey(table), lock.Shared); err != nil {
			return err
		}
		return mgr.Locks.TryAcquire(txn.ID, rowLockKey(table, pk), lock.Exclusive)
	}
	if err := mgr.Locks.Acquire(ctx, txn.ID, tableLatchKey(table), lock.Shared, mgr.LockTimeout); err != nil {
		return mgr.onLockErr(txn, err)
	}
	if err := mgr.Locks.Acquire(ctx, txn.ID, rowLockKey(table, pk), lock.Exclusive, mgr.LockTimeout); err != nil {
		return mgr.onLockErr(txn, err)
	}
	return nil
}

// onLockErr aborts the transaction when it lost a deadlock fight; lock
// timeouts are left to the caller.
func (mgr *Manager) onLockErr(txn *Txn, err error) error {
	if err == lock.ErrDeadlock {
		mgr.Abort(txn)
	}
	return err
}

// Write installs a new uncommitted version, blocking on conflicting locks.
func (mgr *Manager) Write(ctx context.Context, txn *Txn, table string, pk types.Value, row *types.Row) error {
	return mgr.write(ctx, txn, table, pk, row, false)
}

// TryWrite is the non-blocking variant used on the apply path.
func (mgr *Manager) TryWrite(txn *Txn, table string, pk types.Value, row *types.Row) error {
	return mgr.write(context.Background(), txn, table, pk, row, true)
}

func (mgr *Manager) write(ctx context.Context, txn *Txn, table string, pk types.Value, row *types.Row, try bool) error {
	if !txn.IsActive() {
		return fmt.Errorf("%w: %s", ErrTxnNotActive, txn.String())
	}
	if err := mgr.lockForWrite(ctx, txn, table, pk, try); err != nil {
		return err
	}
	mgr.Versions.Put(txn.ID, table, pk, row)
	return nil
}

// Delete tombstones the visible version of the key.
func (mgr *Manager) Delete(ctx context.Context, txn *Txn, table string, pk types.Value) error {
	return mgr.delete(ctx, txn, table, pk, false)
}

func (mgr *Manager) TryDelete(txn *Txn, table string, pk types.Value) error {
	return mgr.delete(context.Background(), txn, table, pk, true)
}

func (mgr *Manager) delete(ctx context.Context, txn *Txn, table string, pk types.Value, try bool) error {
	if !txn.IsActive() {
		return fmt.Errorf("%w: %s", ErrTxnNotActive, txn.String())
	}
	if err := mgr.lockForWrite(ctx, txn, table, pk, try); err != nil {
		return err
	}
	return mgr.Versions.Tombstone(txn.ID, table, pk)
}

// Savepoint marks the current write and read footprint under a name.
func (mgr *Manager) Savepoint(txn *Txn, name string) error {
	if !txn.IsActive() {
		return fmt.Errorf("%w: %s", ErrTxnNotActive, txn.String())
	}
	created, deleted := mgr.Versions.Mark(txn.ID)
	txn.Lock()
	txn.savepoints = append(txn.savepoints, savepoint{
		name:    name,
		created: created,
		deleted: deleted,
		reads:   len(txn.reads),
	})
	txn.Unlock()
	return nil
}

// RollbackToSavepoint undoes the write-set suffix past the named mark.
// Locks acquired since are kept until commit, as row locks always are.
func (mgr *Manager) RollbackToSavepoint(txn *Txn, name string) error {
	if !txn.IsActive() {
		return fmt.Errorf("%w: %s", ErrTxnNotActive, txn.String())
	}
	txn.Lock()
	defer txn.Unlock()
	for i := len(txn.savepoints) - 1; i >= 0; i-- {
		sp := txn.savepoints[i]
		if sp.name != name {
			continue
		}
		mgr.Versions.RollbackToMark(txn.ID, sp.created, sp.deleted)
		txn.reads = txn.reads[:sp.reads]
		txn.savepoints = txn.savepoints[:i+1]
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSavepointNotFound, name)
}

// Commit drives the commit path: serializable validation, commit timestamp,
// version stamping, the storage mirror hook, then lock release in reverse
// acquisition order.
func (mgr *Manager) Commit(txn *Txn) error {
	txn.Lock()
	if txn.State != StateActive {
		txn.Unlock()
		return fmt.Errorf("%w: %s", ErrTxnNotActive, txn.String())
	}
	txn.State = StatePreparing
	txn.Unlock()

	if txn.Isolation == Serializable {
		for _, rk := range txn.reads {
			if mgr.Versions.NewerCommitted(rk.table, rk.pk, txn.SnapshotTs) {
				logrus.Debugf("%s read-set invalidated on %s", txn.String(), rk.table)
				mgr.abortPrepared(txn)
				return fmt.Errorf("%w: %s", ErrSerializationFailure, txn.String())
			}
		}
	}

	commitTs := mgr.Tick()
	changes := mgr.Versions.Commit(txn.ID, commitTs)
	if mgr.OnCommit != nil {
		if err := mgr.OnCommit(changes); err != nil {
			// the mirror failed before any lock was released: unwind the
			// stamped versions and abort
			mgr.Versions.UndoCommit(txn.ID, commitTs)
			mgr.abortPrepared(txn)
			return err
		}
	}
	mgr.Locks.ReleaseAll(txn.ID)
	txn.Lock()
	txn.CommitTs = commitTs
	txn.Unlock()
	mgr.finish(txn, StateCommitted)
	logrus.Debugf("%s committed ts=%d changes=%d", txn.String(), commitTs, len(changes))
	return nil
}

// Abort rolls the transaction back, collecting its versions eagerly.
func (mgr *Manager) Abort(txn *Txn) {
	txn.Lock()
	if txn.State != StateActive && txn.State != StatePreparing {
		txn.Unlock()
		return
	}
	txn.State = StatePreparing
	txn.Unlock()
	mgr.abortPrepared(txn)
}

func (mgr *Manager) abortPrepared(txn *Txn) {
	mgr.Versions.Abort(txn.ID)
	mgr.Locks.ReleaseAll(txn.ID)
	mgr.finish(txn, StateAborted)
	logrus.Debugf("%s aborted", txn.String())
}

// AbortAll kills every active transaction; the snapshot barrier and restore
// both use it.
func (mgr *Manager) AbortAll() {
	for _, id := range mgr.ActiveIDs() {
		if txn := mgr.Get(id); txn != nil {
			logrus.Warnf("aborting abandoned %s", txn.String())
			mgr.Abort(txn)
		}
	}
}

// Reinstate puts a finished transaction back into the active set; batch
// rollback uses it after unwinding a commit or abort that happened inside
// the failed batch.
func (mgr *Manager) Reinstate(txn *Txn) {
	txn.Lock()
	txn.State = StateActive
	txn.CommitTs = 0
	txn.Unlock()
	mgr.Lock()
	mgr.Active[txn.ID] = txn
	mgr.Unlock()
}

func (mgr *Manager) finish(txn *Txn, state State) {
	txn.Lock()
	txn.State = state
	txn.Unlock()
	mgr.Lock()
	delete(mgr.Active, txn.ID)
	mgr.Unlock()
}
