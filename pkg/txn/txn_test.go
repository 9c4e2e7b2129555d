package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"rsdb/pkg/lock"
	"rsdb/pkg/mvcc"
	"rsdb/pkg/types"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
)

func newTestManager() *Manager {
	return NewManager(mvcc.NewStore(), lock.NewManager())
}

func balanceRow(id, balance int64) *types.Row {
	return types.NewRow(types.NewInteger(id)).Set("balance", types.NewInteger(balance))
}

func seed(t *testing.T, mgr *Manager, table string, rows ...*types.Row) {
	setup := mgr.Begin(Serializable)
	for _, row := range rows {
		assert.Nil(t, mgr.Write(context.Background(), setup, table, row.PK, row))
	}
	assert.Nil(t, mgr.Commit(setup))
}

func TestBeginCommitVisibility(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	t1 := mgr.Begin(RepeatableRead)
	assert.True(t, t1.ID > 0)
	assert.Nil(t, mgr.Write(ctx, t1, "users", types.NewInteger(1), balanceRow(1, 100)))

	// invisible to a concurrent repeatable-read txn
	t2 := mgr.Begin(RepeatableRead)
	row, err := mgr.Read(t2, "users", types.NewInteger(1))
	assert.Nil(t, err)
	assert.Nil(t, row)

	assert.Nil(t, mgr.Commit(t1))

	// still invisible at t2's snapshot, visible to a new txn
	row, _ = mgr.Read(t2, "users", types.NewInteger(1))
	assert.Nil(t, row)
	t3 := mgr.Begin(RepeatableRead)
	row, _ = mgr.Read(t3, "users", types.NewInteger(1))
	assert.NotNil(t, row)
}

func TestReadCommittedSeesLatest(t *testing.T) {
	mgr := newTestManager()
	seed(t, mgr, "users", balanceRow(1, 100))

	rc := mgr.Begin(ReadCommitted)
	row, _ := mgr.Read(rc, "users", types.NewInteger(1))
	v, _ := row.Get("balance")
	assert.Equal(t, int64(100), v.I)

	seed(t, mgr, "users", balanceRow(2, 7))
	writer := mgr.Begin(ReadCommitted)
	assert.Nil(t, mgr.Write(context.Background(), writer, "users", types.NewInteger(1), balanceRow(1, 42)))
	assert.Nil(t, mgr.Commit(writer))

	// statement-level visibility: the later read sees the new commit
	row, _ = mgr.Read(rc, "users", types.NewInteger(1))
	v, _ = row.Get("balance")
	assert.Equal(t, int64(42), v.I)
}

func TestReadUncommitted(t *testing.T) {
	mgr := newTestManager()
	writer := mgr.Begin(RepeatableRead)
	assert.Nil(t, mgr.Write(context.Background(), writer, "users", types.NewInteger(1), balanceRow(1, 1)))

	ru := mgr.Begin(ReadUncommitted)
	row, _ := mgr.Read(ru, "users", types.NewInteger(1))
	assert.NotNil(t, row)
	mgr.Abort(writer)
}

// Literal scenario: T1 reads balance 100, T2 overwrites with 50 and commits,
// T1's commit fails validation and the balance stays 50.
func TestSerializableAbort(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()
	seed(t, mgr, "users", balanceRow(1, 100))

	t1 := mgr.Begin(Serializable)
	t2 := mgr.Begin(Serializable)

	row, err := mgr.Read(t1, "users", types.NewInteger(1))
	assert.Nil(t, err)
	v, _ := row.Get("balance")
	assert.Equal(t, int64(100), v.I)

	assert.Nil(t, mgr.Write(ctx, t2, "users", types.NewInteger(1), balanceRow(1, 50)))
	assert.Nil(t, mgr.Commit(t2))

	assert.Nil(t, mgr.Write(ctx, t1, "users", types.NewInteger(1), balanceRow(1, v.I-10)))
	err = mgr.Commit(t1)
	assert.ErrorIs(t, err, ErrSerializationFailure)

	check := mgr.Begin(Serializable)
	row, _ = mgr.Read(check, "users", types.NewInteger(1))
	v, _ = row.Get("balance")
	assert.Equal(t, int64(50), v.I)
}

func TestWriteConflictBlocksUntilCommit(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()
	seed(t, mgr, "users", balanceRow(1, 100))

	t1 := mgr.Begin(RepeatableRead)
	assert.Nil(t, mgr.Write(ctx, t1, "users", types.NewInteger(1), balanceRow(1, 1)))

	done := make(chan error, 1)
	go func() {
		t2 := mgr.Begin(RepeatableRead)
		if err := mgr.Write(ctx, t2, "users", types.NewInteger(1), balanceRow(1, 2)); err != nil {
			done <- err
			return
		}
		done <- mgr.Commit(t2)
	}()
	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("conflicting write should block")
	default:
	}
	assert.Nil(t, mgr.Commit(t1))
	assert.Nil(t, <-done)
}

func TestDeadlockVictim(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()
	seed(t, mgr, "kv", balanceRow(1, 0), balanceRow(2, 0))

	t1 := mgr.Begin(RepeatableRead)
	t2 := mgr.Begin(RepeatableRead)
	assert.True(t, t2.ID > t1.ID)

	assert.Nil(t, mgr.Write(ctx, t1, "kv", types.NewInteger(1), balanceRow(1, 1)))
	assert.Nil(t, mgr.Write(ctx, t2, "kv", types.NewInteger(2), balanceRow(2, 2)))

	var wg sync.WaitGroup
	wg.Add(2)
	var err1, err2 error
	go func() {
		defer wg.Done()
		err2 = mgr.Write(ctx, t2, "kv", types.NewInteger(1), balanceRow(1, 22))
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		err1 = mgr.Write(ctx, t1, "kv", types.NewInteger(2), balanceRow(2, 11))
	}()
	wg.Wait()

	assert.ErrorIs(t, err2, lock.ErrDeadlock)
	assert.Nil(t, err1)
	assert.False(t, t2.IsActive()) // the victim was aborted
	assert.Nil(t, mgr.Commit(t1))
}

func TestSavepointRollback(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()
	t1 := mgr.Begin(RepeatableRead)
	assert.Nil(t, mgr.Write(ctx, t1, "users", types.NewInteger(1), balanceRow(1, 1)))
	assert.Nil(t, mgr.Savepoint(t1, "sp1"))
	assert.Nil(t, mgr.Write(ctx, t1, "users", types.NewInteger(2), balanceRow(2, 2)))
	assert.ErrorIs(t, mgr.RollbackToSavepoint(t1, "nope"), ErrSavepointNotFound)
	assert.Nil(t, mgr.RollbackToSavepoint(t1, "sp1"))
	assert.Nil(t, mgr.Commit(t1))

	check := mgr.Begin(ReadCommitted)
	row, _ := mgr.Read(check, "users", types.NewInteger(1))
	assert.NotNil(t, row)
	row, _ = mgr.Read(check, "users", types.NewInteger(2))
	assert.Nil(t, row)
}

func TestAbortAllAbandoned(t *testing.T) {
	mgr := newTestManager()
	t1 := mgr.Begin(RepeatableRead)
	t2 := mgr.Begin(Serializable)
	mgr.AbortAll()
	assert.False(t, t1.IsActive())
	assert.False(t, t2.IsActive())
	assert.Equal(t, 0, len(mgr.ActiveIDs()))
}

func TestConcurrentCounterIncrements(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()
	seed(t, mgr, "counters", balanceRow(1, 0))

	pool, _ := ants.NewPool(8)
	defer pool.Release()
	var wg sync.WaitGroup
	workers := 16
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		pool.Submit(func() {
			defer wg.Done()
			for {
				t := mgr.Begin(RepeatableRead)
				if err := mgr.Write(ctx, t, "counters", types.NewInteger(1), balanceRow(1, 1)); err != nil {
					mgr.Abort(t)
					continue
				}
				if mgr.Commit(t) == nil {
					return
				}
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 0, len(mgr.ActiveIDs()))
}
