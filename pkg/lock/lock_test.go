package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSharedCompatible(t *testing.T) {
	mgr := NewManager()
	ctx := context.Background()
	assert.Nil(t, mgr.Acquire(ctx, 1, "users/1", Shared, 0))
	assert.Nil(t, mgr.Acquire(ctx, 2, "users/1", Shared, 0))
	assert.Nil(t, mgr.TryAcquire(3, "users/1", Shared))
	assert.ErrorIs(t, mgr.TryAcquire(4, "users/1", Exclusive), ErrLockConflict)
	mgr.ReleaseAll(1)
	mgr.ReleaseAll(2)
	mgr.ReleaseAll(3)
	assert.Nil(t, mgr.TryAcquire(4, "users/1", Exclusive))
}

func TestExclusiveBlocksAndPromotes(t *testing.T) {
	mgr := NewManager()
	ctx := context.Background()
	assert.Nil(t, mgr.Acquire(ctx, 1, "k", Exclusive, 0))

	done := make(chan error, 1)
	go func() {
		done <- mgr.Acquire(ctx, 2, "k", Exclusive, 0)
	}()
	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("acquire should block")
	default:
	}
	mgr.ReleaseAll(1)
	assert.Nil(t, <-done)
}

func TestReentrantAndUpgrade(t *testing.T) {
	mgr := NewManager()
	ctx := context.Background()
	assert.Nil(t, mgr.Acquire(ctx, 1, "k", Shared, 0))
	assert.Nil(t, mgr.Acquire(ctx, 1, "k", Shared, 0))
	// sole shared holder upgrades in place
	assert.Nil(t, mgr.TryAcquire(1, "k", Exclusive))
	assert.ErrorIs(t, mgr.TryAcquire(2, "k", Shared), ErrLockConflict)
}

func TestLockTimeout(t *testing.T) {
	mgr := NewManager()
	ctx := context.Background()
	assert.Nil(t, mgr.Acquire(ctx, 1, "k", Exclusive, 0))
	err := mgr.Acquire(ctx, 2, "k", Exclusive, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	// the timed-out waiter left the queue
	mgr.ReleaseAll(1)
	assert.Nil(t, mgr.TryAcquire(3, "k", Exclusive))
}

func TestCancelledWaiterLeavesGraph(t *testing.T) {
	mgr := NewManager()
	assert.Nil(t, mgr.Acquire(context.Background(), 1, "k", Exclusive, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- mgr.Acquire(ctx, 2, "k", Exclusive, 0)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	mgr.ReleaseAll(1)
	assert.Nil(t, mgr.TryAcquire(3, "k", Exclusive))
}

// The literal scenario: T1 (id=5) holds A, T2 (id=6) holds B, each requests
// the other's key. The youngest (6) dies; T1 progresses.
func TestDeadlockVictimIsYoungest(t *testing.T) {
	mgr := NewManager()
	ctx := context.Background()
	assert.Nil(t, mgr.Acquire(ctx, 5, "A", Exclusive, 0))
	assert.Nil(t, mgr.Acquire(ctx, 6, "B", Exclusive, 0))

	var wg sync.WaitGroup
	wg.Add(2)
	var err5, err6 error
	go func() {
		defer wg.Done()
		err6 = mgr.Acquire(ctx, 6, "A", Exclusive, 0)
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		err5 = mgr.Acquire(ctx, 5, "B", Exclusive, 0)
	}()
	wg.Wait()

	assert.ErrorIs(t, err6, ErrDeadlock)
	assert.Nil(t, err5)
	mgr.ReleaseAll(5)
}

func TestNoFalseDeadlock(t *testing.T) {
	mgr := NewManager()
	ctx := context.Background()
	assert.Nil(t, mgr.Acquire(ctx, 1, "A", Exclusive, 0))
	done := make(chan error, 1)
	go func() {
		done <- mgr.Acquire(ctx, 2, "A", Exclusive, 100*time.Millisecond)
	}()
	time.Sleep(10 * time.Millisecond)
	mgr.ReleaseAll(1)
	assert.Nil(t, <-done)
}
