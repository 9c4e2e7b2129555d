package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrLockTimeout  = errors.New("rsdb: lock wait timeout")
	ErrDeadlock     = errors.New("rsdb: deadlock victim")
	ErrLockConflict = errors.New("rsdb: lock conflict")
)

type Mode int8

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "X"
	}
	return "S"
}

func compatible(a, b Mode) bool { return a == Shared && b == Shared }

type request struct {
	txnID   uint64
	mode    Mode
	granted bool
	ready   chan error
}

type keyLock struct {
	queue []*request
}

func (kl *keyLock) holders(exclude uint64) []uint64 {
	ids := make([]uint64, 0, len(kl.queue))
	for _, req := range kl.queue {
		if req.granted && req.txnID != exclude {
			ids = append(ids, req.txnID)
		}
	}
	return ids
}

// Manager is a per-key S/X lock table with FIFO fair queues. The wait-for
// graph is derived from the queues under a single mutex; cycle detection
// runs only when an acquisition blocks.
type Manager struct {
	mu   sync.Mutex
	keys map[string]*keyLock
	held map[uint64][]string // acquisition order per txn
}

func NewManager() *Manager {
	return &Manager{
		keys: make(map[string]*keyLock),
		held: make(map[uint64][]string),
	}
}

func (mgr *Manager) keyLockOf(key string) *keyLock {
	kl := mgr.keys[key]
	if kl == nil {
		kl = new(keyLock)
		mgr.keys[key] = kl
	}
	return kl
}

// grantable reports whether req can be granted right now: it must be
// compatible with every granted request and, for fairness, no earlier
// ungranted request may exist.
func (kl *keyLock) grantable(req *request) bool {
	for _, other := range kl.queue {
		if other == req {
			return true
		}
		if other.granted {
			if other.txnID == req.txnID {
				if other.mode >= req.mode {
					return true // already held at this or stronger mode
				}
				// upgrade: only over our own lock, checked against the rest
				continue
			}
			if !compatible(other.mode, req.mode) {
				return false
			}
		} else {
			return false
		}
	}
	return true
}

func (mgr *Manager) holdsLocked(txnID uint64, key string, mode Mode) bool {
	kl := mgr.keys[key]
	if kl == nil {
		return false
	}
	for _, req := range kl.queue {
		if req.granted && req.txnID == txnID && req.mode >= mode {
			return true
		}
	}
	return false
}

// TryAcquire grants the lock immediately or fails with ErrLockConflict.
// The apply path uses this: it must never block.
func (mgr *Manager) TryAcquire(txnID uint64, key string, mode Mode) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.holdsLocked(txnID, key, mode) {
		return nil
	}
	kl := mgr.keyLockOf(key)
	req := &request{txnID: txnID, mode: mode}
	kl.queue = append(kl.queue, req)
	if !kl.grantable(req) {
		kl.remove(req)
		return ErrLockConflict
	}
	mgr.grantLocked(kl, req, key)
	return nil
}

// Acquire blocks until the lock is granted, the context is cancelled, the
// timeout expires, or the caller is chosen as a deadlock victim. A zero
// timeout means no bound.
func (mgr *Manager) Acquire(ctx context.Context, txnID uint64, key string, mode Mode, timeout time.Duration) error {
	mgr.mu.Lock()
	if mgr.holdsLocked(txnID, key, mode) {
		mgr.mu.Unlock()
		return nil
	}
	kl := mgr.keyLockOf(key)
	req := &request{txnID: txnID, mode: mode, ready: make(chan error, 1)}
	kl.queue = append(kl.queue, req)
	if kl.grantable(req) {
		mgr.grantLocked(kl, req, key)
		mgr.mu.Unlock()
		return nil
	}
	// blocked: check the wait-for graph before parking
	if victim, cycle := mgr.detectLocked(txnID); cycle {
		if victim == txnID {
			kl.remove(req)
			mgr.mu.Unlock()
			return ErrDeadlock
		}
		mgr.abortVictimLocked(victim)
		logrus.Debugf("lock: victim txn-%d aborted, waiter txn-%d retried", victim, txnID)
		if req.granted {
			mgr.mu.Unlock()
			return nil
		}
		if kl.grantable(req) {
			mgr.grantLocked(kl, req, key)
			mgr.mu.Unlock()
			return nil
		}
	}
	mgr.mu.Unlock()

	var timer *time.Timer
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutC = timer.C
		defer timer.Stop()
	}
	select {
	case err := <-req.ready:
		return err
	case <-timeoutC:
		return mgr.cancelWait(key, req, ErrLockTimeout)
	case <-ctx.Done():
		return mgr.cancelWait(key, req, ctx.Err())
	}
}

// cancelWait removes a parked request and its wait-graph edges atomically.
// A grant racing with the cancellation wins.
func (mgr *Manager) cancelWait(key string, req *request, cause error) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	select {
	case err := <-req.ready:
		return err
	default:
	}
	if req.granted {
		return nil
	}
	kl := mgr.keys[key]
	if kl != nil {
		kl.remove(req)
		mgr.promoteLocked(key, kl)
	}
	return cause
}

func (kl *keyLock) remove(req *request) {
	for i, other := range kl.queue {
		if other == req {
			kl.queue = append(kl.queue[:i], kl.queue[i+1:]...)
			return
		}
	}
}

func (mgr *Manager) grantLocked(kl *keyLock, req *request, key string) {
	req.granted = true
	mgr.held[req.txnID] = append(mgr.held[req.txnID], key)
}

// promoteLocked grants queued requests in FIFO order after a release.
func (mgr *Manager) promoteLocked(key string, kl *keyLock) {
	if len(kl.queue) == 0 {
		delete(mgr.keys, key)
		return
	}
	for _, req := range kl.queue {
		if req.granted {
			continue
		}
		if !kl.grantable(req) {
			break
		}
		mgr.grantLocked(kl, req, key)
		if req.ready != nil {
			req.ready <- nil
		}
	}
}

// ReleaseAll drops every lock of the transaction in reverse acquisition
// order and wakes whoever becomes grantable.
func (mgr *Manager) ReleaseAll(txnID uint64) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.releaseAllLocked(txnID)
}

func (mgr *Manager) releaseAllLocked(txnID uint64) {
	keys := mgr.held[txnID]
	delete(mgr.held, txnID)
	for i := len(keys) - 1; i >= 0; i-- {
		key := keys[i]
		kl := mgr.keys[key]
		if kl == nil {
			continue
		}
		for j := 0; j < len(kl.queue); {
			if kl.queue[j].txnID == txnID && kl.queue[j].granted {
				kl.queue = append(kl.queue[:j], kl.queue[j+1:]...)
			} else {
				j++
			}
		}
		mgr.promoteLocked(key, kl)
	}
}

func (mgr *Manager) abortVictimLocked(victim uint64) {
	// fail the victim's parked requests, then free its locks
	for key, kl := range mgr.keys {
		for j := 0; j < len(kl.queue); {
			req := kl.queue[j]
			if req.txnID == victim && !req.granted {
				kl.queue = append(kl.queue[:j], kl.queue[j+1:]...)
				if req.ready != nil {
					req.ready <- ErrDeadlock
				}
			} else {
				j++
			}
		}
		mgr.promoteLocked(key, kl)
	}
	mgr.releaseAllLocked(victim)
}

// ReleaseAfter drops every lock past the first keep entries of the
// transaction's acquisition list; batch rollback unwinds lock state with it.
func (mgr *Manager) ReleaseAfter(txnID uint64, keep int) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	keys := mgr.held[txnID]
	if keep >= len(keys) {
		return
	}
	mgr.held[txnID] = keys[:keep]
	for i := len(keys) - 1; i >= keep; i-- {
		key := keys[i]
		kl := mgr.keys[key]
		if kl == nil {
			continue
		}
		stillHeld := false
		for _, k := range keys[:keep] {
			if k == key {
				stillHeld = true
				break
			}
		}
		if stillHeld {
			continue
		}
		for j := 0; j < len(kl.queue); {
			if kl.queue[j].txnID == txnID && kl.queue[j].granted {
				kl.queue = append(kl.queue[:j], kl.queue[j+1:]...)
			} else {
				j++
			}
		}
		mgr.promoteLocked(key, kl)
	}
}

// Held is one granted lock of a transaction.
type Held struct {
	Key  string
	Mode Mode
}

// HeldLocks returns the transaction's granted locks with their modes, in
// acquisition order.
func (mgr *Manager) HeldLocks(txnID uint64) []Held {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	held := make([]Held, 0, len(mgr.held[txnID]))
	for _, key := range mgr.held[txnID] {
		kl := mgr.keys[key]
		if kl == nil {
			continue
		}
		for _, req := range kl.queue {
			if req.granted && req.txnID == txnID {
				held = append(held, Held{Key: key, Mode: req.mode})
				break
			}
		}
	}
	return held
}

// Reset drops the whole lock table. Only snapshot restore calls it, with no
// transaction alive.
func (mgr *Manager) Reset() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.keys = make(map[string]*keyLock)
	mgr.held = make(map[uint64][]string)
}

// HeldCount returns how many locks the transaction has acquired so far.
func (mgr *Manager) HeldCount(txnID uint64) int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.held[txnID])
}

// HeldKeys returns the keys a transaction currently holds, in acquisition
// order.
func (mgr *Manager) HeldKeys(txnID uint64) []string {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	keys := make([]string, len(mgr.held[txnID]))
	copy(keys, mgr.held[txnID])
	return keys
}
