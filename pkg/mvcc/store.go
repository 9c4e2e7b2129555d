package mvcc

import (
	"errors"
	"math"
	"sort"
	"sync"

	"rsdb/pkg/types"

	"github.com/RoaringBitmap/roaring/roaring64"
)

var (
	ErrWWConflict = errors.New("rsdb: write-write conflict")
)

// UncommitTS marks a version whose writer has not committed yet.
const UncommitTS = uint64(math.MaxUint64)

const none = int32(-1)

// version nodes live in an arena and link to the next-older version by
// index. No back-pointers: GC is an unlink plus a freelist push.
type version struct {
	row       *types.Row
	ckey      string
	createdBy uint64
	createdTs uint64
	deletedBy uint64
	deletedTs uint64
	older     int32
}

type chain struct {
	table string
	pk    types.Value
	head  int32
}

type txnFootprint struct {
	created []int32
	deleted []int32
}

// Store keeps one version chain per (table, pk). All writes happen on the
// single apply goroutine; readers take the lock briefly to walk a chain.
type Store struct {
	sync.RWMutex
	arena     []version
	free      []int32
	chains    map[string]*chain
	txns      map[uint64]*txnFootprint
	committed *roaring64.Bitmap
}

func NewStore() *Store {
	return &Store{
		chains:    make(map[string]*chain),
		txns:      make(map[uint64]*txnFootprint),
		committed: roaring64.NewBitmap(),
	}
}

func chainKey(table string, pk types.Value) string {
	return table + "\x00" + string(pk.Key())
}

func (s *Store) alloc() int32 {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		s.arena[idx] = version{older: none}
		return idx
	}
	s.arena = append(s.arena, version{older: none})
	return int32(len(s.arena) - 1)
}

func (s *Store) footprint(txnID uint64) *txnFootprint {
	fp := s.txns[txnID]
	if fp == nil {
		fp = new(txnFootprint)
		s.txns[txnID] = fp
	}
	return fp
}

// Put installs an uncommitted version for txnID. A second Put by the same
// transaction overwrites its pending version in place.
func (s *Store) Put(txnID uint64, table string, pk types.Value, row *types.Row) {
	s.Lock()
	defer s.Unlock()
	key := chainKey(table, pk)
	c := s.chains[key]
	if c == nil {
		c = &chain{table: table, pk: pk, head: none}
		s.chains[key] = c
	}
	for idx := c.head; idx != none; idx = s.arena[idx].older {
		node := &s.arena[idx]
		if node.createdBy == txnID && node.createdTs == UncommitTS {
			node.row = row.Clone()
			return
		}
	}
	idx := s.alloc()
	node := &s.arena[idx]
	node.row = row.Clone()
	node.ckey = key
	node.createdBy = txnID
	node.createdTs = UncommitTS
	node.older = c.head
	c.head = idx
	fp := s.footprint(txnID)
	fp.created = append(fp.created, idx)
}

// Tombstone marks the newest committed version of the key deleted by txnID.
// Deleting a key the same transaction inserted removes the pending version.
func (s *Store) Tombstone(txnID uint64, table string, pk types.Value) error {
	s.Lock()
	defer s.Unlock()
	key := chainKey(table, pk)
	c := s.chains[key]
	if c == nil {
		return nil
	}
	for idx := c.head; idx != none; idx = s.arena[idx].older {
		node := &s.arena[idx]
		if node.createdTs == UncommitTS && node.createdBy == txnID {
			s.unlinkLocked(c, idx)
			return nil
		}
		if node.createdTs == UncommitTS {
			continue
		}
		if node.deletedTs == UncommitTS && node.deletedBy != txnID {
			return ErrWWConflict
		}
		if node.deletedTs != 0 && node.deletedTs != UncommitTS {
			return nil
		}
		node.deletedBy = txnID
		node.deletedTs = UncommitTS
		fp := s.footprint(txnID)
		fp.deleted = append(fp.deleted, idx)
		return nil
	}
	return nil
}

func (s *Store) visibleLocked(c *chain, ts uint64, selfTxn uint64) *types.Row {
	var best *version
	bestTs := uint64(0)
	for idx := c.head; idx != none; idx = s.arena[idx].older {
		node := &s.arena[idx]
		created := node.createdTs
		if created == UncommitTS {
			if node.createdBy != selfTxn {
				continue
			}
			created = ts
		}
		if created > ts {
			continue
		}
		if best == nil || created > bestTs || (node.createdBy == selfTxn && node.createdTs == UncommitTS) {
			best = node
			bestTs = created
		}
	}
	if best == nil {
		return nil
	}
	if best.deletedTs != 0 {
		if best.deletedTs == UncommitTS {
			if best.deletedBy == selfTxn {
				return nil
			}
		} else if best.deletedTs <= ts {
			return nil
		}
	}
	return best.row.Clone()
}

// Get returns the version of (table, pk) visible at ts. The transaction's
// own uncommitted writes are always visible to it.
func (s *Store) Get(table string, pk types.Value, ts uint64, selfTxn uint64) *types.Row {
	s.RLock()
	defer s.RUnlock()
	c := s.chains[chainKey(table, pk)]
	if c == nil {
		return nil
	}
	return s.visibleLocked(c, ts, selfTxn)
}

// GetLatest returns the newest version regardless of commit state, for
// read-uncommitted readers.
func (s *Store) GetLatest(table string, pk types.Value) *types.Row {
	s.RLock()
	defer s.RUnlock()
	c := s.chains[chainKey(table, pk)]
	if c == nil || c.head == none {
		return nil
	}
	node := &s.arena[c.head]
	if node.deletedTs != 0 {
		return nil
	}
	return node.row.Clone()
}

// ScanVisible returns every row of the table visible at ts, in pk order.
func (s *Store) ScanVisible(table string, ts uint64, selfTxn uint64) []*types.Row {
	s.RLock()
	defer s.RUnlock()
	chains := make([]*chain, 0, 16)
	for _, c := range s.chains {
		if c.table == table {
			chains = append(chains, c)
		}
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].pk.Compare(chains[j].pk) < 0 })
	rows := make([]*types.Row, 0, len(chains))
	for _, c := range chains {
		if row := s.visibleLocked(c, ts, selfTxn); row != nil {
			rows = append(rows, row)
		}
	}
	return rows
}

// NewerCommitted reports whether any committed version of the key was
// created after sinceTs. Serializable commit validation runs on this.
func (s *Store) NewerCommitted(table string, pk types.Value, sinceTs uint64) bool {
	s.RLock()
	defer s.RUnlock()
	c := s.chains[chainKey(table, pk)]
	if c == nil {
		return false
	}
	for idx := c.head; idx != none; idx = s.arena[idx].older {
		node := &s.arena[idx]
		if node.createdTs != UncommitTS && node.createdTs > sinceTs {
			return true
		}
		if node.deletedTs != 0 && node.deletedTs != UncommitTS && node.deletedTs > sinceTs {
			return true
		}
	}
	return false
}

// Change is one committed mutation, replayed into storage by the caller.
type Change struct {
	Table   string
	PK      types.Value
	Row     *types.Row // nil for a delete
	Created bool       // no prior committed version existed
}

// Commit stamps every version written by txnID with commitTs and returns
// the resulting changes in deterministic (table, pk) order.
func (s *Store) Commit(txnID, commitTs uint64) []Change {
	s.Lock()
	defer s.Unlock()
	fp := s.txns[txnID]
	delete(s.txns, txnID)
	if fp == nil {
		return nil
	}
	changes := make([]Change, 0, len(fp.created)+len(fp.deleted))
	for _, idx := range fp.created {
		node := &s.arena[idx]
		if node.createdBy != txnID || node.createdTs != UncommitTS {
			continue
		}
		node.createdTs = commitTs
		c := s.chainOf(idx)
		created := true
		for j := node.older; j != none; j = s.arena[j].older {
			older := &s.arena[j]
			if older.createdTs != UncommitTS && (older.deletedTs == 0 || older.deletedTs > commitTs) {
				created = false
				break
			}
		}
		changes = append(changes, Change{Table: c.table, PK: c.pk, Row: node.row.Clone(), Created: created})
	}
	for _, idx := range fp.deleted {
		node := &s.arena[idx]
		if node.deletedBy != txnID || node.deletedTs != UncommitTS {
			continue
		}
		node.deletedTs = commitTs
		c := s.chainOf(idx)
		changes = append(changes, Change{Table: c.table, PK: c.pk})
	}
	s.committed.Add(txnID)
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Table != changes[j].Table {
			return changes[i].Table < changes[j].Table
		}
		return changes[i].PK.Compare(changes[j].PK) < 0
	})
	return changes
}

// Abort discards every uncommitted version of txnID. Aborted versions are
// collected eagerly.
func (s *Store) Abort(txnID uint64) {
	s.Lock()
	defer s.Unlock()
	fp := s.txns[txnID]
	delete(s.txns, txnID)
	if fp == nil {
		return
	}
	s.rollbackLocked(txnID, fp, 0, 0)
}

// Mark returns the current footprint sizes of a transaction, for savepoints.
func (s *Store) Mark(txnID uint64) (created, deleted int) {
	s.RLock()
	defer s.RUnlock()
	fp := s.txns[txnID]
	if fp == nil {
		return 0, 0
	}
	return len(fp.created), len(fp.deleted)
}

// RollbackToMark undoes every write made after the given footprint marks.
func (s *Store) RollbackToMark(txnID uint64, created, deleted int) {
	s.Lock()
	defer s.Unlock()
	fp := s.txns[txnID]
	if fp == nil {
		return
	}
	s.rollbackLocked(txnID, fp, created, deleted)
}

func (s *Store) rollbackLocked(txnID uint64, fp *txnFootprint, keepCreated, keepDeleted int) {
	for _, idx := range fp.created[keepCreated:] {
		node := &s.arena[idx]
		if node.createdBy != txnID || node.createdTs != UncommitTS {
			continue
		}
		s.unlinkLocked(s.chainOf(idx), idx)
	}
	for _, idx := range fp.deleted[keepDeleted:] {
		node := &s.arena[idx]
		if node.deletedBy == txnID && node.deletedTs == UncommitTS {
			node.deletedBy = 0
			node.deletedTs = 0
		}
	}
	fp.created = fp.created[:keepCreated]
	fp.deleted = fp.deleted[:keepDeleted]
	if len(fp.created) == 0 && len(fp.deleted) == 0 {
		delete(s.txns, txnID)
	} else {
		s.txns[txnID] = fp
	}
}

func (s *Store) chainOf(idx int32) *chain {
	return s.chains[s.arena[idx].ckey]
}

func (s *Store) unlinkLocked(c *chain, idx int32) {
	if c == nil {
		return
	}
	if c.head == idx {
		c.head = s.arena[idx].older
	} else {
		for j := c.head; j != none; j = s.arena[j].older {
			if s.arena[j].older == idx {
				s.arena[j].older = s.arena[idx].older
				break
			}
		}
	}
	s.arena[idx] = version{older: none}
	s.free = append(s.free, idx)
	if c.head == none {
		delete(s.chains, chainKey(c.table, c.pk))
	}
}

// GC compacts versions that no active transaction can see: anything deleted
// before minActiveTs, and superseded versions older than the newest one at
// or below minActiveTs. Returns the number of collected versions.
func (s *Store) GC(minActiveTs uint64) int {
	s.Lock()
	defer s.Unlock()
	collected := 0
	for _, key := range s.chainKeysLocked() {
		c := s.chains[key]
		if c == nil {
			continue
		}
		var keepNewest bool
		idx := c.head
		for idx != none {
			node := &s.arena[idx]
			next := node.older
			dead := false
			if node.createdTs != UncommitTS {
				if node.deletedTs != 0 && node.deletedTs != UncommitTS && node.deletedTs < minActiveTs {
					dead = true
				} else if keepNewest && node.createdTs < minActiveTs && node.deletedTs == 0 {
					// superseded by a newer committed version no reader can skip
					dead = true
				}
				if !dead && node.createdTs <= minActiveTs && node.deletedTs == 0 {
					keepNewest = true
				}
			}
			if dead {
				s.unlinkLocked(c, idx)
				collected++
			}
			idx = next
		}
	}
	return collected
}

func (s *Store) chainKeysLocked() []string {
	keys := make([]string, 0, len(s.chains))
	for key := range s.chains {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Reset drops every chain; used by snapshot restore.
func (s *Store) Reset() {
	s.Lock()
	defer s.Unlock()
	s.arena = s.arena[:0]
	s.free = s.free[:0]
	s.chains = make(map[string]*chain)
	s.txns = make(map[uint64]*txnFootprint)
	s.committed = roaring64.NewBitmap()
}

// LoadCommitted seeds a chain with one committed version, used when restoring
// from a snapshot or rebuilding from storage.
func (s *Store) LoadCommitted(table string, pk types.Value, row *types.Row, ts uint64) {
	s.Lock()
	defer s.Unlock()
	key := chainKey(table, pk)
	c := s.chains[key]
	if c == nil {
		c = &chain{table: table, pk: pk, head: none}
		s.chains[key] = c
	}
	idx := s.alloc()
	node := &s.arena[idx]
	node.row = row.Clone()
	node.ckey = key
	node.createdBy = 0
	node.createdTs = ts
	node.older = c.head
	c.head = idx
}

func (s *Store) WasCommitted(txnID uint64) bool {
	s.RLock()
	defer s.RUnlock()
	return s.committed.Contains(txnID)
}
