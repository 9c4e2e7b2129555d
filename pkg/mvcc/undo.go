package mvcc

import "rsdb/pkg/types"

// Batch rollback support. A consumed command batch that fails mid-way must
// put the version store back exactly as it was; these helpers unwind commits
// and resurrect write sets without touching unrelated chains.

// PendingWrite is one uncommitted operation of a live transaction.
type PendingWrite struct {
	Table  string
	PK     types.Value
	Row    *types.Row // nil for a pending delete
}

// PendingWrites captures the uncommitted footprint of a transaction in the
// order it was made, so an abort can be undone by replaying it.
func (s *Store) PendingWrites(txnID uint64) []PendingWrite {
	s.RLock()
	defer s.RUnlock()
	fp := s.txns[txnID]
	if fp == nil {
		return nil
	}
	writes := make([]PendingWrite, 0, len(fp.created)+len(fp.deleted))
	for _, idx := range fp.created {
		node := &s.arena[idx]
		if node.createdBy != txnID || node.createdTs != UncommitTS {
			continue
		}
		c := s.chainOf(idx)
		writes = append(writes, PendingWrite{Table: c.table, PK: c.pk, Row: node.row.Clone()})
	}
	for _, idx := range fp.deleted {
		node := &s.arena[idx]
		if node.deletedBy != txnID || node.deletedTs != UncommitTS {
			continue
		}
		c := s.chainOf(idx)
		writes = append(writes, PendingWrite{Table: c.table, PK: c.pk})
	}
	return writes
}

// UndoCommit reverts a commit: versions stamped at commitTs go back to
// uncommitted and rejoin the transaction's footprint.
func (s *Store) UndoCommit(txnID, commitTs uint64) {
	s.Lock()
	defer s.Unlock()
	fp := s.footprint(txnID)
	for idx := range s.arena {
		node := &s.arena[idx]
		if node.ckey == "" {
			continue
		}
		if node.createdBy == txnID && node.createdTs == commitTs {
			node.createdTs = UncommitTS
			fp.created = append(fp.created, int32(idx))
		}
		if node.deletedBy == txnID && node.deletedTs == commitTs {
			node.deletedTs = UncommitTS
			fp.deleted = append(fp.deleted, int32(idx))
		}
	}
	s.committed.Remove(txnID)
}

// DropTable purges every chain of the table, returning how many were
// removed. Version history of a dropped table is not retained.
func (s *Store) DropTable(table string) int {
	s.Lock()
	defer s.Unlock()
	removed := 0
	for _, key := range s.chainKeysLocked() {
		c := s.chains[key]
		if c == nil || c.table != table {
			continue
		}
		for c.head != none {
			s.unlinkLocked(c, c.head)
			removed++
		}
	}
	return removed
}
