package index

import (
	"bytes"

	"rsdb/pkg/types"

	"github.com/google/btree"
)

type btreeEntry struct {
	valKey []byte
	pkKey  []byte
	pk     types.Value
}

func (e *btreeEntry) Less(than btree.Item) bool {
	o := than.(*btreeEntry)
	if c := bytes.Compare(e.valKey, o.valKey); c != 0 {
		return c < 0
	}
	return bytes.Compare(e.pkKey, o.pkKey) < 0
}

// BTreeIndex maps column values to primary keys, ordered by the canonical
// value encoding so range lookups walk in value order.
type BTreeIndex struct {
	tree *btree.BTree
}

func NewBTreeIndex() *BTreeIndex {
	return &BTreeIndex{tree: btree.New(8)}
}

func (idx *BTreeIndex) Insert(val, pk types.Value) {
	idx.tree.ReplaceOrInsert(&btreeEntry{valKey: val.Key(), pkKey: pk.Key(), pk: pk})
}

func (idx *BTreeIndex) Remove(val, pk types.Value) {
	idx.tree.Delete(&btreeEntry{valKey: val.Key(), pkKey: pk.Key()})
}

// Lookup returns the primary keys with exactly the given value, ascending.
func (idx *BTreeIndex) Lookup(val types.Value) []types.Value {
	valKey := val.Key()
	pks := make([]types.Value, 0, 4)
	idx.tree.AscendGreaterOrEqual(&btreeEntry{valKey: valKey}, func(item btree.Item) bool {
		e := item.(*btreeEntry)
		if !bytes.Equal(e.valKey, valKey) {
			return false
		}
		pks = append(pks, e.pk)
		return true
	})
	return pks
}

func (idx *BTreeIndex) Len() int { return idx.tree.Len() }
