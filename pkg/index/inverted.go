package index

import (
	"sort"

	"rsdb/pkg/types"

	"github.com/RoaringBitmap/roaring"
)

// Inverted is a GIN-style full-text index for one tsvector column. Terms map
// to roaring bitmaps of document slots; slots are assigned in apply order and
// recycled through a freelist, so the index stays compact under churn.
type Inverted struct {
	postings  map[string]*roaring.Bitmap
	slotPK    map[uint32]types.Value
	pkSlot    map[string]uint32
	docLen    map[uint32]uint32
	freelist  []uint32
	nextSlot  uint32
}

func NewInverted() *Inverted {
	return &Inverted{
		postings: make(map[string]*roaring.Bitmap),
		slotPK:   make(map[uint32]types.Value),
		pkSlot:   make(map[string]uint32),
		docLen:   make(map[uint32]uint32),
	}
}

func (idx *Inverted) allocSlot() uint32 {
	if n := len(idx.freelist); n > 0 {
		slot := idx.freelist[n-1]
		idx.freelist = idx.freelist[:n-1]
		return slot
	}
	slot := idx.nextSlot
	idx.nextSlot++
	return slot
}

func (idx *Inverted) Add(pk types.Value, text string) {
	idx.Remove(pk)
	tokens := types.Tokenize(text)
	slot := idx.allocSlot()
	idx.slotPK[slot] = pk
	idx.pkSlot[string(pk.Key())] = slot
	idx.docLen[slot] = uint32(len(tokens))
	for _, tok := range tokens {
		bm := idx.postings[tok.Term]
		if bm == nil {
			bm = roaring.NewBitmap()
			idx.postings[tok.Term] = bm
		}
		bm.Add(slot)
	}
}

func (idx *Inverted) Remove(pk types.Value) {
	slot, ok := idx.pkSlot[string(pk.Key())]
	if !ok {
		return
	}
	for term, bm := range idx.postings {
		bm.Remove(slot)
		if bm.IsEmpty() {
			delete(idx.postings, term)
		}
	}
	delete(idx.slotPK, slot)
	delete(idx.pkSlot, string(pk.Key()))
	delete(idx.docLen, slot)
	idx.freelist = append(idx.freelist, slot)
}

// Match returns the primary keys of documents containing every term of the
// query, in ascending pk order.
func (idx *Inverted) Match(query string) []types.Value {
	hits := idx.matchSlots(query)
	if hits == nil {
		return nil
	}
	pks := make([]types.Value, 0, hits.GetCardinality())
	it := hits.Iterator()
	for it.HasNext() {
		pks = append(pks, idx.slotPK[it.Next()])
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].Compare(pks[j]) < 0 })
	return pks
}

func (idx *Inverted) matchSlots(query string) *roaring.Bitmap {
	terms := types.Tokenize(query)
	if len(terms) == 0 {
		return nil
	}
	var hits *roaring.Bitmap
	for _, tok := range terms {
		bm := idx.postings[tok.Term]
		if bm == nil {
			return nil
		}
		if hits == nil {
			hits = bm.Clone()
		} else {
			hits.And(bm)
		}
	}
	if hits == nil || hits.IsEmpty() {
		return nil
	}
	return hits
}

type RankedHit struct {
	PK    types.Value
	Score float64
}

// MatchRanked scores each matching document by the number of query tokens
// found in it, divided by the document's token count; repeated occurrences
// of a term inside the document do not raise the score. Ties order by pk so
// the result is stable.
func (idx *Inverted) MatchRanked(query string) []RankedHit {
	hits := idx.matchSlots(query)
	if hits == nil {
		return nil
	}
	terms := types.Tokenize(query)
	ranked := make([]RankedHit, 0, hits.GetCardinality())
	it := hits.Iterator()
	for it.HasNext() {
		slot := it.Next()
		score := 0.0
		for _, tok := range terms {
			if bm := idx.postings[tok.Term]; bm != nil && bm.Contains(slot) {
				score += 1.0
			}
		}
		if l := idx.docLen[slot]; l > 0 {
			score /= float64(l)
		}
		ranked = append(ranked, RankedHit{PK: idx.slotPK[slot], Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].PK.Compare(ranked[j].PK) < 0
	})
	return ranked
}
