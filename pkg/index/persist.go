package index

import (
	"encoding/binary"
	"io"
	"sort"

	"rsdb/pkg/common"
	"rsdb/pkg/storage"
	"rsdb/pkg/types"

	"github.com/RoaringBitmap/roaring"
)

// On-disk index image: every definition, plus the full posting lists of the
// GIN indexes. B-tree indexes are cheap to rebuild from storage and carry
// only their definition.

func (idx *Inverted) WriteTo(w io.Writer) (err error) {
	terms := make([]string, 0, len(idx.postings))
	for term := range idx.postings {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	if err = binary.Write(w, binary.BigEndian, uint32(len(terms))); err != nil {
		return
	}
	for _, term := range terms {
		if _, err = common.WriteString(term, w); err != nil {
			return
		}
		if _, err = idx.postings[term].WriteTo(w); err != nil {
			return
		}
	}
	slots := make([]uint32, 0, len(idx.slotPK))
	for slot := range idx.slotPK {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	if err = binary.Write(w, binary.BigEndian, uint32(len(slots))); err != nil {
		return
	}
	for _, slot := range slots {
		if err = binary.Write(w, binary.BigEndian, slot); err != nil {
			return
		}
		if err = binary.Write(w, binary.BigEndian, idx.docLen[slot]); err != nil {
			return
		}
		pk := idx.slotPK[slot]
		if _, err = pk.WriteTo(w); err != nil {
			return
		}
	}
	if err = binary.Write(w, binary.BigEndian, idx.nextSlot); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, uint32(len(idx.freelist))); err != nil {
		return
	}
	for _, slot := range idx.freelist {
		if err = binary.Write(w, binary.BigEndian, slot); err != nil {
			return
		}
	}
	return
}

func (idx *Inverted) ReadFrom(r io.Reader) (err error) {
	var termCnt uint32
	if err = binary.Read(r, binary.BigEndian, &termCnt); err != nil {
		return
	}
	idx.postings = make(map[string]*roaring.Bitmap, termCnt)
	for i := uint32(0); i < termCnt; i++ {
		var term string
		if term, _, err = common.ReadString(r); err != nil {
			return
		}
		bm := roaring.NewBitmap()
		if _, err = bm.ReadFrom(r); err != nil {
			return
		}
		idx.postings[term] = bm
	}
	var slotCnt uint32
	if err = binary.Read(r, binary.BigEndian, &slotCnt); err != nil {
		return
	}
	idx.slotPK = make(map[uint32]types.Value, slotCnt)
	idx.pkSlot = make(map[string]uint32, slotCnt)
	idx.docLen = make(map[uint32]uint32, slotCnt)
	for i := uint32(0); i < slotCnt; i++ {
		var slot, dl uint32
		if err = binary.Read(r, binary.BigEndian, &slot); err != nil {
			return
		}
		if err = binary.Read(r, binary.BigEndian, &dl); err != nil {
			return
		}
		var pk types.Value
		if _, err = pk.ReadFrom(r); err != nil {
			return
		}
		idx.slotPK[slot] = pk
		idx.pkSlot[string(pk.Key())] = slot
		idx.docLen[slot] = dl
	}
	if err = binary.Read(r, binary.BigEndian, &idx.nextSlot); err != nil {
		return
	}
	var freeCnt uint32
	if err = binary.Read(r, binary.BigEndian, &freeCnt); err != nil {
		return
	}
	idx.freelist = make([]uint32, freeCnt)
	for i := uint32(0); i < freeCnt; i++ {
		if err = binary.Read(r, binary.BigEndian, &idx.freelist[i]); err != nil {
			return
		}
	}
	return
}

// SaveTo writes every index definition, with GIN contents inline.
func (mgr *Manager) SaveTo(w io.Writer) error {
	mgr.RLock()
	defer mgr.RUnlock()
	defs := mgr.defsLocked()
	if err := binary.Write(w, binary.BigEndian, uint16(len(defs))); err != nil {
		return err
	}
	for _, def := range defs {
		if _, err := common.WriteString(def.Table, w); err != nil {
			return err
		}
		if _, err := common.WriteString(def.Column, w); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, def.Kind); err != nil {
			return err
		}
		if def.Kind == KindGIN {
			if err := mgr.gins[def.key()].WriteTo(w); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadFrom restores definitions; GIN contents come from the image, b-tree
// indexes rebuild from storage.
func (mgr *Manager) LoadFrom(r io.Reader, src storage.Storage) error {
	var cnt uint16
	if err := binary.Read(r, binary.BigEndian, &cnt); err != nil {
		return err
	}
	for i := uint16(0); i < cnt; i++ {
		var def Def
		var err error
		if def.Table, _, err = common.ReadString(r); err != nil {
			return err
		}
		if def.Column, _, err = common.ReadString(r); err != nil {
			return err
		}
		if err = binary.Read(r, binary.BigEndian, &def.Kind); err != nil {
			return err
		}
		if def.Kind == KindGIN {
			idx := NewInverted()
			if err = idx.ReadFrom(r); err != nil {
				return err
			}
			mgr.Lock()
			mgr.defs[def.key()] = def
			mgr.gins[def.key()] = idx
			mgr.Unlock()
			continue
		}
		if err = mgr.Create(def, src); err != nil {
			return err
		}
	}
	return nil
}

func (mgr *Manager) defsLocked() []Def {
	defs := make([]Def, 0, len(mgr.defs))
	for _, def := range mgr.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Table != defs[j].Table {
			return defs[i].Table < defs[j].Table
		}
		return defs[i].Column < defs[j].Column
	})
	return defs
}
