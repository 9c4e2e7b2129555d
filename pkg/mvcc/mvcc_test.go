package mvcc

import (
	"testing"

	"rsdb/pkg/types"

	"github.com/stretchr/testify/assert"
)

func row(id int64, name string) *types.Row {
	return types.NewRow(types.NewInteger(id)).Set("name", types.NewText(name))
}

func TestUncommittedInvisible(t *testing.T) {
	s := NewStore()
	s.Put(1, "users", types.NewInteger(1), row(1, "Alice"))

	// writer sees its own write, others do not
	assert.NotNil(t, s.Get("users", types.NewInteger(1), 100, 1))
	assert.Nil(t, s.Get("users", types.NewInteger(1), 100, 2))
	// read-uncommitted sees it
	assert.NotNil(t, s.GetLatest("users", types.NewInteger(1)))

	s.Commit(1, 10)
	assert.NotNil(t, s.Get("users", types.NewInteger(1), 100, 2))
	assert.Nil(t, s.Get("users", types.NewInteger(1), 9, 2))
}

func TestVisibilityAtTimestamp(t *testing.T) {
	s := NewStore()
	s.Put(1, "users", types.NewInteger(1), row(1, "v1"))
	s.Commit(1, 10)
	s.Put(2, "users", types.NewInteger(1), row(1, "v2"))
	s.Commit(2, 20)

	r := s.Get("users", types.NewInteger(1), 15, 99)
	assert.NotNil(t, r)
	name, _ := r.Get("name")
	assert.Equal(t, "v1", name.S)

	r = s.Get("users", types.NewInteger(1), 25, 99)
	name, _ = r.Get("name")
	assert.Equal(t, "v2", name.S)
}

func TestTombstone(t *testing.T) {
	s := NewStore()
	s.Put(1, "users", types.NewInteger(1), row(1, "Alice"))
	s.Commit(1, 10)

	assert.Nil(t, s.Tombstone(2, "users", types.NewInteger(1)))
	// uncommitted delete invisible to others, visible to self
	assert.NotNil(t, s.Get("users", types.NewInteger(1), 100, 3))
	assert.Nil(t, s.Get("users", types.NewInteger(1), 100, 2))

	changes := s.Commit(2, 20)
	assert.Equal(t, 1, len(changes))
	assert.Nil(t, changes[0].Row)
	assert.Nil(t, s.Get("users", types.NewInteger(1), 25, 3))
	assert.NotNil(t, s.Get("users", types.NewInteger(1), 15, 3))
}

func TestAbortEagerGC(t *testing.T) {
	s := NewStore()
	s.Put(1, "users", types.NewInteger(1), row(1, "Alice"))
	s.Abort(1)
	assert.Nil(t, s.GetLatest("users", types.NewInteger(1)))
	assert.Nil(t, s.Get("users", types.NewInteger(1), 100, 1))
}

func TestWWConflictOnDelete(t *testing.T) {
	s := NewStore()
	s.Put(1, "users", types.NewInteger(1), row(1, "Alice"))
	s.Commit(1, 10)
	assert.Nil(t, s.Tombstone(2, "users", types.NewInteger(1)))
	assert.ErrorIs(t, s.Tombstone(3, "users", types.NewInteger(1)), ErrWWConflict)
}

func TestNewerCommitted(t *testing.T) {
	s := NewStore()
	s.Put(1, "users", types.NewInteger(1), row(1, "Alice"))
	s.Commit(1, 10)
	assert.False(t, s.NewerCommitted("users", types.NewInteger(1), 10))
	s.Put(2, "users", types.NewInteger(1), row(1, "Bob"))
	assert.False(t, s.NewerCommitted("users", types.NewInteger(1), 10))
	s.Commit(2, 20)
	assert.True(t, s.NewerCommitted("users", types.NewInteger(1), 10))
}

func TestCommitChangeOrder(t *testing.T) {
	s := NewStore()
	s.Put(1, "users", types.NewInteger(2), row(2, "Bob"))
	s.Put(1, "users", types.NewInteger(1), row(1, "Alice"))
	s.Put(1, "accts", types.NewInteger(9), row(9, "X"))
	changes := s.Commit(1, 10)
	assert.Equal(t, 3, len(changes))
	assert.Equal(t, "accts", changes[0].Table)
	assert.Equal(t, int64(1), changes[1].PK.I)
	assert.Equal(t, int64(2), changes[2].PK.I)
}

func TestScanVisible(t *testing.T) {
	s := NewStore()
	s.Put(1, "users", types.NewInteger(2), row(2, "Bob"))
	s.Put(1, "users", types.NewInteger(1), row(1, "Alice"))
	s.Commit(1, 10)
	s.Put(2, "users", types.NewInteger(3), row(3, "Carol"))

	rows := s.ScanVisible("users", 100, 99)
	assert.Equal(t, 2, len(rows))
	assert.Equal(t, int64(1), rows[0].PK.I)

	rows = s.ScanVisible("users", 100, 2)
	assert.Equal(t, 3, len(rows))
}

func TestSavepointMarks(t *testing.T) {
	s := NewStore()
	s.Put(1, "users", types.NewInteger(1), row(1, "Alice"))
	created, deleted := s.Mark(1)
	s.Put(1, "users", types.NewInteger(2), row(2, "Bob"))
	s.RollbackToMark(1, created, deleted)

	assert.NotNil(t, s.Get("users", types.NewInteger(1), 100, 1))
	assert.Nil(t, s.Get("users", types.NewInteger(2), 100, 1))

	changes := s.Commit(1, 10)
	assert.Equal(t, 1, len(changes))
}

func TestGC(t *testing.T) {
	s := NewStore()
	s.Put(1, "users", types.NewInteger(1), row(1, "v1"))
	s.Commit(1, 10)
	s.Put(2, "users", types.NewInteger(1), row(1, "v2"))
	s.Commit(2, 20)
	s.Put(3, "users", types.NewInteger(2), row(2, "gone"))
	s.Commit(3, 30)
	assert.Nil(t, s.Tombstone(4, "users", types.NewInteger(2)))
	s.Commit(4, 40)

	// min active snapshot is 50: v1 superseded, pk=2 deleted before it
	n := s.GC(50)
	assert.True(t, n >= 2)
	// reads at current time unaffected
	r := s.Get("users", types.NewInteger(1), 100, 99)
	assert.NotNil(t, r)
	name, _ := r.Get("name")
	assert.Equal(t, "v2", name.S)
	assert.Nil(t, s.Get("users", types.NewInteger(2), 100, 99))
}
