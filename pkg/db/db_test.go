package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"rsdb/pkg/apply"
	"rsdb/pkg/raft"
	"rsdb/pkg/txn"
	"rsdb/pkg/types"

	"github.com/stretchr/testify/assert"
)

func initTestPath(t *testing.T) string {
	dir := filepath.Join("/tmp", t.Name())
	os.RemoveAll(dir)
	return dir
}

func usersSchema() *types.Schema {
	return types.NewSchema("users", "id").
		AddColumn("id", types.TInteger, true).
		AddColumn("name", types.TText, true).
		AddColumn("bio", types.TTsVector, false)
}

func userRow(id int64, name string) *types.Row {
	return types.NewRow(types.NewInteger(id)).Set("name", types.NewText(name))
}

func openStandalone(t *testing.T, dir string) *DB {
	d, err := Open(Options{DataDir: dir, NoSync: true})
	assert.Nil(t, err)
	return d
}

func TestExecAndQuery(t *testing.T) {
	dir := initTestPath(t)
	d := openStandalone(t, dir)
	defer d.Close()

	res, err := d.CreateTable(usersSchema())
	assert.Nil(t, err)
	assert.True(t, res.OK())
	_, err = d.Insert("users", userRow(1, "Alice"))
	assert.Nil(t, err)
	_, err = d.Insert("users", userRow(2, "Bob"))
	assert.Nil(t, err)

	rows, err := d.Query(context.Background(), Select{Table: "users"})
	assert.Nil(t, err)
	assert.Equal(t, 2, len(rows.Rows))

	rows, err = d.Query(context.Background(), Select{
		Table:     "users",
		Predicate: apply.Where("id", apply.OpEq, types.NewInteger(2)),
	})
	assert.Nil(t, err)
	assert.Equal(t, 1, len(rows.Rows))
	name, _ := rows.Rows[0].Get("name")
	assert.Equal(t, "Bob", name.S)
}

func TestFullTextQuery(t *testing.T) {
	dir := initTestPath(t)
	d := openStandalone(t, dir)
	defer d.Close()

	_, err := d.CreateTable(usersSchema())
	assert.Nil(t, err)
	_, err = d.Insert("users", userRow(1, "Alice").Set("bio", types.NewTsVector("likes hiking and chess")))
	assert.Nil(t, err)
	_, err = d.Insert("users", userRow(2, "Bob").Set("bio", types.NewTsVector("chess master, hates hiking")))
	assert.Nil(t, err)

	rows, err := d.Query(context.Background(), Select{
		Table: "users", MatchColumn: "bio", MatchQuery: "chess",
	})
	assert.Nil(t, err)
	assert.Equal(t, 2, len(rows.Rows))

	rows, err = d.Query(context.Background(), Select{
		Table: "users", MatchColumn: "bio", MatchQuery: "hiking chess", Ranked: true,
	})
	assert.Nil(t, err)
	assert.Equal(t, 2, len(rows.Rows))
	assert.Equal(t, len(rows.Rows), len(rows.Scores))
	assert.True(t, rows.Scores[0] >= rows.Scores[1])
}

func TestWALRecovery(t *testing.T) {
	dir := initTestPath(t)
	d := openStandalone(t, dir)
	_, err := d.CreateTable(usersSchema())
	assert.Nil(t, err)
	for i := int64(1); i <= 5; i++ {
		_, err = d.Insert("users", userRow(i, "u"))
		assert.Nil(t, err)
	}
	digest := d.Machine.Store.Digest()
	assert.Nil(t, d.Close())

	d2 := openStandalone(t, dir)
	defer d2.Close()
	assert.Equal(t, digest, d2.Machine.Store.Digest())
	rows, err := d2.Query(context.Background(), Select{Table: "users"})
	assert.Nil(t, err)
	assert.Equal(t, 5, len(rows.Rows))
}

func TestCheckpointAndRecovery(t *testing.T) {
	dir := initTestPath(t)
	d := openStandalone(t, dir)
	_, err := d.CreateTable(usersSchema())
	assert.Nil(t, err)
	for i := int64(1); i <= 10; i++ {
		_, err = d.Insert("users", userRow(i, "u").Set("bio", types.NewTsVector("some text here")))
		assert.Nil(t, err)
	}
	assert.Nil(t, d.Checkpoint())
	// post-checkpoint writes land in the fresh WAL
	_, err = d.Insert("users", userRow(11, "late"))
	assert.Nil(t, err)
	digest := d.Machine.Store.Digest()
	assert.Nil(t, d.Close())

	d2 := openStandalone(t, dir)
	defer d2.Close()
	assert.Equal(t, digest, d2.Machine.Store.Digest())
	rows, err := d2.Query(context.Background(), Select{
		Table: "users", MatchColumn: "bio", MatchQuery: "text",
	})
	assert.Nil(t, err)
	assert.Equal(t, 10, len(rows.Rows))
}

func TestInteractiveTxn(t *testing.T) {
	dir := initTestPath(t)
	d := openStandalone(t, dir)
	_, err := d.CreateTable(usersSchema())
	assert.Nil(t, err)

	ctx := context.Background()
	tx, err := d.Begin(txn.Serializable)
	assert.Nil(t, err)
	assert.Nil(t, tx.Write(ctx, "users", types.NewInteger(1), userRow(1, "Alice")))
	assert.Nil(t, tx.Savepoint("sp"))
	assert.Nil(t, tx.Write(ctx, "users", types.NewInteger(2), userRow(2, "Bob")))
	assert.Nil(t, tx.RollbackToSavepoint("sp"))
	assert.Nil(t, tx.Commit())

	rows, err := d.Query(ctx, Select{Table: "users"})
	assert.Nil(t, err)
	assert.Equal(t, 1, len(rows.Rows))

	// the redo batch makes the interactive commit durable
	digest := d.Machine.Store.Digest()
	assert.Nil(t, d.Close())
	d2 := openStandalone(t, dir)
	defer d2.Close()
	assert.Equal(t, digest, d2.Machine.Store.Digest())
}

func TestInteractiveSerializableConflict(t *testing.T) {
	dir := initTestPath(t)
	d := openStandalone(t, dir)
	defer d.Close()
	_, err := d.CreateTable(usersSchema())
	assert.Nil(t, err)
	_, err = d.Insert("users", userRow(1, "Alice"))
	assert.Nil(t, err)

	ctx := context.Background()
	t1, err := d.Begin(txn.Serializable)
	assert.Nil(t, err)
	t2, err := d.Begin(txn.Serializable)
	assert.Nil(t, err)

	_, err = t1.Read("users", types.NewInteger(1))
	assert.Nil(t, err)
	assert.Nil(t, t2.Write(ctx, "users", types.NewInteger(1), userRow(1, "Eve")))
	assert.Nil(t, t2.Commit())

	assert.Nil(t, t1.Write(ctx, "users", types.NewInteger(1), userRow(1, "Mallory")))
	assert.ErrorIs(t, t1.Commit(), txn.ErrSerializationFailure)

	rows, err := d.Query(ctx, Select{Table: "users"})
	assert.Nil(t, err)
	name, _ := rows.Rows[0].Get("name")
	assert.Equal(t, "Eve", name.S)
}

func TestBeginRefusedUnderConsensus(t *testing.T) {
	dir := initTestPath(t)
	d, err := Open(Options{
		DataDir: filepath.Join(dir, "data"),
		RaftDir: filepath.Join(dir, "raft"),
		NodeID:  "node_1",
	})
	assert.Nil(t, err)
	defer d.Close()
	assert.Nil(t, d.Bootstrap(nil))

	_, err = d.Begin(txn.Serializable)
	assert.ErrorIs(t, err, ErrReplicatedSession)
}

// Literal scenario: a linearizable read on a follower answers NotLeader with
// the leader hint and no forwarding; the leader serves it after ReadIndex.
func TestLeaderForwardedRead(t *testing.T) {
	base := initTestPath(t)
	leader, err := Open(Options{
		DataDir: filepath.Join(base, "l-data"),
		RaftDir: filepath.Join(base, "l-raft"),
		NodeID:  "node_3",
	})
	assert.Nil(t, err)
	defer leader.Close()
	assert.Nil(t, leader.Bootstrap(nil))

	follower, err := Open(Options{
		DataDir: filepath.Join(base, "f-data"),
		RaftDir: filepath.Join(base, "f-raft"),
		NodeID:  "node_2",
	})
	assert.Nil(t, err)
	defer follower.Close()
	assert.Nil(t, follower.Bootstrap(nil))
	follower.Bridge.BecomeFollower(1, "node_3")

	_, err = leader.CreateTable(usersSchema())
	assert.Nil(t, err)
	_, err = leader.Insert("users", userRow(1, "Alice"))
	assert.Nil(t, err)

	// replicate the leader's log to the follower
	assert.Nil(t, leader.Bridge.Log().Entries(0, func(index uint64, payload []byte) error {
		return follower.Bridge.OnCommit(payload)
	}))

	ctx := context.Background()
	_, err = follower.Query(ctx, Select{Table: "users", Linearizable: true})
	assert.True(t, raft.IsNotLeader(err))
	assert.Contains(t, err.Error(), "node_3")

	rows, err := leader.Query(ctx, Select{Table: "users", Linearizable: true})
	assert.Nil(t, err)
	assert.Equal(t, 1, len(rows.Rows))

	// an explicit stale read is allowed on the follower
	rows, err = follower.Query(ctx, Select{Table: "users", StaleOK: true})
	assert.Nil(t, err)
	assert.Equal(t, 1, len(rows.Rows))
}

func TestReplicatedExec(t *testing.T) {
	base := initTestPath(t)
	d, err := Open(Options{
		DataDir: filepath.Join(base, "data"),
		RaftDir: filepath.Join(base, "raft"),
		NodeID:  "node_1",
	})
	assert.Nil(t, err)
	defer d.Close()
	assert.Nil(t, d.Bootstrap(nil))

	res, err := d.CreateTable(usersSchema())
	assert.Nil(t, err)
	assert.True(t, res.OK())
	res, err = d.Exec(
		apply.NewInsertCmd(0, "users", userRow(1, "Alice")),
		apply.NewInsertCmd(0, "users", userRow(2, "Bob")))
	assert.Nil(t, err)
	assert.True(t, res.OK())

	rows, err := d.Query(context.Background(), Select{Table: "users", Linearizable: true})
	assert.Nil(t, err)
	assert.Equal(t, 2, len(rows.Rows))

	info := d.Info()
	assert.Equal(t, raft.Leader, info.Role)
	assert.Equal(t, info.CommitIndex, info.ApplyIndex)
}
