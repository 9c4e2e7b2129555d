package raft

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rsdb/pkg/apply"
	"rsdb/pkg/catalog"
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
		AddColumn("name", types.TText, true)
}

func userRow(id int64, name string) *types.Row {
	return types.NewRow(types.NewInteger(id)).Set("name", types.NewText(name))
}

func newLeaderBridge(t *testing.T, dir string) *Bridge {
	machine := apply.NewMachine(catalog.NewCatalog(nil))
	b, err := NewBridge(machine, dir)
	assert.Nil(t, err)
	assert.Nil(t, b.Bootstrap("node_1", "127.0.0.1:4001", nil))
	b.Start()
	return b
}

func proposeWait(t *testing.T, b *Bridge, cmds ...apply.Command) *apply.BatchResult {
	_, ch, err := b.Propose(cmds)
	assert.Nil(t, err)
	select {
	case reply := <-ch:
		assert.Nil(t, reply.Err)
		return reply.Result
	case <-time.After(5 * time.Second):
		t.Fatal("proposal timed out")
		return nil
	}
}

func TestLogAppendEntriesReopen(t *testing.T) {
	dir := initTestPath(t)
	l, err := OpenLog(dir)
	assert.Nil(t, err)
	for i := uint64(1); i <= 5; i++ {
		assert.Nil(t, l.Append(i, []byte{byte(i)}))
	}
	assert.ErrorIs(t, l.Append(3, []byte("x")), ErrStaleIndex)
	assert.Nil(t, l.Close())

	l, err = OpenLog(dir)
	assert.Nil(t, err)
	defer l.Close()
	assert.Equal(t, uint64(5), l.LastIndex())

	got := make([]uint64, 0, 5)
	assert.Nil(t, l.Entries(2, func(index uint64, payload []byte) error {
		got = append(got, index)
		return nil
	}))
	assert.Equal(t, []uint64{3, 4, 5}, got)
}

func TestHardStateRoundTrip(t *testing.T) {
	dir := initTestPath(t)
	assert.Nil(t, os.MkdirAll(dir, 0o755))
	_, found, err := LoadHardState(dir)
	assert.Nil(t, err)
	assert.False(t, found)

	hs := HardState{Term: 7, Vote: "node_2", Commit: 42}
	assert.Nil(t, SaveHardState(dir, hs))
	got, found, err := LoadHardState(dir)
	assert.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, hs, got)
}

func TestNodeConfigRoundTrip(t *testing.T) {
	dir := initTestPath(t)
	assert.Nil(t, os.MkdirAll(dir, 0o755))
	cfg := NodeConfig{ID: "node_1", Addr: "127.0.0.1:4001", Peers: []Peer{{ID: "node_2", Addr: "127.0.0.1:4002"}}}
	assert.Nil(t, SaveNodeConfig(dir, cfg))
	got, found, err := LoadNodeConfig(dir)
	assert.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, cfg, got)
}

func TestBootstrapRefusesExistingState(t *testing.T) {
	dir := initTestPath(t)
	b := newLeaderBridge(t, dir)
	assert.Nil(t, b.Close())

	machine := apply.NewMachine(catalog.NewCatalog(nil))
	b2, err := NewBridge(machine, dir)
	assert.Nil(t, err)
	b2.Start()
	defer b2.Close()
	assert.ErrorIs(t, b2.Bootstrap("node_1", "127.0.0.1:4001", nil), ErrBootstrapExists)
}

func TestProposeApplyAndInfo(t *testing.T) {
	dir := initTestPath(t)
	b := newLeaderBridge(t, dir)
	defer b.Close()

	res := proposeWait(t, b, apply.NewCreateTableCmd(usersSchema()))
	assert.True(t, res.OK())
	res = proposeWait(t, b,
		apply.NewInsertCmd(0, "users", userRow(1, "Alice")),
		apply.NewInsertCmd(0, "users", userRow(2, "Bob")))
	assert.True(t, res.OK())

	info := b.Info()
	assert.Equal(t, Leader, info.Role)
	assert.Equal(t, uint64(1), info.Term)
	assert.Equal(t, info.CommitIndex, info.ApplyIndex)
	assert.True(t, info.LogLen >= 2)
}

func TestFollowerRejectsPropose(t *testing.T) {
	dir := initTestPath(t)
	b := newLeaderBridge(t, dir)
	defer b.Close()
	b.BecomeFollower(2, "node_3")

	_, _, err := b.Propose([]apply.Command{apply.NewCreateTableCmd(usersSchema())})
	assert.True(t, IsNotLeader(err))
	assert.Contains(t, err.Error(), "node_3")
}

func TestOnCommitFollowerPath(t *testing.T) {
	dir := initTestPath(t)
	machine := apply.NewMachine(catalog.NewCatalog(nil))
	b, err := NewBridge(machine, dir)
	assert.Nil(t, err)
	assert.Nil(t, b.Bootstrap("node_2", "127.0.0.1:4002", nil))
	b.BecomeFollower(1, "node_1")
	b.Start()
	defer b.Close()

	b1, err := apply.NewCommandBatch(1, apply.NewCreateTableCmd(usersSchema())).Marshal()
	assert.Nil(t, err)
	b2, err := apply.NewCommandBatch(2, apply.NewInsertCmd(0, "users", userRow(1, "Alice"))).Marshal()
	assert.Nil(t, err)
	assert.Nil(t, b.OnCommit(b1))
	assert.Nil(t, b.OnCommit(b2))

	assert.Equal(t, uint64(2), machine.LastApplied())
	row, err := machine.Store.Get("users", types.NewInteger(1))
	assert.Nil(t, err)
	assert.NotNil(t, row)
}

func TestOnCommitGarbagePoisons(t *testing.T) {
	dir := initTestPath(t)
	machine := apply.NewMachine(catalog.NewCatalog(nil))
	b, err := NewBridge(machine, dir)
	assert.Nil(t, err)
	b.Start()
	defer b.Close()

	err = b.OnCommit([]byte{0xde, 0xad})
	assert.ErrorIs(t, err, ErrLogCorrupted)
	// the machine refuses everything afterwards
	good, _ := apply.NewCommandBatch(1, apply.NewCreateTableCmd(usersSchema())).Marshal()
	assert.NotNil(t, b.OnCommit(good))
}

func TestReadIndexReady(t *testing.T) {
	dir := initTestPath(t)
	machine := apply.NewMachine(catalog.NewCatalog(nil))
	b, err := NewBridge(machine, dir)
	assert.Nil(t, err)
	assert.Nil(t, b.Bootstrap("node_1", "", nil))
	b.Start()
	defer b.Close()

	// already applied: returns immediately
	assert.Nil(t, b.ReadIndexReady(context.Background(), 0))

	done := make(chan error, 1)
	go func() {
		done <- b.ReadIndexReady(context.Background(), 2)
	}()
	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("should wait for apply to catch up")
	default:
	}

	p1, _ := apply.NewCommandBatch(1, apply.NewCreateTableCmd(usersSchema())).Marshal()
	p2, _ := apply.NewCommandBatch(2, apply.NewInsertCmd(0, "users", userRow(1, "A"))).Marshal()
	assert.Nil(t, b.OnCommit(p1))
	assert.Nil(t, b.OnCommit(p2))
	assert.Nil(t, <-done)

	// cancellation drops the waiter
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		done <- b.ReadIndexReady(ctx, 99)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSnapshotInstallAndCompact(t *testing.T) {
	dir := initTestPath(t)
	b := newLeaderBridge(t, dir)
	defer b.Close()

	proposeWait(t, b, apply.NewCreateTableCmd(usersSchema()))
	for i := int64(1); i <= 20; i++ {
		proposeWait(t, b, apply.NewInsertCmd(0, "users", userRow(i, "u")))
	}
	buf, err := b.CreateSnapshot()
	assert.Nil(t, err)

	// a fresh follower installs the snapshot and catches up
	fdir := initTestPath(t) + "-follower"
	os.RemoveAll(fdir)
	fmachine := apply.NewMachine(catalog.NewCatalog(nil))
	follower, err := NewBridge(fmachine, fdir)
	assert.Nil(t, err)
	follower.Start()
	defer follower.Close()
	assert.Nil(t, follower.InstallSnapshot(buf))
	assert.Equal(t, b.machine.LastApplied(), fmachine.LastApplied())
	assert.Equal(t, b.machine.Store.Digest(), fmachine.Store.Digest())
}

func TestRecoverFromLogAndSnapshot(t *testing.T) {
	dir := initTestPath(t)
	b := newLeaderBridge(t, dir)
	proposeWait(t, b, apply.NewCreateTableCmd(usersSchema()))
	for i := int64(1); i <= 10; i++ {
		proposeWait(t, b, apply.NewInsertCmd(0, "users", userRow(i, "u")))
	}
	_, err := b.CreateSnapshot()
	assert.Nil(t, err)
	for i := int64(11); i <= 15; i++ {
		proposeWait(t, b, apply.NewInsertCmd(0, "users", userRow(i, "u")))
	}
	digest := b.machine.Store.Digest()
	applied := b.machine.LastApplied()
	assert.Nil(t, b.Close())

	machine := apply.NewMachine(catalog.NewCatalog(nil))
	b2, err := NewBridge(machine, dir)
	assert.Nil(t, err)
	b2.Start()
	defer b2.Close()
	assert.Nil(t, b2.Recover())
	assert.Equal(t, applied, machine.LastApplied())
	assert.Equal(t, digest, machine.Store.Digest())
}

func TestPeerManagement(t *testing.T) {
	dir := initTestPath(t)
	b := newLeaderBridge(t, dir)
	defer b.Close()

	assert.Nil(t, b.AddPeer("node_2", "127.0.0.1:4002"))
	assert.NotNil(t, b.AddPeer("node_2", "127.0.0.1:4002"))
	cfg, found, err := LoadNodeConfig(dir)
	assert.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, len(cfg.Peers))

	assert.Nil(t, b.RemovePeer("node_2"))
	assert.NotNil(t, b.RemovePeer("node_2"))
}
