package db

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rsdb/pkg/apply"
	"rsdb/pkg/catalog"
	"rsdb/pkg/raft"
	"rsdb/pkg/snapshot"
	"rsdb/pkg/types"
	"rsdb/pkg/wal"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

var ErrReplicatedSession = errors.New("rsdb: interactive sessions require standalone mode")

const (
	kvFileName    = "kv.db"
	indexFileName = "index.bin"
)

type Options struct {
	DataDir string
	RaftDir string // non-empty runs the node under consensus
	NodeID  string
	Addr    string
	NoSync  bool

	ReadPool         int
	ReplicateTimeout time.Duration
}

func (opts *Options) fill() {
	if opts.ReadPool == 0 {
		opts.ReadPool = 4
	}
	if opts.ReplicateTimeout == 0 {
		opts.ReplicateTimeout = 5 * time.Second
	}
}

// DB assembles the engine: catalog, state machine, standalone WAL or
// consensus bridge, and the read worker pool. Every mutation flows through
// the machine as a command batch; reads run against MVCC snapshots.
type DB struct {
	opts     Options
	Machine  *apply.Machine
	Catalog  *catalog.Catalog
	wal      *wal.WAL
	Bridge   *raft.Bridge
	readPool *ants.Pool

	// execMu keeps standalone WAL order identical to apply order
	execMu sync.Mutex
}

// Open boots the node: storage first, then the newest snapshot, then every
// logged batch after it, and only then the public surface.
func Open(opts Options) (*DB, error) {
	opts.fill()
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, err
	}
	driver := catalog.NewNodeDriver(filepath.Join(opts.DataDir, "catalog"), "journal", nil)
	cat := catalog.NewCatalog(driver)
	machine := apply.NewMachine(cat)
	d := &DB{opts: opts, Machine: machine, Catalog: cat}

	pool, err := ants.NewPool(opts.ReadPool)
	if err != nil {
		return nil, err
	}
	d.readPool = pool

	if opts.RaftDir != "" {
		bridge, err := raft.NewBridge(machine, opts.RaftDir)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Bridge = bridge
		bridge.Start()
		if err = bridge.Recover(); err != nil {
			d.Close()
			return nil, err
		}
		return d, nil
	}

	if err = d.loadCheckpoint(); err != nil {
		d.Close()
		return nil, err
	}
	w, err := wal.Open(wal.Options{Dir: opts.DataDir, ConsensusDir: opts.RaftDir, NoSync: opts.NoSync})
	if err != nil {
		d.Close()
		return nil, err
	}
	d.wal = w
	err = w.Replay(func(b *apply.CommandBatch) error {
		_, aerr := machine.ApplyBatch(b)
		return aerr
	})
	if err != nil {
		if errors.Is(err, wal.ErrLogCorrupted) {
			machine.Poison(err)
		}
		d.Close()
		return nil, err
	}
	logrus.Infof("database open: data=%s applied=%d", opts.DataDir, machine.LastApplied())
	return d, nil
}

func (d *DB) loadCheckpoint() error {
	buf, err := ioutil.ReadFile(filepath.Join(d.opts.DataDir, kvFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	meta, data, err := snapshot.Decode(buf)
	if err != nil {
		if errors.Is(err, snapshot.ErrSnapshotVersion) {
			d.Machine.Poison(err)
		}
		return err
	}
	if err = d.Machine.Restore(meta, data); err != nil {
		return err
	}
	idxBuf, err := ioutil.ReadFile(filepath.Join(d.opts.DataDir, indexFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err = d.Machine.Indexes.RestoreFrom(nil, d.Machine.Store); err != nil {
		return err
	}
	return d.Machine.Indexes.LoadFrom(bytes.NewReader(idxBuf), d.Machine.Store)
}

// Checkpoint seals the state into kv.db and index.bin and empties the WAL.
// Under consensus the snapshot pipeline replaces it.
func (d *DB) Checkpoint() error {
	if d.Bridge != nil {
		_, err := d.Bridge.CreateSnapshot()
		return err
	}
	meta, data, err := d.Machine.Snapshot()
	if err != nil {
		return err
	}
	frame, err := snapshot.Encode(meta, data)
	if err != nil {
		return err
	}
	if err = atomicWrite(filepath.Join(d.opts.DataDir, kvFileName), frame); err != nil {
		return err
	}
	var idxBuf bytes.Buffer
	if err = d.Machine.Indexes.SaveTo(&idxBuf); err != nil {
		return err
	}
	if err = atomicWrite(filepath.Join(d.opts.DataDir, indexFileName), idxBuf.Bytes()); err != nil {
		return err
	}
	if d.wal != nil {
		if err = d.wal.Reset(); err != nil {
			return err
		}
	}
	logrus.Infof("checkpoint written at command %d", meta.LastAppliedCommand)
	return nil
}

func atomicWrite(path string, buf []byte) error {
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Exec applies commands as one atomic batch: logged then applied in
// standalone mode, proposed to consensus otherwise.
func (d *DB) Exec(cmds ...apply.Command) (*apply.BatchResult, error) {
	if d.Bridge != nil {
		_, ch, err := d.Bridge.Propose(cmds)
		if err != nil {
			return nil, err
		}
		select {
		case reply := <-ch:
			return reply.Result, reply.Err
		case <-time.After(d.opts.ReplicateTimeout):
			return nil, raft.ErrReplicationTimeout
		}
	}
	d.execMu.Lock()
	defer d.execMu.Unlock()
	batch := apply.NewCommandBatch(d.Machine.NextCommandID(), cmds...)
	if err := d.wal.Append(batch); err != nil {
		return nil, err
	}
	return d.Machine.ApplyBatch(batch)
}

// Statement-shaped helpers: what the SQL frontend lowers mutations into.

func (d *DB) CreateTable(schema *types.Schema) (*apply.BatchResult, error) {
	return d.Exec(apply.NewCreateTableCmd(schema))
}

func (d *DB) DropTable(name string) (*apply.BatchResult, error) {
	return d.Exec(apply.NewDropTableCmd(name))
}

func (d *DB) AlterTable(name string, op catalog.AlterOp) (*apply.BatchResult, error) {
	return d.Exec(apply.NewAlterTableCmd(name, op))
}

func (d *DB) Insert(table string, row *types.Row) (*apply.BatchResult, error) {
	return d.Exec(apply.NewInsertCmd(0, table, row))
}

func (d *DB) Update(table string, pred apply.Predicate, assignments []apply.Assignment) (*apply.BatchResult, error) {
	return d.Exec(apply.NewUpdateCmd(0, table, pred, assignments))
}

func (d *DB) Delete(table string, pred apply.Predicate) (*apply.BatchResult, error) {
	return d.Exec(apply.NewDeleteCmd(0, table, pred))
}

func (d *DB) CreateIndex(table, column string, kind int16) (*apply.BatchResult, error) {
	return d.Exec(apply.NewCreateIndexCmd(table, column, kind))
}

func (d *DB) DropIndex(table, column string) (*apply.BatchResult, error) {
	return d.Exec(apply.NewDropIndexCmd(table, column))
}

// Admin surface.

func (d *DB) Bootstrap(peers []raft.Peer) error {
	if d.Bridge == nil {
		return fmt.Errorf("rsdb: bootstrap requires a consensus directory")
	}
	return d.Bridge.Bootstrap(d.opts.NodeID, d.opts.Addr, peers)
}

func (d *DB) AddPeer(id, addr string) error {
	if d.Bridge == nil {
		return fmt.Errorf("rsdb: no consensus configured")
	}
	return d.Bridge.AddPeer(id, addr)
}

func (d *DB) RemovePeer(id string) error {
	if d.Bridge == nil {
		return fmt.Errorf("rsdb: no consensus configured")
	}
	return d.Bridge.RemovePeer(id)
}

func (d *DB) Info() raft.LeadershipInfo {
	if d.Bridge == nil {
		return raft.LeadershipInfo{Role: raft.Leader, ApplyIndex: d.Machine.LastApplied()}
	}
	return d.Bridge.Info()
}

func (d *DB) Close() error {
	if d.readPool != nil {
		d.readPool.Release()
	}
	var first error
	if d.wal != nil {
		if err := d.wal.Close(); err != nil && first == nil {
			first = err
		}
	}
	if d.Bridge != nil {
		if err := d.Bridge.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := d.Catalog.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
