package raft

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"rsdb/pkg/apply"
	"rsdb/pkg/snapshot"

	"github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/logstore/sm"
	"github.com/sirupsen/logrus"
	queue "github.com/yireyun/go-queue"
)

type Role = int32

const (
	Follower Role = iota
	Candidate
	Leader
)

func RoleName(role Role) string {
	switch role {
	case Leader:
		return "leader"
	case Candidate:
		return "candidate"
	default:
		return "follower"
	}
}

// LeadershipInfo is the read-only view the admin surface and clients see.
type LeadershipInfo struct {
	Role        Role
	Term        uint64
	CommitIndex uint64
	ApplyIndex  uint64
	LogLen      uint64
}

// ProposalResult is delivered on the proposal's reply channel once the
// batch has been applied. A cancelled client simply stops listening; the
// apply still happens, only the reply is dropped.
type ProposalResult struct {
	ID     uint64
	Result *apply.BatchResult
	Err    error
}

type proposal struct {
	batch   *apply.CommandBatch
	payload []byte
	ch      chan ProposalResult
}

type readWaiter struct {
	index uint64
	ch    chan struct{}
}

// Bridge ties the state machine to a consensus layer. Committed entries
// come in through OnCommit (or the local propose pipeline on a leader),
// flow through the single-threaded apply queue, and wake ReadIndex waiters
// as the apply index advances. Snapshot hooks serve log compaction and
// follower catch-up.
type Bridge struct {
	sync.RWMutex
	sm.ClosedState
	sm.StateMachine
	machine *apply.Machine
	snaps   *snapshot.Snapshotter
	log     *Log
	raftDir string

	cfg        NodeConfig
	hs         HardState
	role       Role
	leaderHint string

	proposeQ *queue.EsQueue

	wmu     sync.Mutex
	waiters []readWaiter
}

const proposeQueueSize = 1024

func NewBridge(machine *apply.Machine, raftDir string) (*Bridge, error) {
	snaps, err := snapshot.NewSnapshotter(filepath.Join(raftDir, "snap"))
	if err != nil {
		return nil, err
	}
	log, err := OpenLog(filepath.Join(raftDir, "log"))
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		machine:  machine,
		snaps:    snaps,
		log:      log,
		raftDir:  raftDir,
		proposeQ: queue.NewQueue(proposeQueueSize),
	}
	if hs, found, err := LoadHardState(raftDir); err != nil {
		return nil, err
	} else if found {
		b.hs = hs
	}
	if cfg, found, err := LoadNodeConfig(raftDir); err != nil {
		return nil, err
	} else if found {
		b.cfg = cfg
	}
	pqueue := sm.NewSafeQueue(10000, 100, b.onProposals)
	cqueue := sm.NewSafeQueue(10000, 100, b.onReplies)
	b.StateMachine = sm.NewStateMachine(new(sync.WaitGroup), b, pqueue, cqueue)
	return b, nil
}

func (b *Bridge) Close() error {
	b.Stop()
	return b.log.Close()
}

// Bootstrap creates a brand new single-member cluster. It refuses when any
// persistent state exists: a bootstrap over live data would fork history.
func (b *Bridge) Bootstrap(id, addr string, peers []Peer) error {
	b.Lock()
	defer b.Unlock()
	if _, found, err := LoadHardState(b.raftDir); err != nil {
		return err
	} else if found {
		return ErrBootstrapExists
	}
	if !b.log.IsEmpty() || b.snaps.HasSnapshots() {
		return ErrBootstrapExists
	}
	if _, found, err := LoadNodeConfig(b.raftDir); err != nil {
		return err
	} else if found {
		return ErrBootstrapExists
	}
	b.cfg = NodeConfig{ID: id, Addr: addr, Peers: peers}
	if err := SaveNodeConfig(b.raftDir, b.cfg); err != nil {
		return err
	}
	b.hs = HardState{Term: 1, Vote: id}
	if err := SaveHardState(b.raftDir, b.hs); err != nil {
		return err
	}
	b.role = Leader
	logrus.Infof("bootstrapped cluster: node=%s term=%d peers=%d", id, b.hs.Term, len(peers))
	return nil
}

// Recover runs the boot sequence: restore the newest snapshot, then feed
// every committed entry after it back through apply.
func (b *Bridge) Recover() error {
	meta, data, err := b.snaps.Load()
	switch err {
	case nil:
		if err = b.machine.Restore(meta, data); err != nil {
			return err
		}
	case snapshot.ErrNoSnapshot:
	default:
		if IsFatal(err) {
			b.machine.Poison(err)
		}
		return err
	}
	from := b.machine.LastApplied()
	err = b.log.Entries(from, func(index uint64, payload []byte) error {
		batch := new(apply.CommandBatch)
		if derr := batch.Unmarshal(payload); derr != nil {
			perr := fmt.Errorf("%w: entry %d: %v", ErrLogCorrupted, index, derr)
			b.machine.Poison(perr)
			return perr
		}
		_, aerr := b.machine.ApplyBatch(batch)
		return aerr
	})
	if err != nil {
		return err
	}
	applied := b.machine.LastApplied()
	b.Lock()
	if applied > b.hs.Commit {
		b.hs.Commit = applied
	}
	b.Unlock()
	logrus.Infof("recovery complete: applied through %d", applied)
	return nil
}

// IsFatal reports the fail-stop error classes.
func IsFatal(err error) bool {
	return errors.Is(err, snapshot.ErrSnapshotVersion) || errors.Is(err, ErrLogCorrupted)
}

// BecomeLeader and BecomeFollower are driven by the consensus layer's
// election outcome.
func (b *Bridge) BecomeLeader(term uint64) {
	b.Lock()
	defer b.Unlock()
	b.role = Leader
	b.hs.Term = term
	b.leaderHint = b.cfg.ID
	SaveHardState(b.raftDir, b.hs)
	logrus.Infof("node %s became leader, term %d", b.cfg.ID, term)
}

func (b *Bridge) BecomeFollower(term uint64, leaderHint string) {
	b.Lock()
	defer b.Unlock()
	b.role = Follower
	b.hs.Term = term
	b.leaderHint = leaderHint
	SaveHardState(b.raftDir, b.hs)
	logrus.Infof("node %s became follower of %q, term %d", b.cfg.ID, leaderHint, term)
}

// Propose submits commands as one batch. Leaders only; followers answer
// with the leader hint. A full queue pushes back with ErrOverloaded.
func (b *Bridge) Propose(cmds []apply.Command) (uint64, <-chan ProposalResult, error) {
	b.RLock()
	role, hint := b.role, b.leaderHint
	b.RUnlock()
	if role != Leader {
		return 0, nil, &NotLeaderError{LeaderHint: hint}
	}
	batch := apply.NewCommandBatch(b.machine.NextCommandID(), cmds...)
	payload, err := batch.Marshal()
	if err != nil {
		return 0, nil, err
	}
	prop := &proposal{batch: batch, payload: payload, ch: make(chan ProposalResult, 1)}
	if ok, _ := b.proposeQ.Put(prop); !ok {
		return 0, nil, ErrOverloaded
	}
	b.EnqueueRecevied(struct{}{})
	return batch.ID, prop.ch, nil
}

// onProposals drains the bounded ingress queue on the apply goroutine.
func (b *Bridge) onProposals(items ...interface{}) {
	for range items {
		for {
			v, ok, _ := b.proposeQ.Get()
			if !ok {
				break
			}
			prop := v.(*proposal)
			b.commitProposal(prop)
		}
	}
}

// commitProposal is the single-node commit path: durable append, commit
// index advance, apply.
func (b *Bridge) commitProposal(prop *proposal) {
	reply := ProposalResult{ID: prop.batch.ID}
	if err := b.log.Append(prop.batch.ID, prop.payload); err != nil {
		reply.Err = err
		b.EnqueueCheckpoint(replyItem{prop: prop, reply: reply})
		return
	}
	b.Lock()
	b.hs.Commit = prop.batch.ID
	SaveHardState(b.raftDir, b.hs)
	b.Unlock()
	reply.Result, reply.Err = b.machine.ApplyBatch(prop.batch)
	b.EnqueueCheckpoint(replyItem{prop: prop, reply: reply})
}

type replyItem struct {
	prop  *proposal
	reply ProposalResult
}

func (b *Bridge) onReplies(items ...interface{}) {
	for _, item := range items {
		ri := item.(replyItem)
		ri.prop.ch <- ri.reply
		logrus.Debugf("proposal %d done: %v", ri.reply.ID, ri.reply.Err)
	}
	b.wakeWaiters()
}

// OnCommit feeds one committed consensus entry into apply; the consensus
// layer calls it in log order. A payload that fails to decode poisons the
// machine: skipping it would silently diverge this replica.
func (b *Bridge) OnCommit(payload []byte) error {
	batch := new(apply.CommandBatch)
	if err := batch.Unmarshal(payload); err != nil {
		perr := fmt.Errorf("%w: %v", ErrLogCorrupted, err)
		b.machine.Poison(perr)
		return perr
	}
	if b.log.LastIndex() < batch.ID {
		if err := b.log.Append(batch.ID, payload); err != nil {
			return err
		}
	}
	b.Lock()
	if batch.ID > b.hs.Commit {
		b.hs.Commit = batch.ID
		SaveHardState(b.raftDir, b.hs)
	}
	b.Unlock()
	if _, err := b.machine.ApplyBatch(batch); err != nil {
		return err
	}
	b.wakeWaiters()
	return nil
}

// CreateSnapshot seals the current state, persists it, and compacts the
// log behind it. The returned bytes go to slow followers.
func (b *Bridge) CreateSnapshot() ([]byte, error) {
	meta, data, err := b.machine.Snapshot()
	if err != nil {
		return nil, err
	}
	if _, err = b.snaps.Save(meta, data); err != nil {
		return nil, err
	}
	if err = b.log.Compact(meta.LastAppliedCommand); err != nil {
		return nil, err
	}
	b.snaps.Prune(meta.LastAppliedCommand)
	return snapshot.Encode(meta, data)
}

// InstallSnapshot replaces local state with the leader's snapshot and
// signals the log to compact up to its boundary.
func (b *Bridge) InstallSnapshot(buf []byte) error {
	meta, data, err := snapshot.Decode(buf)
	if err != nil {
		if IsFatal(err) {
			b.machine.Poison(err)
		}
		return err
	}
	if err = b.machine.Restore(meta, data); err != nil {
		return err
	}
	if _, err = b.snaps.Save(meta, data); err != nil {
		return err
	}
	if err = b.log.Compact(meta.LastAppliedCommand); err != nil {
		return err
	}
	b.Lock()
	if meta.LastAppliedCommand > b.hs.Commit {
		b.hs.Commit = meta.LastAppliedCommand
		SaveHardState(b.raftDir, b.hs)
	}
	b.Unlock()
	b.wakeWaiters()
	return nil
}

// ReadIndexReady blocks until the local apply index reaches the committed
// index captured at probe time. Cancelling the context removes the waiter.
func (b *Bridge) ReadIndexReady(ctx context.Context, committedIndex uint64) error {
	if b.machine.LastApplied() >= committedIndex {
		return nil
	}
	ch := make(chan struct{})
	b.wmu.Lock()
	b.waiters = append(b.waiters, readWaiter{index: committedIndex, ch: ch})
	b.wmu.Unlock()
	// re-check: apply may have advanced while registering
	if b.machine.LastApplied() >= committedIndex {
		b.wakeWaiters()
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		b.dropWaiter(ch)
		return ctx.Err()
	}
}

func (b *Bridge) wakeWaiters() {
	applied := b.machine.LastApplied()
	b.wmu.Lock()
	kept := b.waiters[:0]
	for _, w := range b.waiters {
		if applied >= w.index {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	b.waiters = kept
	b.wmu.Unlock()
}

func (b *Bridge) dropWaiter(ch chan struct{}) {
	b.wmu.Lock()
	kept := b.waiters[:0]
	for _, w := range b.waiters {
		if w.ch != ch {
			kept = append(kept, w)
		}
	}
	b.waiters = kept
	b.wmu.Unlock()
}

// LeadershipInfo reports role, term, commit index, apply index and log length.
func (b *Bridge) LeadershipInfo() LeadershipInfo {
	b.RLock()
	defer b.RUnlock()
	return LeadershipInfo{
		Role:        b.role,
		Term:        b.hs.Term,
		CommitIndex: b.hs.Commit,
		ApplyIndex:  b.machine.LastApplied(),
		LogLen:      b.log.Len(),
	}
}

// Info is LeadershipInfo under the name the admin surface uses.
func (b *Bridge) Info() LeadershipInfo { return b.LeadershipInfo() }

// AddPeer and RemovePeer adjust the persisted membership. Replicating the
// change to other members is the consensus implementation's job.
func (b *Bridge) AddPeer(id, addr string) error {
	b.Lock()
	defer b.Unlock()
	if b.role != Leader {
		return &NotLeaderError{LeaderHint: b.leaderHint}
	}
	for _, p := range b.cfg.Peers {
		if p.ID == id {
			return fmt.Errorf("rsdb: peer %s already present", id)
		}
	}
	b.cfg.Peers = append(b.cfg.Peers, Peer{ID: id, Addr: addr})
	return SaveNodeConfig(b.raftDir, b.cfg)
}

func (b *Bridge) RemovePeer(id string) error {
	b.Lock()
	defer b.Unlock()
	if b.role != Leader {
		return &NotLeaderError{LeaderHint: b.leaderHint}
	}
	kept := b.cfg.Peers[:0]
	removed := false
	for _, p := range b.cfg.Peers {
		if p.ID == id {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	if !removed {
		return fmt.Errorf("rsdb: peer %s not found", id)
	}
	b.cfg.Peers = kept
	return SaveNodeConfig(b.raftDir, b.cfg)
}

// Log exposes the committed entry store, for replication transports and
// catch-up.
func (b *Bridge) Log() *Log { return b.log }

// LeaderHint is the last known leader id, empty when unknown.
func (b *Bridge) LeaderHint() string {
	b.RLock()
	defer b.RUnlock()
	return b.leaderHint
}

func (b *Bridge) NodeID() string {
	b.RLock()
	defer b.RUnlock()
	return b.cfg.ID
}
