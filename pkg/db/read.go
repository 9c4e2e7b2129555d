package db

import (
	"context"

	"rsdb/pkg/apply"
	"rsdb/pkg/raft"
	"rsdb/pkg/txn"
	"rsdb/pkg/types"
)

// Select is the read plan the SQL frontend lowers SELECT into. Reads are
// not commands: they never touch the log.
type Select struct {
	Table     string
	Predicate apply.Predicate

	// full-text search against a GIN-indexed column
	MatchColumn string
	MatchQuery  string
	Ranked      bool

	// Linearizable reads go through ReadIndex on the leader. StaleOK lets a
	// follower serve the read at its own in-memory apply index.
	Linearizable bool
	StaleOK      bool
}

type Rows struct {
	Rows   []*types.Row
	Scores []float64 // parallel to Rows for ranked full-text reads
}

type queryReply struct {
	rows *Rows
	err  error
}

// Query runs a read plan on the read pool. On a follower a linearizable
// read is refused with the leader hint; an explicit stale read is served
// from the local apply index.
func (d *DB) Query(ctx context.Context, sel Select) (*Rows, error) {
	if d.Bridge != nil {
		info := d.Bridge.LeadershipInfo()
		if info.Role != raft.Leader {
			if !sel.StaleOK {
				return nil, &raft.NotLeaderError{LeaderHint: d.Bridge.LeaderHint()}
			}
		} else if sel.Linearizable {
			if err := d.Bridge.ReadIndexReady(ctx, info.CommitIndex); err != nil {
				return nil, err
			}
		}
	}
	ch := make(chan queryReply, 1)
	if err := d.readPool.Submit(func() {
		rows, err := d.runQuery(sel)
		ch <- queryReply{rows: rows, err: err}
	}); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply.rows, reply.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runQuery reads at a fresh MVCC snapshot.
func (d *DB) runQuery(sel Select) (*Rows, error) {
	schema, err := d.Catalog.Schema(sel.Table)
	if err != nil {
		return nil, err
	}
	t := d.Machine.Txns.Begin(txn.RepeatableRead)
	defer d.Machine.Txns.Abort(t)

	pred := sel.Predicate
	if !pred.All && pred.Column == "" {
		pred = apply.MatchAll()
	}

	out := new(Rows)
	if sel.MatchQuery != "" {
		if sel.Ranked {
			hits, err := d.Machine.Indexes.MatchRanked(sel.Table, sel.MatchColumn, sel.MatchQuery)
			if err != nil {
				return nil, err
			}
			for _, hit := range hits {
				row := d.Machine.Versions.Get(sel.Table, hit.PK, t.SnapshotTs, t.ID)
				if row == nil || !pred.Match(schema, row) {
					continue
				}
				out.Rows = append(out.Rows, row)
				out.Scores = append(out.Scores, hit.Score)
			}
			return out, nil
		}
		pks, err := d.Machine.Indexes.Match(sel.Table, sel.MatchColumn, sel.MatchQuery)
		if err != nil {
			return nil, err
		}
		for _, pk := range pks {
			row := d.Machine.Versions.Get(sel.Table, pk, t.SnapshotTs, t.ID)
			if row == nil || !pred.Match(schema, row) {
				continue
			}
			out.Rows = append(out.Rows, row)
		}
		return out, nil
	}

	for _, row := range d.Machine.Versions.ScanVisible(sel.Table, t.SnapshotTs, t.ID) {
		if pred.Match(schema, row) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}
