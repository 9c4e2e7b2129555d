package db

import (
	"context"

	"rsdb/pkg/apply"
	"rsdb/pkg/txn"
	"rsdb/pkg/types"
)

// Tx is an interactive session transaction. It runs against the live
// machine with blocking row locks and deadlock detection; at commit the
// write set is materialized into a redo batch and logged, so recovery
// replays it through the same apply path as everything else.
type Tx struct {
	db    *DB
	inner *txn.Txn
}

func (d *DB) Begin(iso txn.Isolation) (*Tx, error) {
	if d.Bridge != nil {
		return nil, ErrReplicatedSession
	}
	return &Tx{db: d, inner: d.Machine.Txns.Begin(iso)}, nil
}

func (tx *Tx) ID() uint64 { return tx.inner.ID }

func (tx *Tx) Read(table string, pk types.Value) (*types.Row, error) {
	return tx.db.Machine.Txns.Read(tx.inner, table, pk)
}

func (tx *Tx) Write(ctx context.Context, table string, pk types.Value, row *types.Row) error {
	schema, err := tx.db.Catalog.Schema(table)
	if err != nil {
		return err
	}
	if err = schema.Validate(row); err != nil {
		return err
	}
	return tx.db.Machine.Txns.Write(ctx, tx.inner, table, pk, row)
}

func (tx *Tx) Delete(ctx context.Context, table string, pk types.Value) error {
	return tx.db.Machine.Txns.Delete(ctx, tx.inner, table, pk)
}

func (tx *Tx) Savepoint(name string) error {
	return tx.db.Machine.Txns.Savepoint(tx.inner, name)
}

func (tx *Tx) RollbackToSavepoint(name string) error {
	return tx.db.Machine.Txns.RollbackToSavepoint(tx.inner, name)
}

func (tx *Tx) Abort() {
	tx.db.Machine.Txns.Abort(tx.inner)
}

// Commit commits under the apply barrier, then logs the committed changes
// as a redo batch. A crash before the log append loses a commit that was
// never acknowledged; replay after the append reproduces it exactly.
func (tx *Tx) Commit() error {
	tx.db.execMu.Lock()
	defer tx.db.execMu.Unlock()
	changes, err := tx.db.Machine.CommitInteractive(tx.inner)
	if err != nil {
		return err
	}
	if len(changes) == 0 || tx.db.wal == nil {
		return nil
	}
	cmds := make([]apply.Command, 0, len(changes)*2)
	results := make([]apply.CommandResult, 0, len(changes)*2)
	for _, change := range changes {
		schema, serr := tx.db.Catalog.Schema(change.Table)
		if serr != nil {
			continue // table dropped after the commit; nothing to redo
		}
		pkPred := apply.Where(schema.PKColumn, apply.OpEq, change.PK)
		switch {
		case change.Row != nil && change.Created:
			cmds = append(cmds, apply.NewInsertCmd(0, change.Table, change.Row))
			results = append(results, apply.CommandResult{Cmd: apply.CmdInsert})
		case change.Row != nil:
			cmds = append(cmds,
				apply.NewDeleteCmd(0, change.Table, pkPred),
				apply.NewInsertCmd(0, change.Table, change.Row))
			results = append(results,
				apply.CommandResult{Cmd: apply.CmdDelete, RowsAffected: 1},
				apply.CommandResult{Cmd: apply.CmdInsert})
		default:
			cmds = append(cmds, apply.NewDeleteCmd(0, change.Table, pkPred))
			results = append(results, apply.CommandResult{Cmd: apply.CmdDelete, RowsAffected: 1})
		}
	}
	batch := apply.NewCommandBatch(tx.db.Machine.NextCommandID(), cmds...)
	if err = tx.db.wal.Append(batch); err != nil {
		return err
	}
	tx.db.Machine.RecordApplied(batch, &apply.BatchResult{ID: batch.ID, Results: results, FailedAt: -1})
	return nil
}
