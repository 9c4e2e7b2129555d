package apply

import "fmt"

// CommandResult is the per-command outcome inside a successful batch.
type CommandResult struct {
	Cmd          int16
	RowsAffected uint32
	TxID         uint64
}

// BatchResult is the recorded outcome of a batch. It is cached under the
// batch id for idempotent replay; a failed batch records the error and the
// index of the failing command, and is still consumed.
type BatchResult struct {
	ID          uint64
	Results     []CommandResult
	Err         string
	FailedAt    int
	Synthesized bool
}

func (res *BatchResult) OK() bool { return res.Err == "" }

func (res *BatchResult) String() string {
	if res.Synthesized {
		return fmt.Sprintf("Result-%d{already applied}", res.ID)
	}
	if !res.OK() {
		return fmt.Sprintf("Result-%d{failed at %d: %s}", res.ID, res.FailedAt, res.Err)
	}
	return fmt.Sprintf("Result-%d{%d commands}", res.ID, len(res.Results))
}

func synthesized(id uint64) *BatchResult {
	return &BatchResult{ID: id, FailedAt: -1, Synthesized: true}
}
