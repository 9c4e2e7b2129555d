package raft

import (
	"errors"
	"fmt"
)

var (
	ErrOverloaded         = errors.New("rsdb: propose queue full")
	ErrReplicationTimeout = errors.New("rsdb: replication timeout")
	ErrBootstrapExists    = errors.New("rsdb: bootstrap refused, persistent state exists")
	ErrStopped            = errors.New("rsdb: consensus bridge stopped")
	ErrLogCorrupted       = errors.New("rsdb: consensus log corrupted")
	ErrStaleIndex         = errors.New("rsdb: log index not ahead of tail")
)

// NotLeaderError is returned to writes and linearizable reads on a
// follower. The hint carries the last known leader id.
type NotLeaderError struct {
	LeaderHint string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderHint == "" {
		return "rsdb: not leader"
	}
	return fmt.Sprintf("rsdb: not leader, try %s", e.LeaderHint)
}

// IsNotLeader reports whether err is a leader redirect.
func IsNotLeader(err error) bool {
	var nl *NotLeaderError
	return errors.As(err, &nl)
}
