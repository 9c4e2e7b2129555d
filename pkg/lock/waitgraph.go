package lock

import "sort"

// The wait-for graph is derived from the lock queues: every ungranted
// request waits for the granted holders of its key. Cycles are searched
// only from the transaction that just blocked, since any new cycle must
// pass through the newest edge.

func (mgr *Manager) edgesLocked() map[uint64][]uint64 {
	edges := make(map[uint64][]uint64)
	for _, kl := range mgr.keys {
		for _, req := range kl.queue {
			if req.granted {
				continue
			}
			for _, holder := range kl.holders(req.txnID) {
				edges[req.txnID] = append(edges[req.txnID], holder)
			}
		}
	}
	for waiter := range edges {
		sort.Slice(edges[waiter], func(i, j int) bool { return edges[waiter][i] < edges[waiter][j] })
	}
	return edges
}

// detectLocked runs a colored DFS from start. If a cycle through start is
// found, it returns the victim: the largest transaction id in the cycle
// (the youngest dies).
func (mgr *Manager) detectLocked(start uint64) (victim uint64, found bool) {
	edges := mgr.edgesLocked()
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[uint64]int)
	stack := make([]uint64, 0, 8)

	var dfs func(tx uint64) bool
	dfs = func(tx uint64) bool {
		color[tx] = grey
		stack = append(stack, tx)
		for _, next := range edges[tx] {
			if next == start && len(stack) > 0 {
				return true
			}
			if color[next] == white {
				if dfs(next) {
					return true
				}
			}
		}
		color[tx] = black
		stack = stack[:len(stack)-1]
		return false
	}
	if !dfs(start) {
		return 0, false
	}
	for _, tx := range stack {
		if tx > victim {
			victim = tx
		}
	}
	return victim, true
}
