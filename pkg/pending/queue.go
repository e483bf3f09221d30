// Package pending implements the ordered queue of evaluation requests
// awaiting dispatch or in flight, with a side hash index on Fingerprint
// for O(1) duplicate detection.
//
// A primary ordered structure plus auxiliary index maps guarded by one
// mutex, as an insertion-ordered slice rather than a ring buffer since
// the pending queue removes entries once delivered rather than wrapping.
package pending

import (
	"sync"

	"github.com/dakota-project/evalsched/pkg/evalcore"
)

// Queue is an ordered multiset of Pairs with a fingerprint index.
// Assignment/duplicate-of bookkeeping is tracked out-of-band by the
// scheduler; Queue itself only knows "present or not".
type Queue struct {
	mu      sync.Mutex
	order   []evalcore.EvalID // insertion order, for static scheduling
	byID    map[evalcore.EvalID]evalcore.Pair
	byFP    map[uint64][]evalcore.EvalID
}

// New builds an empty pending queue.
func New() *Queue {
	return &Queue{
		byID: make(map[evalcore.EvalID]evalcore.Pair),
		byFP: make(map[uint64][]evalcore.EvalID),
	}
}

// Enqueue adds p to the back of the queue.
func (q *Queue) Enqueue(p evalcore.Pair) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = append(q.order, p.EvalID)
	q.byID[p.EvalID] = p
	key := p.Fingerprint().Key
	q.byFP[key] = append(q.byFP[key], p.EvalID)
}

// Dequeue removes and returns the Pair with the given eval_id, if present.
func (q *Queue) Dequeue(id evalcore.EvalID) (evalcore.Pair, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.byID[id]
	if !ok {
		return evalcore.Pair{}, false
	}
	delete(q.byID, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	key := p.Fingerprint().Key
	ids := q.byFP[key]
	for i, oid := range ids {
		if oid == id {
			q.byFP[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(q.byFP[key]) == 0 {
		delete(q.byFP, key)
	}
	return p, true
}

// FindByFingerprint returns every pending Pair whose Fingerprint matches
// fp exactly (bucket collisions are resolved by Fingerprint.Equal).
func (q *Queue) FindByFingerprint(fp evalcore.Fingerprint) []evalcore.Pair {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []evalcore.Pair
	for _, id := range q.byFP[fp.Key] {
		p := q.byID[id]
		if p.Fingerprint().Equal(fp) {
			out = append(out, p)
		}
	}
	return out
}

// FindByEvalID returns the pending Pair for id, if present.
func (q *Queue) FindByEvalID(id evalcore.EvalID) (evalcore.Pair, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.byID[id]
	return p, ok
}

// Ordered returns eval_ids in insertion order; callers must not mutate the
// returned slice.
func (q *Queue) Ordered() []evalcore.EvalID {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]evalcore.EvalID, len(q.order))
	copy(out, q.order)
	return out
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
