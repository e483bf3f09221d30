package pending

import (
	"testing"

	"github.com/dakota-project/evalsched/pkg/evalcore"
)

func pair(id evalcore.EvalID, x float64) evalcore.Pair {
	set, _ := evalcore.NewActiveSet([]uint8{evalcore.ReqValue}, nil)
	vars := evalcore.NewVariables([]float64{x}, nil, nil)
	return evalcore.Pair{Vars: vars, InterfaceID: "iface", Set: set, EvalID: id}
}

func TestEnqueueDequeueOrder(t *testing.T) {
	q := New()
	q.Enqueue(pair(1, 1))
	q.Enqueue(pair(2, 2))
	q.Enqueue(pair(3, 3))

	order := q.Ordered()
	if len(order) != 3 || order[0] != 1 || order[2] != 3 {
		t.Fatalf("unexpected order: %v", order)
	}

	p, ok := q.Dequeue(2)
	if !ok || p.EvalID != 2 {
		t.Fatalf("expected to dequeue eval id 2")
	}
	order = q.Ordered()
	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Fatalf("unexpected order after dequeue: %v", order)
	}
}

func TestFindByFingerprint(t *testing.T) {
	q := New()
	p1 := pair(1, 5)
	q.Enqueue(p1)
	matches := q.FindByFingerprint(p1.Fingerprint())
	if len(matches) != 1 || matches[0].EvalID != 1 {
		t.Fatalf("expected one match, got %v", matches)
	}

	other := pair(2, 6)
	if len(q.FindByFingerprint(other.Fingerprint())) != 0 {
		t.Fatalf("expected no match for different fingerprint")
	}
}

func TestFindByEvalID(t *testing.T) {
	q := New()
	q.Enqueue(pair(9, 1))
	if _, ok := q.FindByEvalID(9); !ok {
		t.Fatalf("expected to find eval id 9")
	}
	if _, ok := q.FindByEvalID(10); ok {
		t.Fatalf("did not expect to find eval id 10")
	}
}
