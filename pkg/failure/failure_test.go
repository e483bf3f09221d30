package failure

import (
	"context"
	"testing"

	"github.com/dakota-project/evalsched/pkg/evalcore"
)

func mkPair(id evalcore.EvalID, x float64) evalcore.Pair {
	vars := evalcore.NewVariables([]float64{x}, nil, nil)
	set, _ := evalcore.NewActiveSet([]uint8{1}, nil)
	return evalcore.Pair{EvalID: id, InterfaceID: "rosenbrock", Vars: vars, Set: set}
}

type alwaysFails struct{ code int }

func (a alwaysFails) Execute(ctx context.Context, p evalcore.Pair) (*evalcore.Response, error) {
	return nil, &Failure{Code: a.code}
}

type succeedsAfterN struct {
	n       int
	attempt int
}

func (s *succeedsAfterN) Execute(ctx context.Context, p evalcore.Pair) (*evalcore.Response, error) {
	s.attempt++
	if s.attempt <= s.n {
		return nil, &Failure{Code: 1}
	}
	resp := evalcore.NewOwningResponse(p.Set, 1)
	_ = resp.SetValue(0, 42)
	return resp, nil
}

func TestAbortPolicyReturnsError(t *testing.T) {
	m := New(Config{Policy: PolicyAbort}, nil)
	_, err := m.Handle(context.Background(), alwaysFails{code: 7}, mkPair(1, 1))
	if err == nil {
		t.Fatal("expected abort to return an error")
	}
}

func TestRetryPolicySucceedsWithinLimit(t *testing.T) {
	m := New(Config{Policy: PolicyRetry, RetryLimit: 3}, nil)
	exec := &succeedsAfterN{n: 2}
	resp, err := m.Handle(context.Background(), exec, mkPair(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Value(0) != 42 {
		t.Fatalf("unexpected response: %v", resp.Value(0))
	}
}

func TestRetryPolicyExhaustsAndAborts(t *testing.T) {
	m := New(Config{Policy: PolicyRetry, RetryLimit: 2}, nil)
	_, err := m.Handle(context.Background(), alwaysFails{code: 1}, mkPair(1, 1))
	if err == nil {
		t.Fatal("expected retry exhaustion to abort")
	}
}

func TestRecoverPolicyZeroesGradientsAndHessians(t *testing.T) {
	m := New(Config{Policy: PolicyRecover, RecoverValue: []float64{1.5}}, nil)
	resp, err := m.Handle(context.Background(), alwaysFails{code: 1}, mkPair(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Value(0) != 1.5 {
		t.Fatalf("expected recover value 1.5, got %v", resp.Value(0))
	}
	if resp.Gradient(0) != nil {
		t.Fatalf("expected zeroed/nil gradient, got %v", resp.Gradient(0))
	}
}

type fakeHistory struct {
	pairs []evalcore.Pair
}

func (h fakeHistory) All(fn func(evalcore.Pair)) {
	for _, p := range h.pairs {
		fn(p)
	}
}

func TestContinuationDeliversFurthestSuccessfulStep(t *testing.T) {
	neighbourResp := evalcore.NewOwningResponse(mkPair(0, 0).Set, 1)
	_ = neighbourResp.SetValue(0, 0)
	neighbour := mkPair(0, 0)
	neighbour.Resp = neighbourResp

	hist := fakeHistory{pairs: []evalcore.Pair{neighbour}}
	m := New(Config{Policy: PolicyContinuation, ContinuationMax: 4}, hist)

	target := mkPair(5, 10)
	// Fails at or above 9.9, just short of the target value (10), so
	// continuation must bisect in from the neighbour and stop just short
	// of it rather than delivering the target directly.
	exec := &failsNearTarget{threshold: 9.9}
	resp, err := m.Handle(context.Background(), exec, target)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Value(0) >= 9.9 {
		t.Fatalf("expected a successful intermediate step below the failure threshold, got %v", resp.Value(0))
	}
	if resp.Value(0) <= 0 {
		t.Fatalf("expected continuation to make forward progress from the neighbour, got %v", resp.Value(0))
	}
}

func TestContinuationAbortsWhenNoProgressPossible(t *testing.T) {
	neighbour := mkPair(0, 0)
	neighbourResp := evalcore.NewOwningResponse(neighbour.Set, 1)
	_ = neighbourResp.SetValue(0, 0)
	neighbour.Resp = neighbourResp

	hist := fakeHistory{pairs: []evalcore.Pair{neighbour}}
	m := New(Config{Policy: PolicyContinuation, ContinuationMax: 4}, hist)

	target := mkPair(5, 10)
	exec := alwaysFails{code: 1}
	_, err := m.Handle(context.Background(), exec, target)
	if err == nil {
		t.Fatal("expected continuation to escalate to abort when every step fails")
	}
}

type failsNearTarget struct {
	threshold float64
}

func (f *failsNearTarget) Execute(ctx context.Context, p evalcore.Pair) (*evalcore.Response, error) {
	if len(p.Vars.Continuous) > 0 && p.Vars.Continuous[0] >= f.threshold {
		return nil, &Failure{Code: 1}
	}
	resp := evalcore.NewOwningResponse(p.Set, 1)
	_ = resp.SetValue(0, p.Vars.Continuous[0])
	return resp, nil
}
