package framing

import (
	"testing"

	"github.com/dakota-project/evalsched/pkg/evalcore"
)

func TestPackUnpackVarsRoundTrip(t *testing.T) {
	v := evalcore.NewVariables([]float64{1.5, -2.25}, []int64{7}, []string{"alpha", "beta"})
	got, err := UnpackVars(PackVars(v))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(got) {
		t.Fatalf("round trip mismatch: got %v want %v", got, v)
	}
}

func TestPackUnpackActiveSetRoundTrip(t *testing.T) {
	s, _ := evalcore.NewActiveSet([]uint8{evalcore.ReqValue | evalcore.ReqGradient, evalcore.ReqHessian}, []int{0, 2})
	got, err := UnpackActiveSet(PackActiveSet(s))
	if err != nil {
		t.Fatal(err)
	}
	if !s.Equal(got) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, s)
	}
}

func TestPackUnpackVarsActiveSetRoundTrip(t *testing.T) {
	v := evalcore.NewVariables([]float64{3.0}, nil, nil)
	s, _ := evalcore.NewActiveSet([]uint8{evalcore.ReqValue}, nil)
	id, gotV, gotS, err := UnpackVarsActiveSet(PackVarsActiveSet(v, s, 42))
	if err != nil {
		t.Fatal(err)
	}
	if id != 42 || !v.Equal(gotV) || !s.Equal(gotS) {
		t.Fatalf("round trip mismatch")
	}
}

func TestPackUnpackResponseRoundTrip(t *testing.T) {
	set, _ := evalcore.NewActiveSet([]uint8{evalcore.ReqValue | evalcore.ReqGradient | evalcore.ReqHessian}, []int{0, 1})
	resp := evalcore.NewOwningResponse(set, 1)
	_ = resp.SetValue(0, 9.5)
	_ = resp.SetGradient(0, []float64{1, 2})
	_ = resp.SetHessian(0, [][]float64{{1, 0}, {0, 1}})

	got, err := UnpackResponse(PackResponse(resp), set)
	if err != nil {
		t.Fatal(err)
	}
	if got.Value(0) != 9.5 {
		t.Fatalf("value mismatch: %v", got.Value(0))
	}
	if g := got.Gradient(0); len(g) != 2 || g[0] != 1 || g[1] != 2 {
		t.Fatalf("gradient mismatch: %v", g)
	}
	if h := got.Hessian(0); len(h) != 2 || h[0][0] != 1 || h[1][1] != 1 {
		t.Fatalf("hessian mismatch: %v", h)
	}
}

func TestPackUnpackPairRoundTrip(t *testing.T) {
	set, _ := evalcore.NewActiveSet([]uint8{evalcore.ReqValue}, nil)
	vars := evalcore.NewVariables([]float64{1, 2}, nil, nil)
	resp := evalcore.NewOwningResponse(set, 1)
	_ = resp.SetValue(0, 4)
	p := evalcore.Pair{EvalID: 5, InterfaceID: "sim1", Vars: vars, Set: set, Resp: resp}

	got, err := UnpackPair(PackPair(p))
	if err != nil {
		t.Fatal(err)
	}
	if got.EvalID != p.EvalID || got.InterfaceID != p.InterfaceID || !got.Vars.Equal(p.Vars) {
		t.Fatalf("pair round trip mismatch: %+v", got)
	}
	if got.Resp.Value(0) != 4 {
		t.Fatalf("response value mismatch: %v", got.Resp.Value(0))
	}
}

func TestMaxLengthsPositive(t *testing.T) {
	lens := MaxLengths(Shape{NumContinuous: 3, NumDiscrete: 1, NumLabels: 0, NumResponses: 2, NumDVV: 3})
	for i, l := range lens {
		if l <= 0 {
			t.Fatalf("expected positive length bound at index %d, got %d", i, l)
		}
	}
}
