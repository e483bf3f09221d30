package appinterface

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dakota-project/evalsched/pkg/cache"
	"github.com/dakota-project/evalsched/pkg/evalcore"
	"github.com/dakota-project/evalsched/pkg/failure"
	"github.com/dakota-project/evalsched/pkg/framing"
	"github.com/dakota-project/evalsched/pkg/journal"
	"github.com/dakota-project/evalsched/pkg/pending"
	"github.com/dakota-project/evalsched/pkg/scheduler"
	"github.com/dakota-project/evalsched/pkg/transport"
)

type doublingSimulator struct{ calls int }

func (s *doublingSimulator) Execute(ctx context.Context, p evalcore.Pair) (*evalcore.Response, error) {
	s.calls++
	resp := evalcore.NewOwningResponse(p.Set, 1)
	v := 0.0
	if len(p.Vars.Continuous) > 0 {
		v = p.Vars.Continuous[0] * 2
	}
	_ = resp.SetValue(0, v)
	return resp, nil
}

func newTestInterface(t *testing.T, sim scheduler.Simulator) *Interface {
	t.Helper()
	path := t.TempDir() + "/restart.bin"
	j, err := journal.New(&journal.Config{Path: path, FlushOnWrite: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close(); os.Remove(path) })
	q := pending.New()
	c := cache.New(nil, nil, nil)
	sched := scheduler.New(scheduler.PolicyLocalSync, 0, nil, sim, q)
	return New(Config{InterfaceID: "rosenbrock", CacheEnabled: true}, c, j, q, sched, nil, sim)
}

func vs(x float64) (evalcore.Variables, evalcore.ActiveSet) {
	set, _ := evalcore.NewActiveSet([]uint8{1}, nil)
	return evalcore.NewVariables([]float64{x}, nil, nil), set
}

func TestMapSynchronousExecutesAndCaches(t *testing.T) {
	sim := &doublingSimulator{}
	ifc := newTestInterface(t, sim)
	vars, set := vs(3)
	id, resp, err := ifc.Map(context.Background(), vars, set, false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Value(0) != 6 {
		t.Fatalf("expected 6, got %v", resp.Value(0))
	}
	if id != 1 {
		t.Fatalf("expected first eval_id 1, got %d", id)
	}
}

func TestMapCacheHitSkipsSimulator(t *testing.T) {
	sim := &doublingSimulator{}
	ifc := newTestInterface(t, sim)
	vars, set := vs(3)

	if _, _, err := ifc.Map(context.Background(), vars, set, false); err != nil {
		t.Fatal(err)
	}
	callsAfterFirst := sim.calls

	_, resp, err := ifc.Map(context.Background(), vars, set, false)
	if err != nil {
		t.Fatal(err)
	}
	if sim.calls != callsAfterFirst {
		t.Fatalf("expected cache hit to skip the simulator, calls went from %d to %d", callsAfterFirst, sim.calls)
	}
	if resp.Value(0) != 6 {
		t.Fatalf("expected cached value 6, got %v", resp.Value(0))
	}
}

func TestMapAsyncEnqueuesThenSynchronizeDelivers(t *testing.T) {
	sim := &doublingSimulator{}
	ifc := newTestInterface(t, sim)
	vars, set := vs(4)

	id, resp, err := ifc.Map(context.Background(), vars, set, true)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatalf("expected nil response for an enqueued async request, got %+v", resp)
	}

	out, err := ifc.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got, ok := out[id]
	if !ok {
		t.Fatalf("expected eval %d in synchronize result", id)
	}
	if got.Value(0) != 8 {
		t.Fatalf("expected 8, got %v", got.Value(0))
	}
}

func TestMapAsyncPendingDuplicateClonesResult(t *testing.T) {
	sim := &doublingSimulator{}
	ifc := newTestInterface(t, sim)
	vars, set := vs(5)

	id1, _, err := ifc.Map(context.Background(), vars, set, true)
	if err != nil {
		t.Fatal(err)
	}
	id2, resp2, err := ifc.Map(context.Background(), vars, set, true)
	if err != nil {
		t.Fatal(err)
	}
	if resp2 != nil {
		t.Fatalf("expected pending-duplicate map call to return nil until synchronize")
	}

	out, err := ifc.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out[id1].Value(0) != out[id2].Value(0) {
		t.Fatalf("expected duplicate eval_ids to share the same delivered value")
	}
	if sim.calls != 1 {
		t.Fatalf("expected the simulator to run exactly once for a pending-duplicate pair, ran %d times", sim.calls)
	}
}

func TestFatalFailurePropagatesAsFacadeError(t *testing.T) {
	path := t.TempDir() + "/restart.bin"
	j, err := journal.New(&journal.Config{Path: path, FlushOnWrite: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	q := pending.New()
	c := cache.New(nil, nil, nil)
	failing := failingSimulator{}
	sched := scheduler.New(scheduler.PolicyLocalSync, 0, nil, failing, q)
	failMgr := failure.New(failure.Config{Policy: failure.PolicyAbort}, nil)
	ifc := New(Config{InterfaceID: "flaky", CacheEnabled: true}, c, j, q, sched, failMgr, failing)

	vars, set := vs(1)
	_, _, err = ifc.Map(context.Background(), vars, set, false)
	if err == nil {
		t.Fatal("expected a fatal failure error")
	}
	fe, ok := err.(*FacadeError)
	if !ok {
		t.Fatalf("expected *FacadeError, got %T", err)
	}
	if fe.Kind != KindFatalFailure {
		t.Fatalf("expected KindFatalFailure, got %v", fe.Kind)
	}
}

type failingSimulator struct{}

func (failingSimulator) Execute(ctx context.Context, p evalcore.Pair) (*evalcore.Response, error) {
	return nil, &failure.Failure{Code: 1}
}

// gatedEchoServer answers a master-dynamic request only once the
// release channel for its eval_id is closed, doubling the first
// continuous variable into a one-response value.
func gatedEchoServer(t *testing.T, ep transport.Transport, release map[evalcore.EvalID]chan struct{}, done <-chan struct{}) {
	ctx := context.Background()
	for {
		h, err := ep.IRecv(ctx, -1, -1)
		if err != nil {
			return
		}
		msg, err := ep.Wait(ctx, h)
		if err != nil {
			return
		}
		if msg.Tag == transport.TerminationTag {
			return
		}
		id, vars, set, err := framing.UnpackVarsActiveSet(msg.Body)
		if err != nil {
			t.Errorf("gatedEchoServer: decode request: %v", err)
			return
		}
		go func() {
			select {
			case <-release[id]:
			case <-done:
				return
			}
			resp := evalcore.NewOwningResponse(set, 1)
			v := 0.0
			if len(vars.Continuous) > 0 {
				v = vars.Continuous[0] * 2
			}
			_ = resp.SetValue(0, v)
			buf := framing.PackResponse(resp)
			sh, err := ep.ISend(ctx, 0, transport.Message{Tag: int32(id), Body: buf})
			if err != nil {
				return
			}
			ep.Wait(ctx, sh)
		}()
	}
}

// pollForReady retries fn until id shows up in its result or the deadline
// passes, so the test doesn't depend on a fixed sleep to let a gated
// server's response cross the transport.
func pollForReady(t *testing.T, fn func() (map[evalcore.EvalID]*evalcore.Response, error), id evalcore.EvalID) map[evalcore.EvalID]*evalcore.Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		out, err := fn()
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := out[id]; ok {
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("eval %d never became ready", id)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSynchronizeNowaitDeliversReadyOnly(t *testing.T) {
	mesh := transport.NewInProcessMesh(2) // rank 0 = master, rank 1 = server
	path := t.TempDir() + "/restart.bin"
	j, err := journal.New(&journal.Config{Path: path, FlushOnWrite: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	q := pending.New()
	c := cache.New(nil, nil, nil)
	sched := scheduler.New(scheduler.PolicyMasterDynamic, 1, mesh[0], nil, q)
	ifc := New(Config{InterfaceID: "rosenbrock", CacheEnabled: true}, c, j, q, sched, nil, nil)

	release := map[evalcore.EvalID]chan struct{}{
		1: make(chan struct{}),
		2: make(chan struct{}),
	}
	done := make(chan struct{})
	defer close(done)
	go gatedEchoServer(t, mesh[1], release, done)

	vars1, set1 := vs(1)
	id1, resp, err := ifc.Map(context.Background(), vars1, set1, true)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatalf("expected nil response for an enqueued async request, got %+v", resp)
	}
	vars2, set2 := vs(2)
	id2, resp, err := ifc.Map(context.Background(), vars2, set2, true)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatalf("expected nil response for an enqueued async request, got %+v", resp)
	}

	// First poll seeds dispatch (the scheduler's backfill loop sends both
	// jobs out) but delivers nothing yet since neither has completed.
	out, err := ifc.SynchronizeNowait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no responses before either eval completes, got %+v", out)
	}

	close(release[id1])
	out = pollForReady(t, func() (map[evalcore.EvalID]*evalcore.Response, error) {
		return ifc.SynchronizeNowait(context.Background())
	}, id1)
	if _, ok := out[id2]; ok {
		t.Fatalf("eval %d should not be ready yet, got %+v", id2, out)
	}
	if got := out[id1].Value(0); got != 2 {
		t.Fatalf("eval %d: want 2 got %v", id1, got)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one eval still queued, got %d", q.Len())
	}

	close(release[id2])
	out = pollForReady(t, func() (map[evalcore.EvalID]*evalcore.Response, error) {
		return ifc.SynchronizeNowait(context.Background())
	}, id2)
	if got := out[id2].Value(0); got != 4 {
		t.Fatalf("eval %d: want 4 got %v", id2, got)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue drained, got %d remaining", q.Len())
	}
}
