package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dakota-project/evalsched/pkg/evalcore"
	"github.com/dakota-project/evalsched/pkg/framing"
	"github.com/dakota-project/evalsched/pkg/pending"
	"github.com/dakota-project/evalsched/pkg/transport"
)

// echoSimulator doubles the first continuous variable into a one-response
// value, deterministically, so tests can assert on exact output.
type echoSimulator struct{}

func (echoSimulator) Execute(ctx context.Context, p evalcore.Pair) (*evalcore.Response, error) {
	resp := evalcore.NewOwningResponse(p.Set, 1)
	v := 0.0
	if len(p.Vars.Continuous) > 0 {
		v = p.Vars.Continuous[0] * 2
	}
	_ = resp.SetValue(0, v)
	return resp, nil
}

func buildPair(id evalcore.EvalID, x float64) evalcore.Pair {
	vars := evalcore.NewVariables([]float64{x}, nil, nil)
	set, _ := evalcore.NewActiveSet([]uint8{1}, nil)
	return evalcore.Pair{EvalID: id, InterfaceID: "rosenbrock", Vars: vars, Set: set}
}

// fakeServer answers every vars+active-set request it receives on a
// dedicated in-process transport endpoint with echoSimulator's response,
// simulating the server side of the master-dynamic protocol without
// pulling in pkg/serverloop (tested separately).
func fakeServer(t *testing.T, ep transport.Transport, done <-chan struct{}) {
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
			t.Errorf("fakeServer: decode request: %v", err)
			return
		}
		p := evalcore.Pair{EvalID: id, Vars: vars, Set: set}
		resp, _ := echoSimulator{}.Execute(ctx, p)
		buf := framing.PackResponse(resp)
		sh, err := ep.ISend(ctx, 0, transport.Message{Tag: int32(id), Body: buf})
		if err != nil {
			return
		}
		ep.Wait(ctx, sh)
		select {
		case <-done:
			return
		default:
		}
	}
}

// gatedServer answers each request only once its eval_id's release channel
// is closed, so a test can hold some evaluations in flight while letting
// others complete, to exercise SynchronizeNowait's partial-delivery path.
func gatedServer(t *testing.T, ep transport.Transport, release map[evalcore.EvalID]chan struct{}, done <-chan struct{}) {
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
			t.Errorf("gatedServer: decode request: %v", err)
			return
		}
		go func() {
			select {
			case <-release[id]:
			case <-done:
				return
			}
			p := evalcore.Pair{EvalID: id, Vars: vars, Set: set}
			resp, _ := echoSimulator{}.Execute(ctx, p)
			buf := framing.PackResponse(resp)
			sh, err := ep.ISend(ctx, 0, transport.Message{Tag: int32(id), Body: buf})
			if err != nil {
				return
			}
			ep.Wait(ctx, sh)
		}()
	}
}

// recordingServer behaves like fakeServer but also appends every eval_id it
// receives to *received, guarded by mu, so a test can assert on which
// evaluations were actually dispatched over the transport.
func recordingServer(t *testing.T, ep transport.Transport, mu *sync.Mutex, received *[]evalcore.EvalID, done <-chan struct{}) {
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
			t.Errorf("recordingServer: decode request: %v", err)
			return
		}
		mu.Lock()
		*received = append(*received, id)
		mu.Unlock()
		p := evalcore.Pair{EvalID: id, Vars: vars, Set: set}
		resp, _ := echoSimulator{}.Execute(ctx, p)
		buf := framing.PackResponse(resp)
		sh, err := ep.ISend(ctx, 0, transport.Message{Tag: int32(id), Body: buf})
		if err != nil {
			return
		}
		ep.Wait(ctx, sh)
		select {
		case <-done:
			return
		default:
		}
	}
}

// pollForReady retries fn until it reports id as delivered or the deadline
// passes, so the test doesn't depend on a fixed sleep to let the gated
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

func TestSynchronizeNowaitDeliversOnlyReady(t *testing.T) {
	mesh := transport.NewInProcessMesh(2) // rank 0 = master, rank 1 = server
	release := map[evalcore.EvalID]chan struct{}{
		1: make(chan struct{}),
		2: make(chan struct{}),
	}
	done := make(chan struct{})
	defer close(done)
	go gatedServer(t, mesh[1], release, done)

	q := pending.New()
	q.Enqueue(buildPair(1, 1))
	q.Enqueue(buildPair(2, 2))

	s := New(PolicyMasterDynamic, 1, mesh[0], nil, q)
	ctx := context.Background()
	if err := s.dispatchTo(ctx, 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.dispatchTo(ctx, 0, 2); err != nil {
		t.Fatal(err)
	}

	close(release[1])
	out := pollForReady(t, func() (map[evalcore.EvalID]*evalcore.Response, error) {
		return s.SynchronizeNowait(ctx)
	}, 1)
	if _, ok := out[2]; ok {
		t.Fatalf("eval 2 should not be ready yet, got %+v", out)
	}
	if q.Len() != 1 {
		t.Fatalf("expected eval 2 still queued, got len %d", q.Len())
	}

	close(release[2])
	out2 := pollForReady(t, func() (map[evalcore.EvalID]*evalcore.Response, error) {
		return s.SynchronizeNowait(ctx)
	}, 2)
	if out2[2].Value(0) != 4 {
		t.Fatalf("eval 2: want 4 got %v", out2[2].Value(0))
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue drained, got %d remaining", q.Len())
	}
}

func TestPeerDynamicInterleavesLocalAndRemote(t *testing.T) {
	mesh := transport.NewInProcessMesh(2) // rank 0 = local peer, rank 1 = remote server
	done := make(chan struct{})
	defer close(done)
	var mu sync.Mutex
	var received []evalcore.EvalID
	go recordingServer(t, mesh[1], &mu, &received, done)

	q := pending.New()
	for i := evalcore.EvalID(1); i <= 4; i++ {
		q.Enqueue(buildPair(i, float64(i)))
	}

	s := New(PolicyPeerDynamic, 1, mesh[0], echoSimulator{}, q)
	out, err := s.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 responses, got %d", len(out))
	}
	for i := evalcore.EvalID(1); i <= 4; i++ {
		want := float64(i) * 2
		if out[i].Value(0) != want {
			t.Fatalf("eval %d: want %v got %v", i, want, out[i].Value(0))
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range received {
		if id == 1 {
			t.Fatalf("eval 1 should have executed locally, not dispatched to the remote server")
		}
	}
	if len(received) != 3 {
		t.Fatalf("expected evals 2,3,4 dispatched to the remote server, got %v", received)
	}
}

func TestMasterDynamicSynchronize(t *testing.T) {
	mesh := transport.NewInProcessMesh(3) // rank 0 = master, ranks 1,2 = servers
	done := make(chan struct{})
	defer close(done)
	go fakeServer(t, mesh[1], done)
	go fakeServer(t, mesh[2], done)

	q := pending.New()
	for i := evalcore.EvalID(1); i <= 5; i++ {
		q.Enqueue(buildPair(i, float64(i)))
	}

	s := New(PolicyMasterDynamic, 2, mesh[0], nil, q)
	out, err := s.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 5 {
		t.Fatalf("expected 5 responses, got %d", len(out))
	}
	for i := evalcore.EvalID(1); i <= 5; i++ {
		resp, ok := out[i]
		if !ok {
			t.Fatalf("missing response for eval %d", i)
		}
		want := float64(i) * 2
		if resp.Value(0) != want {
			t.Fatalf("eval %d: want %v got %v", i, want, resp.Value(0))
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue drained, got %d remaining", q.Len())
	}
}

func TestPeerStaticSharesFirstFloorNOverS(t *testing.T) {
	mesh := transport.NewInProcessMesh(3) // rank 0 = peer 0, ranks 1,2 = peers
	done := make(chan struct{})
	defer close(done)
	go fakeServer(t, mesh[1], done)
	go fakeServer(t, mesh[2], done)

	q := pending.New()
	for i := evalcore.EvalID(1); i <= 7; i++ {
		q.Enqueue(buildPair(i, float64(i)))
	}

	s := New(PolicyPeerStatic, 2, mesh[0], echoSimulator{}, q)
	out, err := s.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 7 {
		t.Fatalf("expected 7 responses, got %d", len(out))
	}
}

func TestLocalSyncSerial(t *testing.T) {
	q := pending.New()
	for i := evalcore.EvalID(1); i <= 3; i++ {
		q.Enqueue(buildPair(i, float64(i)))
	}
	s := New(PolicyLocalSync, 0, nil, echoSimulator{}, q)
	out, err := s.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 || out[2].Value(0) != 4 {
		t.Fatalf("unexpected local-sync result: %+v", out)
	}
}

func TestLocalAsyncConcurrencyLimited(t *testing.T) {
	q := pending.New()
	for i := evalcore.EvalID(1); i <= 10; i++ {
		q.Enqueue(buildPair(i, float64(i)))
	}
	s := New(PolicyLocalAsync, 0, nil, echoSimulator{}, q, WithAsyncConcurrency(3))
	out, err := s.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 10 {
		t.Fatalf("expected 10 responses, got %d", len(out))
	}
}

func TestMinLoadPolicyTiesBreakLowestID(t *testing.T) {
	var lb MinLoadPolicy
	idx := lb.Pick([]int{2, 1, 1, 3})
	if idx != 1 {
		t.Fatalf("expected lowest-id tie winner at index 1, got %d", idx)
	}
}

func TestRoundRobinPolicyCycles(t *testing.T) {
	lb := &RoundRobinPolicy{}
	loads := []int{0, 0, 0}
	seen := []int{lb.Pick(loads), lb.Pick(loads), lb.Pick(loads), lb.Pick(loads)}
	want := []int{0, 1, 2, 0}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("round robin mismatch at %d: want %d got %d", i, want[i], seen[i])
		}
	}
}
