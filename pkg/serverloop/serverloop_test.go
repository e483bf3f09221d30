package serverloop

import (
	"context"
	"testing"
	"time"

	"github.com/dakota-project/evalsched/pkg/evalcore"
	"github.com/dakota-project/evalsched/pkg/framing"
	"github.com/dakota-project/evalsched/pkg/transport"
)

type doublingSimulator struct{}

func (doublingSimulator) Execute(ctx context.Context, p evalcore.Pair) (*evalcore.Response, error) {
	resp := evalcore.NewOwningResponse(p.Set, 1)
	v := 0.0
	if len(p.Vars.Continuous) > 0 {
		v = p.Vars.Continuous[0] * 2
	}
	_ = resp.SetValue(0, v)
	return resp, nil
}

func TestSynchronousLoopRespondsThenTerminates(t *testing.T) {
	mesh := transport.NewInProcessMesh(2)
	master, server := mesh[0], mesh[1]

	loop := New(Synchronous, server, doublingSimulator{}, 0)
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(context.Background()) }()

	ctx := context.Background()
	vars := evalcore.NewVariables([]float64{3}, nil, nil)
	set, _ := evalcore.NewActiveSet([]uint8{1}, nil)
	buf := framing.PackVarsActiveSet(vars, set, 1)

	sh, err := master.ISend(ctx, 1, transport.Message{Tag: 1, Body: buf})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := master.Wait(ctx, sh); err != nil {
		t.Fatal(err)
	}
	rh, err := master.IRecv(ctx, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := master.Wait(ctx, rh)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := framing.UnpackResponse(msg.Body, set)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Value(0) != 6 {
		t.Fatalf("expected 6, got %v", resp.Value(0))
	}

	if err := master.Broadcast(ctx, transport.Message{Tag: transport.TerminationTag}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server loop did not exit after termination broadcast")
	}
}

func TestAsynchronousLoopOverlapsJobs(t *testing.T) {
	mesh := transport.NewInProcessMesh(2)
	master, server := mesh[0], mesh[1]

	loop := New(Asynchronous, server, doublingSimulator{}, 0, WithAsyncConcurrency(2))
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(context.Background()) }()

	ctx := context.Background()
	set, _ := evalcore.NewActiveSet([]uint8{1}, nil)
	for i := 1; i <= 3; i++ {
		vars := evalcore.NewVariables([]float64{float64(i)}, nil, nil)
		buf := framing.PackVarsActiveSet(vars, set, evalcore.EvalID(i))
		sh, err := master.ISend(ctx, 1, transport.Message{Tag: int32(i), Body: buf})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := master.Wait(ctx, sh); err != nil {
			t.Fatal(err)
		}
	}

	got := make(map[int32]float64)
	for i := 0; i < 3; i++ {
		rh, err := master.IRecv(ctx, 1, -1)
		if err != nil {
			t.Fatal(err)
		}
		msg, err := master.Wait(ctx, rh)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := framing.UnpackResponse(msg.Body, set)
		if err != nil {
			t.Fatal(err)
		}
		got[msg.Tag] = resp.Value(0)
	}
	for i := int32(1); i <= 3; i++ {
		want := float64(i) * 2
		if got[i] != want {
			t.Fatalf("eval %d: want %v got %v", i, want, got[i])
		}
	}

	if err := master.Broadcast(ctx, transport.Message{Tag: transport.TerminationTag}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async loop did not exit after termination broadcast")
	}
}
