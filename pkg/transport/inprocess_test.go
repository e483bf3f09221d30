package transport

import (
	"context"
	"testing"
	"time"
)

func TestInProcessMeshSendRecv(t *testing.T) {
	mesh := NewInProcessMesh(2)
	ctx := context.Background()

	rh, err := mesh[1].IRecv(ctx, 0, 7)
	if err != nil {
		t.Fatal(err)
	}
	sh, err := mesh[0].ISend(ctx, 1, Message{Tag: 7, Body: []byte("hello")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mesh[0].Wait(ctx, sh); err != nil {
		t.Fatal(err)
	}
	msg, err := mesh[1].Wait(ctx, rh)
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Body) != "hello" || msg.Tag != 7 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestInProcessMeshSendBeforeRecv(t *testing.T) {
	mesh := NewInProcessMesh(2)
	ctx := context.Background()

	sh, err := mesh[0].ISend(ctx, 1, Message{Tag: 3, Body: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mesh[0].Wait(ctx, sh); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond) // let the dispatcher buffer it

	rh, err := mesh[1].IRecv(ctx, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := mesh[1].Wait(ctx, rh)
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Body) != "x" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestInProcessMeshWaitAny(t *testing.T) {
	mesh := NewInProcessMesh(3)
	ctx := context.Background()

	h1, _ := mesh[0].IRecv(ctx, 1, -1)
	h2, _ := mesh[0].IRecv(ctx, 2, -1)

	sh, _ := mesh[2].ISend(ctx, 0, Message{Tag: 1, Body: []byte("from2")})
	mesh[2].Wait(ctx, sh)

	idx, msg, err := mesh[0].WaitAny(ctx, []Handle{h1, h2})
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 || string(msg.Body) != "from2" {
		t.Fatalf("expected handle 2 (index 1) to be ready, got idx=%d msg=%+v", idx, msg)
	}
}

func TestInProcessMeshBroadcast(t *testing.T) {
	mesh := NewInProcessMesh(3)
	ctx := context.Background()

	h1, _ := mesh[1].IRecv(ctx, 0, TerminationTag)
	h2, _ := mesh[2].IRecv(ctx, 0, TerminationTag)

	if err := mesh[0].Broadcast(ctx, Message{Tag: TerminationTag}); err != nil {
		t.Fatal(err)
	}
	if _, err := mesh[1].Wait(ctx, h1); err != nil {
		t.Fatal(err)
	}
	if _, err := mesh[2].Wait(ctx, h2); err != nil {
		t.Fatal(err)
	}
}

func TestInProcessMeshTestNotReady(t *testing.T) {
	mesh := NewInProcessMesh(2)
	ctx := context.Background()
	h, _ := mesh[1].IRecv(ctx, 0, 1)
	if _, err := mesh[1].Test(h); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}
