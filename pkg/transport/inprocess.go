package transport

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// InProcessMesh is the default Transport implementation: a channel-based
// mesh connecting ranks within one process. It is what the scheduler and
// server loop use in unit tests and in single-process deployments where
// "evaluation servers" are goroutines rather than separate OS processes.
type InProcessMesh struct {
	endpoints []*inProcessEndpoint
}

// NewInProcessMesh builds a fully connected mesh of size endpoints, rank
// 0..size-1, and returns one Transport handle per rank.
func NewInProcessMesh(size int) []Transport {
	m := &InProcessMesh{endpoints: make([]*inProcessEndpoint, size)}
	for i := 0; i < size; i++ {
		m.endpoints[i] = newInProcessEndpoint(i, size, m)
	}
	out := make([]Transport, size)
	for i, e := range m.endpoints {
		out[i] = e
	}
	return out
}

type rawMsg struct {
	from int
	msg  Message
}

type recvWaiter struct {
	src    int // -1 matches any
	tag    int32
	tagAny bool
	result chan rawMsg
}

type opState struct {
	kind   string // "send" or "recv"
	done   chan struct{}
	result Message
	err    error
}

type inProcessEndpoint struct {
	rank int
	size int
	mesh *InProcessMesh

	raw chan rawMsg

	mu       sync.Mutex
	buffered []rawMsg
	waiters  []*recvWaiter
	handles  map[Handle]*opState
	nextID   uint64
	closed   bool
	closeCh  chan struct{}
}

func newInProcessEndpoint(rank, size int, mesh *InProcessMesh) *inProcessEndpoint {
	e := &inProcessEndpoint{
		rank:    rank,
		size:    size,
		mesh:    mesh,
		raw:     make(chan rawMsg, 64),
		handles: make(map[Handle]*opState),
		closeCh: make(chan struct{}),
	}
	go e.dispatch()
	return e
}

// dispatch is the background loop that matches inbound raw messages
// against outstanding IRecv waiters, or buffers them until a matching
// IRecv arrives. This decouples send/receive ordering the way a real
// message-passing runtime's progress engine does.
func (e *inProcessEndpoint) dispatch() {
	for {
		select {
		case m := <-e.raw:
			e.mu.Lock()
			matched := false
			for i, w := range e.waiters {
				if (w.src < 0 || w.src == m.from) && (w.tagAny || w.tag == m.msg.Tag) {
					e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
					matched = true
					e.mu.Unlock()
					w.result <- m
					e.mu.Lock()
					break
				}
			}
			if !matched {
				e.buffered = append(e.buffered, m)
			}
			e.mu.Unlock()
		case <-e.closeCh:
			return
		}
	}
}

func (e *inProcessEndpoint) Rank() int { return e.rank }
func (e *inProcessEndpoint) Size() int { return e.size }

func (e *inProcessEndpoint) newHandle(kind string) (Handle, *opState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	h := Handle(e.nextID)
	st := &opState{kind: kind, done: make(chan struct{})}
	e.handles[h] = st
	return h, st
}

func (e *inProcessEndpoint) ISend(ctx context.Context, dest int, msg Message) (Handle, error) {
	if dest < 0 || dest >= e.size {
		return 0, fmt.Errorf("transport: send destination %d out of range [0,%d)", dest, e.size)
	}
	h, st := e.newHandle("send")
	destEP := e.mesh.endpoints[dest]
	go func() {
		select {
		case destEP.raw <- rawMsg{from: e.rank, msg: msg}:
		case <-ctx.Done():
			st.err = ctx.Err()
		case <-e.closeCh:
			st.err = ErrClosed
		}
		close(st.done)
	}()
	return h, nil
}

func (e *inProcessEndpoint) IRecv(ctx context.Context, src int, tag int32) (Handle, error) {
	h, st := e.newHandle("recv")

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		st.err = ErrClosed
		close(st.done)
		return h, nil
	}
	for i, m := range e.buffered {
		if (src < 0 || src == m.from) && (tag < 0 || tag == m.msg.Tag) {
			e.buffered = append(e.buffered[:i], e.buffered[i+1:]...)
			st.result = m.msg
			e.mu.Unlock()
			close(st.done)
			return h, nil
		}
	}
	w := &recvWaiter{src: src, tag: tag, tagAny: tag < 0, result: make(chan rawMsg, 1)}
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	go func() {
		select {
		case m := <-w.result:
			st.result = m.msg
		case <-ctx.Done():
			st.err = ctx.Err()
		case <-e.closeCh:
			st.err = ErrClosed
		}
		close(st.done)
	}()
	return h, nil
}

func (e *inProcessEndpoint) Wait(ctx context.Context, h Handle) (Message, error) {
	e.mu.Lock()
	st, ok := e.handles[h]
	e.mu.Unlock()
	if !ok {
		return Message{}, fmt.Errorf("transport: unknown handle %d", h)
	}
	select {
	case <-st.done:
		return st.result, st.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (e *inProcessEndpoint) WaitAny(ctx context.Context, handles []Handle) (int, Message, error) {
	if len(handles) == 0 {
		return -1, Message{}, fmt.Errorf("transport: WaitAny called with no handles")
	}
	states := make([]*opState, len(handles))
	e.mu.Lock()
	for i, h := range handles {
		st, ok := e.handles[h]
		if !ok {
			e.mu.Unlock()
			return -1, Message{}, fmt.Errorf("transport: unknown handle %d", h)
		}
		states[i] = st
	}
	e.mu.Unlock()

	// Fast path: a handle may already be done (common when several
	// responses arrive back-to-back); scan in handle-index order so ties
	// break toward the lowest index.
	for i, st := range states {
		select {
		case <-st.done:
			return i, st.result, st.err
		default:
		}
	}

	cases := make([]reflect.SelectCase, len(states)+1)
	for i, st := range states {
		cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(st.done)}
	}
	cases[len(states)] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())}
	chosen, _, _ := reflect.Select(cases)
	if chosen == len(states) {
		return -1, Message{}, ctx.Err()
	}
	return chosen, states[chosen].result, states[chosen].err
}

func (e *inProcessEndpoint) Test(h Handle) (Message, error) {
	e.mu.Lock()
	st, ok := e.handles[h]
	e.mu.Unlock()
	if !ok {
		return Message{}, fmt.Errorf("transport: unknown handle %d", h)
	}
	select {
	case <-st.done:
		return st.result, st.err
	default:
		return Message{}, ErrNotReady
	}
}

func (e *inProcessEndpoint) Broadcast(ctx context.Context, msg Message) error {
	for r := 0; r < e.size; r++ {
		if r == e.rank {
			continue
		}
		h, err := e.ISend(ctx, r, msg)
		if err != nil {
			return err
		}
		if _, err := e.Wait(ctx, h); err != nil {
			return fmt.Errorf("transport: broadcast to rank %d: %w", r, err)
		}
	}
	return nil
}

func (e *inProcessEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.closeCh)
	return nil
}
