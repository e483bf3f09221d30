// Package wsmesh is a network-crossing Transport implementation for the
// dedicated-master layout: rank 0 (the master) runs a websocket Hub;
// every evaluation server dials in as a Remote. Point-to-point traffic
// only ever flows server<->master, which is exactly what the
// master-dynamic and analysis sub-scheduler protocols need, so a
// hub-and-spoke topology is sufficient — wsmesh does not attempt general
// peer-to-peer websocket connectivity.
//
// A hub struct holds live *websocket.Conn clients in a mutex-guarded map
// keyed by rank (a connection is not removed when its read loop ends),
// generalized here from browser-facing
// JSON event fan-out to rank-addressed binary request/response traffic
// authenticated with a handshake token rather than a session cookie.
package wsmesh

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"

	"github.com/dakota-project/evalsched/pkg/transport"
)

// TLSConfigFromACME builds a *tls.Config that provisions certificates
// on demand for domain via Let's Encrypt, caching them under cacheDir.
// Provided for deployments that expose the master's websocket listener
// outside a trusted cluster network; nothing in this module calls it.
func TLSConfigFromACME(domain, cacheDir string) *tls.Config {
	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domain),
		Cache:      autocert.DirCache(cacheDir),
	}
	return mgr.TLSConfig()
}

func encodeEnvelope(tag int32, body []byte) []byte {
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf[:4], uint32(tag))
	copy(buf[4:], body)
	return buf
}

func decodeEnvelope(buf []byte) (int32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("wsmesh: envelope too short")
	}
	return int32(binary.LittleEndian.Uint32(buf[:4])), buf[4:], nil
}

type rawMsg struct {
	from int
	msg  transport.Message
}

type recvWaiter struct {
	src    int
	tag    int32
	tagAny bool
	result chan rawMsg
}

type opState struct {
	done   chan struct{}
	result transport.Message
	err    error
}

// endpointCore is the dispatch/waiter bookkeeping shared by Hub and
// Remote, factored out so both sides implement transport.Transport
// identically once a rawMsg arrives from the network.
type endpointCore struct {
	rank, size int

	mu       sync.Mutex
	buffered []rawMsg
	waiters  []*recvWaiter
	handles  map[transport.Handle]*opState
	nextID   uint64
	closed   bool
	closeCh  chan struct{}
}

func newEndpointCore(rank, size int) *endpointCore {
	return &endpointCore{
		rank:    rank,
		size:    size,
		handles: make(map[transport.Handle]*opState),
		closeCh: make(chan struct{}),
	}
}

func (e *endpointCore) Rank() int { return e.rank }
func (e *endpointCore) Size() int { return e.size }

func (e *endpointCore) deliver(m rawMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.waiters {
		if (w.src < 0 || w.src == m.from) && (w.tagAny || w.tag == m.msg.Tag) {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			w.result <- m
			return
		}
	}
	e.buffered = append(e.buffered, m)
}

func (e *endpointCore) newHandle() (transport.Handle, *opState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	h := transport.Handle(e.nextID)
	st := &opState{done: make(chan struct{})}
	e.handles[h] = st
	return h, st
}

func (e *endpointCore) irecv(ctx context.Context, src int, tag int32) (transport.Handle, error) {
	h, st := e.newHandle()
	e.mu.Lock()
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
			st.err = transport.ErrClosed
		}
		close(st.done)
	}()
	return h, nil
}

func (e *endpointCore) wait(ctx context.Context, h transport.Handle) (transport.Message, error) {
	e.mu.Lock()
	st, ok := e.handles[h]
	e.mu.Unlock()
	if !ok {
		return transport.Message{}, fmt.Errorf("wsmesh: unknown handle %d", h)
	}
	select {
	case <-st.done:
		return st.result, st.err
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (e *endpointCore) waitAny(ctx context.Context, handles []transport.Handle) (int, transport.Message, error) {
	states := make([]*opState, len(handles))
	e.mu.Lock()
	for i, h := range handles {
		st, ok := e.handles[h]
		if !ok {
			e.mu.Unlock()
			return -1, transport.Message{}, fmt.Errorf("wsmesh: unknown handle %d", h)
		}
		states[i] = st
	}
	e.mu.Unlock()

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
		return -1, transport.Message{}, ctx.Err()
	}
	return chosen, states[chosen].result, states[chosen].err
}

func (e *endpointCore) test(h transport.Handle) (transport.Message, error) {
	e.mu.Lock()
	st, ok := e.handles[h]
	e.mu.Unlock()
	if !ok {
		return transport.Message{}, fmt.Errorf("wsmesh: unknown handle %d", h)
	}
	select {
	case <-st.done:
		return st.result, st.err
	default:
		return transport.Message{}, transport.ErrNotReady
	}
}

func (e *endpointCore) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.closeCh)
}

// Hub is the master-side (rank 0) endpoint of a dedicated-master websocket
// mesh.
type Hub struct {
	*endpointCore
	signer *transport.HandshakeSigner
	logger *slog.Logger

	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    map[int]*websocket.Conn
}

// NewHub builds a Hub for a communicator of the given size (including
// rank 0 itself). signer validates the handshake token each remote
// presents when it dials in.
func NewHub(size int, signer *transport.HandshakeSigner, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		endpointCore: newEndpointCore(0, size),
		signer:       signer,
		logger:       logger,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:        make(map[int]*websocket.Conn),
	}
}

// ServeHTTP upgrades an inbound connection, validates its handshake token,
// and starts a read loop for that remote rank.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	rank, err := h.signer.VerifyRank(token)
	if err != nil {
		http.Error(w, "invalid handshake token", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("wsmesh: upgrade failed", "rank", rank, "error", err)
		return
	}
	h.mu.Lock()
	h.conns[rank] = conn
	h.mu.Unlock()
	h.logger.Info("wsmesh: rank connected", "rank", rank)
	go h.readLoop(rank, conn)
}

func (h *Hub) readLoop(rank int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Warn("wsmesh: read loop ended", "rank", rank, "error", err)
			return
		}
		tag, body, err := decodeEnvelope(data)
		if err != nil {
			h.logger.Error("wsmesh: bad envelope", "rank", rank, "error", err)
			continue
		}
		h.deliver(rawMsg{from: rank, msg: transport.Message{Tag: tag, Body: body}})
	}
}

func (h *Hub) ISend(ctx context.Context, dest int, msg transport.Message) (transport.Handle, error) {
	handle, st := h.newHandle()
	h.mu.Lock()
	conn, ok := h.conns[dest]
	h.mu.Unlock()
	if !ok {
		st.err = fmt.Errorf("wsmesh: no connection for rank %d", dest)
		close(st.done)
		return handle, nil
	}
	go func() {
		err := conn.WriteMessage(websocket.BinaryMessage, encodeEnvelope(msg.Tag, msg.Body))
		st.err = err
		close(st.done)
	}()
	return handle, nil
}

func (h *Hub) IRecv(ctx context.Context, src int, tag int32) (transport.Handle, error) {
	return h.irecv(ctx, src, tag)
}
func (h *Hub) Wait(ctx context.Context, handle transport.Handle) (transport.Message, error) {
	return h.wait(ctx, handle)
}
func (h *Hub) WaitAny(ctx context.Context, handles []transport.Handle) (int, transport.Message, error) {
	return h.waitAny(ctx, handles)
}
func (h *Hub) Test(handle transport.Handle) (transport.Message, error) { return h.test(handle) }

func (h *Hub) Broadcast(ctx context.Context, msg transport.Message) error {
	h.mu.Lock()
	dests := make([]int, 0, len(h.conns))
	for r := range h.conns {
		dests = append(dests, r)
	}
	h.mu.Unlock()
	for _, r := range dests {
		handle, err := h.ISend(ctx, r, msg)
		if err != nil {
			return err
		}
		if _, err := h.Wait(ctx, handle); err != nil {
			return fmt.Errorf("wsmesh: broadcast to rank %d: %w", r, err)
		}
	}
	return nil
}

func (h *Hub) Close() error {
	h.endpointCore.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		_ = c.Close()
	}
	return nil
}

// Remote is a non-master rank's endpoint: it dials the Hub once and
// exchanges every message over that single connection (the master is its
// only peer in a dedicated-master layout).
type Remote struct {
	*endpointCore
	conn *websocket.Conn
}

// Dial connects to the hub at url, presenting a token asserting `rank`.
func Dial(ctx context.Context, url string, rank, size int, token string) (*Remote, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, fmt.Sprintf("%s?token=%s", url, token), nil)
	if err != nil {
		return nil, fmt.Errorf("wsmesh: dial hub: %w", err)
	}
	r := &Remote{endpointCore: newEndpointCore(rank, size), conn: conn}
	go r.readLoop()
	return r, nil
}

func (r *Remote) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return
		}
		tag, body, err := decodeEnvelope(data)
		if err != nil {
			continue
		}
		r.deliver(rawMsg{from: 0, msg: transport.Message{Tag: tag, Body: body}})
	}
}

func (r *Remote) ISend(ctx context.Context, dest int, msg transport.Message) (transport.Handle, error) {
	handle, st := r.newHandle()
	go func() {
		st.err = r.conn.WriteMessage(websocket.BinaryMessage, encodeEnvelope(msg.Tag, msg.Body))
		close(st.done)
	}()
	return handle, nil
}

func (r *Remote) IRecv(ctx context.Context, src int, tag int32) (transport.Handle, error) {
	return r.irecv(ctx, src, tag)
}
func (r *Remote) Wait(ctx context.Context, handle transport.Handle) (transport.Message, error) {
	return r.wait(ctx, handle)
}
func (r *Remote) WaitAny(ctx context.Context, handles []transport.Handle) (int, transport.Message, error) {
	return r.waitAny(ctx, handles)
}
func (r *Remote) Test(handle transport.Handle) (transport.Message, error) { return r.test(handle) }

func (r *Remote) Broadcast(ctx context.Context, msg transport.Message) error {
	return fmt.Errorf("wsmesh: Remote.Broadcast is not supported; only the Hub can broadcast")
}

func (r *Remote) Close() error {
	r.endpointCore.close()
	return r.conn.Close()
}
