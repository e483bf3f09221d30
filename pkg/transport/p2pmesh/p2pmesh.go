// Package p2pmesh is a network-crossing Transport implementation for the
// peer layouts (peer-static and peer-dynamic), where every server in a
// communicator can send directly to every other server rather than only
// to a master. It is built on a libp2p host instead of wsmesh's websocket
// hub-and-spoke, since a true peer mesh needs symmetric dialing and
// stream multiplexing rather than one listener.
//
// Host construction calls libp2p.New with only an identity key and the
// listen address; transports, security suites, relay and NAT options are
// libp2p's defaults and are not narrowed here. Discovery is
// a static peer list resolved from configuration rather than mDNS/DHT,
// since a partition's peer set is fixed for the lifetime of a run.
package p2pmesh

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/dakota-project/evalsched/pkg/transport"
)

// EvalProtocol is the libp2p stream protocol ID carrying framed
// transport.Message traffic between peer servers.
const EvalProtocol = "/evalsched/mesh/1.0.0"

// PeerAddr names one peer's rank and dialable multiaddr (including its
// /p2p/<id> suffix), resolved once at partition setup time from the
// peer-layout configuration.
type PeerAddr struct {
	Rank int
	Addr string
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

// Mesh is a peer-to-peer Transport backed by a libp2p host. Every rank
// runs one Mesh, dials the higher-ranked entries in peers at startup
// (streams to any rank are opened on first send), and accepts inbound
// streams for EvalProtocol.
type Mesh struct {
	rank, size int
	host       host.Host
	logger     *slog.Logger

	rankToPeer map[int]peer.ID
	peerToRank map[peer.ID]int

	mu       sync.Mutex
	buffered []rawMsg
	waiters  []*recvWaiter
	handles  map[transport.Handle]*opState
	nextID   uint64
	closed   bool
	closeCh  chan struct{}

	streamsMu sync.Mutex
	streams   map[int]network.Stream
}

// NewMesh starts a libp2p host listening on listenAddr (e.g.
// "/ip4/0.0.0.0/tcp/0"), identifies itself as rank among a communicator
// of size peers, and connects to every entry in peers with a higher rank;
// lower-ranked peers dial this one.
func NewMesh(ctx context.Context, rank, size int, listenAddr string, peers []PeerAddr, logger *slog.Logger) (*Mesh, error) {
	if logger == nil {
		logger = slog.Default()
	}
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("p2pmesh: generate identity: %w", err)
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("p2pmesh: create host: %w", err)
	}

	m := &Mesh{
		rank:       rank,
		size:       size,
		host:       h,
		logger:     logger,
		rankToPeer: make(map[int]peer.ID),
		peerToRank: make(map[peer.ID]int),
		handles:    make(map[transport.Handle]*opState),
		closeCh:    make(chan struct{}),
		streams:    make(map[int]network.Stream),
	}
	h.SetStreamHandler(EvalProtocol, m.handleInboundStream)

	for _, p := range peers {
		addrInfo, err := peerAddrInfo(p.Addr)
		if err != nil {
			return nil, fmt.Errorf("p2pmesh: parse peer %d address %q: %w", p.Rank, p.Addr, err)
		}
		m.rankToPeer[p.Rank] = addrInfo.ID
		m.peerToRank[addrInfo.ID] = p.Rank
		h.Peerstore().AddAddrs(addrInfo.ID, addrInfo.Addrs, peerstore.PermanentAddrTTL)
		if p.Rank > rank {
			// Lower rank dials higher rank, so each pair connects exactly
			// once instead of racing two simultaneous dials.
			if err := h.Connect(ctx, *addrInfo); err != nil {
				m.logger.Warn("p2pmesh: initial connect failed, will retry lazily", "peer_rank", p.Rank, "error", err)
			}
		}
	}
	return m, nil
}

func peerAddrInfo(addr string) (*peer.AddrInfo, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(maddr)
}

func (m *Mesh) Rank() int { return m.rank }
func (m *Mesh) Size() int { return m.size }

func (m *Mesh) handleInboundStream(s network.Stream) {
	rank, ok := m.peerToRank[s.Conn().RemotePeer()]
	if !ok {
		m.logger.Warn("p2pmesh: stream from unknown peer", "peer_id", s.Conn().RemotePeer())
		s.Reset()
		return
	}
	r := bufio.NewReader(s)
	for {
		var header [8]byte
		if _, err := fullRead(r, header[:]); err != nil {
			return
		}
		tag := int32(binary.LittleEndian.Uint32(header[:4]))
		bodyLen := binary.LittleEndian.Uint32(header[4:8])
		body := make([]byte, bodyLen)
		if _, err := fullRead(r, body); err != nil {
			return
		}
		m.deliver(rawMsg{from: rank, msg: transport.Message{Tag: tag, Body: body}})
	}
}

func fullRead(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (m *Mesh) streamTo(ctx context.Context, dest int) (network.Stream, error) {
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()
	if s, ok := m.streams[dest]; ok {
		return s, nil
	}
	pid, ok := m.rankToPeer[dest]
	if !ok {
		return nil, fmt.Errorf("p2pmesh: no peer registered for rank %d", dest)
	}
	s, err := m.host.NewStream(ctx, pid, EvalProtocol)
	if err != nil {
		return nil, fmt.Errorf("p2pmesh: open stream to rank %d: %w", dest, err)
	}
	m.streams[dest] = s
	return s, nil
}

func (m *Mesh) deliver(msg rawMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if (w.src < 0 || w.src == msg.from) && (w.tagAny || w.tag == msg.msg.Tag) {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			w.result <- msg
			return
		}
	}
	m.buffered = append(m.buffered, msg)
}

func (m *Mesh) newHandle() (transport.Handle, *opState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	h := transport.Handle(m.nextID)
	st := &opState{done: make(chan struct{})}
	m.handles[h] = st
	return h, st
}

func (m *Mesh) ISend(ctx context.Context, dest int, msg transport.Message) (transport.Handle, error) {
	h, st := m.newHandle()
	go func() {
		defer close(st.done)
		s, err := m.streamTo(ctx, dest)
		if err != nil {
			st.err = err
			return
		}
		header := make([]byte, 8)
		binary.LittleEndian.PutUint32(header[:4], uint32(msg.Tag))
		binary.LittleEndian.PutUint32(header[4:8], uint32(len(msg.Body)))
		if _, err := s.Write(header); err != nil {
			st.err = fmt.Errorf("p2pmesh: write header to rank %d: %w", dest, err)
			return
		}
		if _, err := s.Write(msg.Body); err != nil {
			st.err = fmt.Errorf("p2pmesh: write body to rank %d: %w", dest, err)
		}
	}()
	return h, nil
}

func (m *Mesh) IRecv(ctx context.Context, src int, tag int32) (transport.Handle, error) {
	h, st := m.newHandle()
	m.mu.Lock()
	for i, rm := range m.buffered {
		if (src < 0 || src == rm.from) && (tag < 0 || tag == rm.msg.Tag) {
			m.buffered = append(m.buffered[:i], m.buffered[i+1:]...)
			st.result = rm.msg
			m.mu.Unlock()
			close(st.done)
			return h, nil
		}
	}
	w := &recvWaiter{src: src, tag: tag, tagAny: tag < 0, result: make(chan rawMsg, 1)}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	go func() {
		select {
		case rm := <-w.result:
			st.result = rm.msg
		case <-ctx.Done():
			st.err = ctx.Err()
		case <-m.closeCh:
			st.err = transport.ErrClosed
		}
		close(st.done)
	}()
	return h, nil
}

func (m *Mesh) Wait(ctx context.Context, h transport.Handle) (transport.Message, error) {
	m.mu.Lock()
	st, ok := m.handles[h]
	m.mu.Unlock()
	if !ok {
		return transport.Message{}, fmt.Errorf("p2pmesh: unknown handle %d", h)
	}
	select {
	case <-st.done:
		return st.result, st.err
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (m *Mesh) WaitAny(ctx context.Context, handles []transport.Handle) (int, transport.Message, error) {
	states := make([]*opState, len(handles))
	m.mu.Lock()
	for i, h := range handles {
		st, ok := m.handles[h]
		if !ok {
			m.mu.Unlock()
			return -1, transport.Message{}, fmt.Errorf("p2pmesh: unknown handle %d", h)
		}
		states[i] = st
	}
	m.mu.Unlock()

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

func (m *Mesh) Test(h transport.Handle) (transport.Message, error) {
	m.mu.Lock()
	st, ok := m.handles[h]
	m.mu.Unlock()
	if !ok {
		return transport.Message{}, fmt.Errorf("p2pmesh: unknown handle %d", h)
	}
	select {
	case <-st.done:
		return st.result, st.err
	default:
		return transport.Message{}, transport.ErrNotReady
	}
}

func (m *Mesh) Broadcast(ctx context.Context, msg transport.Message) error {
	for rank := range m.rankToPeer {
		h, err := m.ISend(ctx, rank, msg)
		if err != nil {
			return err
		}
		if _, err := m.Wait(ctx, h); err != nil {
			return fmt.Errorf("p2pmesh: broadcast to rank %d: %w", rank, err)
		}
	}
	return nil
}

func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.closeCh)

	m.streamsMu.Lock()
	for _, s := range m.streams {
		_ = s.Close()
	}
	m.streamsMu.Unlock()
	return m.host.Close()
}

// Addr returns this host's dialable /p2p/ multiaddr, used to populate
// PeerAddr entries for the other ranks in the communicator.
func (m *Mesh) Addr() string {
	addrs := m.host.Addrs()
	if len(addrs) == 0 {
		return ""
	}
	return fmt.Sprintf("%s/p2p/%s", addrs[0], m.host.ID())
}
