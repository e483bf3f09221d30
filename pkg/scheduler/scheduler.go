// Package scheduler implements the policy that, given a partition layout
// and the pending queue, decides which server (or local slot) executes
// each queued evaluation and in what order responses are delivered
// upstream.
//
// A central struct holds a job queue, a load-tracking slice per server,
// and blocking/non-blocking drain methods; min-load/round-robin
// tie-breaking is a swappable strategy interface rather than hard-coded.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dakota-project/evalsched/pkg/evalcore"
	"github.com/dakota-project/evalsched/pkg/framing"
	"github.com/dakota-project/evalsched/pkg/pending"
	"github.com/dakota-project/evalsched/pkg/transport"
)

// Policy names one of the five dispatch policies a Scheduler can run.
type Policy string

const (
	PolicyMasterDynamic Policy = "master_dynamic"
	PolicyPeerStatic    Policy = "peer_static"
	PolicyPeerDynamic   Policy = "peer_dynamic"
	PolicyLocalAsync    Policy = "local_async"
	PolicyLocalSync     Policy = "local_sync"
)

// Simulator is the opaque boundary a server (or a local executor) calls
// into to actually run one evaluation. A Failure returned from Execute
// must be distinguished from a configuration/transport error — see
// pkg/failure.
type Simulator interface {
	Execute(ctx context.Context, p evalcore.Pair) (*evalcore.Response, error)
}

// LoadBalancePolicy picks which server should receive the next job, given
// each server's current in-flight count. Ties are broken by server id in
// the default policy; it is a named, swappable policy rather than
// hard-coded so a deployment can substitute a different tie-break.
type LoadBalancePolicy interface {
	// Pick returns the index into loads of the server to receive the next job.
	Pick(loads []int) int
}

// MinLoadPolicy is the default: the server with fewest in-flight jobs,
// ties broken toward the lowest server id.
type MinLoadPolicy struct{}

func (MinLoadPolicy) Pick(loads []int) int {
	best := 0
	for i := 1; i < len(loads); i++ {
		if loads[i] < loads[best] {
			best = i
		}
	}
	return best
}

// RoundRobinPolicy ignores load and cycles through servers in order; kept
// as the alternative named in DESIGN.md for deployments that prefer
// predictable assignment over balance.
type RoundRobinPolicy struct {
	next int
}

func (p *RoundRobinPolicy) Pick(loads []int) int {
	idx := p.next % len(loads)
	p.next++
	return idx
}

// assignment records one running job's server and outstanding receive
// handle.
type assignment struct {
	serverID int
	recvH    transport.Handle
}

// Scheduler drains a pending.Queue against one dispatch Policy.
type Scheduler struct {
	policy    Policy
	transport transport.Transport // nil for the local-only policies
	simulator Simulator            // non-nil for local-async/local-sync, and for the peer-dynamic local slot
	queue     *pending.Queue
	lb        LoadBalancePolicy

	numServers int // evaluation servers this scheduler dispatches to (excludes the calling rank, for message-passing policies)
	asyncK     int // local-async concurrency

	mu       sync.Mutex
	running  map[evalcore.EvalID]*assignment
	loads    []int // in-flight count per server index (0-based)
	done     map[evalcore.EvalID]*evalcore.Response
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLoadBalancePolicy overrides the default MinLoadPolicy.
func WithLoadBalancePolicy(lb LoadBalancePolicy) Option {
	return func(s *Scheduler) { s.lb = lb }
}

// WithAsyncConcurrency sets the number of jobs local-async runs at once.
func WithAsyncConcurrency(k int) Option {
	return func(s *Scheduler) { s.asyncK = k }
}

// New builds a Scheduler for policy. t is the communicator's transport
// (nil for local-async/local-sync); sim is the local executor (nil for
// message-passing policies that have no local slot, required for
// local-async/local-sync/peer-dynamic).
func New(policy Policy, numServers int, t transport.Transport, sim Simulator, q *pending.Queue, opts ...Option) *Scheduler {
	s := &Scheduler{
		policy:     policy,
		transport:  t,
		simulator:  sim,
		queue:      q,
		lb:         MinLoadPolicy{},
		numServers: numServers,
		asyncK:     1,
		running:    make(map[evalcore.EvalID]*assignment),
		loads:      make([]int, numServers),
		done:       make(map[evalcore.EvalID]*evalcore.Response),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot reports the scheduler's current policy and per-server load for
// read-only status surfaces.
type Snapshot struct {
	Policy     Policy
	NumServers int
	Running    int
	Loads      []int
}

// Snapshot returns a point-in-time copy of the scheduler's dispatch state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	loads := make([]int, len(s.loads))
	copy(loads, s.loads)
	return Snapshot{Policy: s.policy, NumServers: s.numServers, Running: len(s.running), Loads: loads}
}

// Synchronize drains the pending queue to completion, returning every
// delivered response keyed by eval_id.
func (s *Scheduler) Synchronize(ctx context.Context) (map[evalcore.EvalID]*evalcore.Response, error) {
	switch s.policy {
	case PolicyMasterDynamic:
		return s.runMasterDynamic(ctx)
	case PolicyPeerStatic:
		return s.runPeerStatic(ctx)
	case PolicyPeerDynamic:
		return s.runPeerDynamic(ctx)
	case PolicyLocalAsync:
		return s.runLocalAsync(ctx)
	case PolicyLocalSync:
		return s.runLocalSync(ctx)
	default:
		return nil, fmt.Errorf("scheduler: unknown policy %q", s.policy)
	}
}

// SynchronizeNowait delivers only responses that are already complete,
// leaving the rest queued/in-flight. Only master-dynamic and peer-dynamic
// poll; the other policies (local-async, local-sync, peer-static) finish
// their work inside Synchronize, so they return whatever Synchronize has
// already produced.
func (s *Scheduler) SynchronizeNowait(ctx context.Context) (map[evalcore.EvalID]*evalcore.Response, error) {
	switch s.policy {
	case PolicyMasterDynamic, PolicyPeerDynamic:
		return s.pollMasterDynamic(ctx)
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make(map[evalcore.EvalID]*evalcore.Response, len(s.done))
		for id, r := range s.done {
			out[id] = r
		}
		return out, nil
	}
}

// orderedEvalIDs returns the queue's eval_ids sorted ascending.
func orderedEvalIDs(q *pending.Queue) []evalcore.EvalID {
	ids := q.Ordered()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// --- master-dynamic ---

func (s *Scheduler) runMasterDynamic(ctx context.Context) (map[evalcore.EvalID]*evalcore.Response, error) {
	ids := orderedEvalIDs(s.queue)
	cursor := 0

	// Pass 1: round-robin one job per server.
	for server := 0; server < s.numServers && cursor < len(ids); server++ {
		if err := s.dispatchTo(ctx, server, ids[cursor]); err != nil {
			return nil, err
		}
		cursor++
	}

	out := make(map[evalcore.EvalID]*evalcore.Response)
	for len(s.running) > 0 {
		server, id, resp, err := s.waitAnyCompletion(ctx)
		if err != nil {
			return nil, err
		}
		out[id] = resp
		// Pass 2: backfill the freed server with the next queued job.
		if cursor < len(ids) {
			if err := s.dispatchTo(ctx, server, ids[cursor]); err != nil {
				return nil, err
			}
			cursor++
		}
	}
	s.mergeDone(out)
	return out, nil
}

// pollMasterDynamic is the non-blocking scheduling loop: test every
// outstanding receive, deliver what's ready, backfill vacated slots by
// load, and return without waiting.
func (s *Scheduler) pollMasterDynamic(ctx context.Context) (map[evalcore.EvalID]*evalcore.Response, error) {
	s.mu.Lock()
	ids := make([]evalcore.EvalID, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	ready := make(map[evalcore.EvalID]*evalcore.Response)
	for _, id := range ids {
		s.mu.Lock()
		a, ok := s.running[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		msg, err := s.transport.Test(a.recvH)
		if err == transport.ErrNotReady {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scheduler: poll eval %d: %w", id, err)
		}
		resp, err := framing.UnpackResponse(msg.Body, evalcore.ActiveSet{})
		if err != nil {
			return nil, fmt.Errorf("scheduler: decode response for eval %d: %w", id, err)
		}
		s.mu.Lock()
		delete(s.running, id)
		s.loads[a.serverID]--
		s.mu.Unlock()
		ready[id] = resp
	}

	// Merge delivered responses before backfilling: nextUnassigned treats
	// anything still in the queue and not running as unassigned, so a
	// response that just arrived must be cleared out of the queue first or
	// it gets redispatched to a server that already finished it.
	s.mergeDone(ready)

	// Backfill freed servers with unassigned pending work, min-load first.
	for {
		nextID, ok := s.nextUnassigned()
		if !ok {
			break
		}
		s.mu.Lock()
		server := s.lb.Pick(s.loads)
		s.mu.Unlock()
		if err := s.dispatchTo(ctx, server, nextID); err != nil {
			return nil, err
		}
	}

	return ready, nil
}

// nextUnassigned returns the lowest eval_id still queued but not in the
// running_map, i.e. not yet dispatched to any server.
func (s *Scheduler) nextUnassigned() (evalcore.EvalID, bool) {
	ids := orderedEvalIDs(s.queue)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, running := s.running[id]; !running {
			if _, delivered := s.done[id]; !delivered {
				return id, true
			}
		}
	}
	return 0, false
}

func (s *Scheduler) dispatchTo(ctx context.Context, server int, id evalcore.EvalID) error {
	p, ok := s.queue.FindByEvalID(id)
	if !ok {
		return nil
	}
	buf := framing.PackVarsActiveSet(p.Vars, p.Set, id)
	destRank := server + 1 // rank 0 is the dedicated master
	if _, err := s.transport.ISend(ctx, destRank, transport.Message{Tag: int32(id), Body: buf}); err != nil {
		return fmt.Errorf("scheduler: send eval %d to server %d: %w", id, server, err)
	}
	rh, err := s.transport.IRecv(ctx, destRank, int32(id))
	if err != nil {
		return fmt.Errorf("scheduler: post receive for eval %d from server %d: %w", id, server, err)
	}
	s.mu.Lock()
	s.running[id] = &assignment{serverID: server, recvH: rh}
	s.loads[server]++
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) waitAnyCompletion(ctx context.Context) (server int, id evalcore.EvalID, resp *evalcore.Response, err error) {
	s.mu.Lock()
	handleIDs := make([]evalcore.EvalID, 0, len(s.running))
	for evID := range s.running {
		handleIDs = append(handleIDs, evID)
	}
	// Stable order so ties break toward the lowest server id.
	sort.Slice(handleIDs, func(i, j int) bool {
		si, sj := s.running[handleIDs[i]].serverID, s.running[handleIDs[j]].serverID
		if si != sj {
			return si < sj
		}
		return handleIDs[i] < handleIDs[j]
	})
	orderedHandles := make([]transport.Handle, len(handleIDs))
	for i, evID := range handleIDs {
		orderedHandles[i] = s.running[evID].recvH
	}
	s.mu.Unlock()

	idx, msg, err := s.transport.WaitAny(ctx, orderedHandles)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("scheduler: wait-any: %w", err)
	}
	completedID := handleIDs[idx]
	s.mu.Lock()
	a := s.running[completedID]
	delete(s.running, completedID)
	s.loads[a.serverID]--
	s.mu.Unlock()

	resp, derr := framing.UnpackResponse(msg.Body, evalcore.ActiveSet{})
	if derr != nil {
		return 0, 0, nil, fmt.Errorf("scheduler: decode response for eval %d: %w", completedID, derr)
	}
	return a.serverID, completedID, resp, nil
}

func (s *Scheduler) mergeDone(out map[evalcore.EvalID]*evalcore.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range out {
		s.done[id] = r
		s.queue.Dequeue(id)
	}
}

// --- peer-static ---

func (s *Scheduler) runPeerStatic(ctx context.Context) (map[evalcore.EvalID]*evalcore.Response, error) {
	ids := orderedEvalIDs(s.queue)
	n := len(ids)
	sCount := s.numServers + 1 // peer 0 (this rank) plus numServers peers
	share0 := n / sCount

	// Peer 0 keeps the first share0 ids; remainder round-robined to
	// peers 1..S-1.
	local := ids[:min(share0, n)]
	remainder := ids[min(share0, n):]

	type peerAssignment struct {
		rank int
		id   evalcore.EvalID
	}
	var sent []peerAssignment
	for i, id := range remainder {
		peer := 1 + (i % s.numServers)
		p, ok := s.queue.FindByEvalID(id)
		if !ok {
			continue
		}
		buf := framing.PackVarsActiveSet(p.Vars, p.Set, id)
		if _, err := s.transport.ISend(ctx, peer, transport.Message{Tag: int32(id), Body: buf}); err != nil {
			return nil, fmt.Errorf("scheduler: peer-static send eval %d to peer %d: %w", id, peer, err)
		}
		sent = append(sent, peerAssignment{rank: peer, id: id})
	}

	out := make(map[evalcore.EvalID]*evalcore.Response)
	for _, id := range local {
		p, ok := s.queue.FindByEvalID(id)
		if !ok {
			continue
		}
		resp, err := s.simulator.Execute(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("scheduler: peer-static local execute eval %d: %w", id, err)
		}
		out[id] = resp
	}

	// Receive order is by eval_id, not arrival.
	byID := make(map[evalcore.EvalID]int)
	for i, sa := range sent {
		byID[sa.id] = i
	}
	orderedSent := append([]peerAssignment(nil), sent...)
	sort.Slice(orderedSent, func(i, j int) bool { return orderedSent[i].id < orderedSent[j].id })
	for _, sa := range orderedSent {
		rh, err := s.transport.IRecv(ctx, sa.rank, int32(sa.id))
		if err != nil {
			return nil, fmt.Errorf("scheduler: peer-static receive for eval %d: %w", sa.id, err)
		}
		msg, err := s.transport.Wait(ctx, rh)
		if err != nil {
			return nil, fmt.Errorf("scheduler: peer-static wait for eval %d: %w", sa.id, err)
		}
		resp, err := framing.UnpackResponse(msg.Body, evalcore.ActiveSet{})
		if err != nil {
			return nil, fmt.Errorf("scheduler: peer-static decode eval %d: %w", sa.id, err)
		}
		out[sa.id] = resp
	}

	s.mergeDone(out)
	return out, nil
}

// --- peer-dynamic: like master-dynamic, but the iterator rank also
// executes one job itself: the first job, synchronously, before any
// remote dispatch happens, so it never contends with WaitAny for a
// transport handle — see DESIGN.md. Every later job goes to a remote
// server. ---

func (s *Scheduler) runPeerDynamic(ctx context.Context) (map[evalcore.EvalID]*evalcore.Response, error) {
	if s.simulator == nil {
		return nil, fmt.Errorf("scheduler: peer-dynamic requires a local Simulator")
	}
	ids := orderedEvalIDs(s.queue)
	cursor := 0
	out := make(map[evalcore.EvalID]*evalcore.Response)

	// The local rank (pseudo server -1, never occupies the remote
	// running_map) takes the first job so it starts working immediately
	// instead of waiting on the remote pass.
	if cursor < len(ids) {
		id := ids[cursor]
		cursor++
		p, ok := s.queue.FindByEvalID(id)
		if ok {
			resp, err := s.simulator.Execute(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("scheduler: peer-dynamic local execute eval %d: %w", id, err)
			}
			out[id] = resp
		}
	}

	for server := 0; server < s.numServers && cursor < len(ids); server++ {
		if err := s.dispatchTo(ctx, server, ids[cursor]); err != nil {
			return nil, err
		}
		cursor++
	}

	for len(s.running) > 0 {
		server, id, resp, err := s.waitAnyCompletion(ctx)
		if err != nil {
			return nil, err
		}
		out[id] = resp
		if cursor < len(ids) {
			if err := s.dispatchTo(ctx, server, ids[cursor]); err != nil {
				return nil, err
			}
			cursor++
		}
	}
	s.mergeDone(out)
	return out, nil
}

// --- local-async / local-sync (no message passing) ---

func (s *Scheduler) runLocalSync(ctx context.Context) (map[evalcore.EvalID]*evalcore.Response, error) {
	if s.simulator == nil {
		return nil, fmt.Errorf("scheduler: local-sync requires a Simulator")
	}
	out := make(map[evalcore.EvalID]*evalcore.Response)
	for _, id := range orderedEvalIDs(s.queue) {
		p, ok := s.queue.FindByEvalID(id)
		if !ok {
			continue
		}
		resp, err := s.simulator.Execute(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("scheduler: local-sync execute eval %d: %w", id, err)
		}
		out[id] = resp
	}
	s.mergeDone(out)
	return out, nil
}

type localJobResult struct {
	id   evalcore.EvalID
	resp *evalcore.Response
	err  error
}

// runLocalAsync runs up to asyncK jobs concurrently, back-filling slots
// as each completes.
func (s *Scheduler) runLocalAsync(ctx context.Context) (map[evalcore.EvalID]*evalcore.Response, error) {
	if s.simulator == nil {
		return nil, fmt.Errorf("scheduler: local-async requires a Simulator")
	}
	ids := orderedEvalIDs(s.queue)
	k := s.asyncK
	if k < 1 {
		k = 1
	}
	results := make(chan localJobResult, len(ids))
	sem := make(chan struct{}, k)
	var wg sync.WaitGroup

	for _, id := range ids {
		id := id
		p, ok := s.queue.FindByEvalID(id)
		if !ok {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			resp, err := s.simulator.Execute(ctx, p)
			results <- localJobResult{id: id, resp: resp, err: err}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[evalcore.EvalID]*evalcore.Response)
	for r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("scheduler: local-async execute eval %d: %w", r.id, r.err)
		}
		out[r.id] = r.resp
	}
	s.mergeDone(out)
	return out, nil
}
