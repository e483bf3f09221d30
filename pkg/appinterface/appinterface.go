// Package appinterface implements the façade an iterator calls against,
// tying together the cache, restart journal, pending queue, scheduler,
// and failure manager behind two public operations: map and
// synchronize{,_nowait}.
//
// A single struct embeds every subsystem, with public methods that
// sequence calls across them — the same top-level-orchestrator shape
// used elsewhere for a central struct fronting several subsystems,
// generalized here to the evaluation-interface façade.
package appinterface

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dakota-project/evalsched/pkg/cache"
	"github.com/dakota-project/evalsched/pkg/evalcore"
	"github.com/dakota-project/evalsched/pkg/failure"
	"github.com/dakota-project/evalsched/pkg/journal"
	"github.com/dakota-project/evalsched/pkg/pending"
	"github.com/dakota-project/evalsched/pkg/scheduler"
)

// Kind distinguishes the four error conditions the façade surfaces.
type Kind int

const (
	KindConfiguration Kind = iota
	KindTransport
	KindFatalFailure
	KindCacheInconsistent
)

// FacadeError wraps an underlying error with the Kind the iterator must
// branch on.
type FacadeError struct {
	Kind Kind
	Err  error
}

func (e *FacadeError) Error() string { return e.Err.Error() }
func (e *FacadeError) Unwrap() error  { return e.Err }

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &FacadeError{Kind: kind, Err: err}
}

// Config controls one interface's façade behavior.
type Config struct {
	InterfaceID  string
	CacheEnabled bool
}

// Interface is the evaluation façade. It is not safe for concurrent Map
// calls from multiple goroutines — the iterator side is single-threaded
// cooperative — but synchronize{,_nowait} may run concurrently with
// status/metrics reads of Cache/Queue.
type Interface struct {
	cfg     Config
	cache   *cache.Cache
	journal *journal.Journal
	queue   *pending.Queue
	sched   *scheduler.Scheduler
	failMgr *failure.Manager
	sim     scheduler.Simulator

	mu         sync.Mutex
	counter    evalcore.EvalID
	historyDup map[evalcore.EvalID]*evalcore.Response
	pendingDup map[evalcore.EvalID]evalcore.EvalID // duplicate eval_id -> the in-flight eval_id it clones from
}

// New builds a façade over the given subsystems. j may be nil (journaling
// disabled); failMgr may be nil (no failure recovery, every raised
// Failure propagates as KindFatalFailure).
func New(cfg Config, c *cache.Cache, j *journal.Journal, q *pending.Queue, sched *scheduler.Scheduler, failMgr *failure.Manager, sim scheduler.Simulator) *Interface {
	return &Interface{
		cfg:        cfg,
		cache:      c,
		journal:    j,
		queue:      q,
		sched:      sched,
		failMgr:    failMgr,
		sim:        sim,
		historyDup: make(map[evalcore.EvalID]*evalcore.Response),
		pendingDup: make(map[evalcore.EvalID]evalcore.EvalID),
	}
}

// Map implements the map(vars, set, &response, async) contract. It
// returns the assigned eval_id and, when resolved immediately (a cache
// hit or a synchronous execution), the Response; for an enqueued
// asynchronous request the Response is nil until Synchronize{,Nowait}
// delivers it.
func (ifc *Interface) Map(ctx context.Context, vars evalcore.Variables, set evalcore.ActiveSet, async bool) (evalcore.EvalID, *evalcore.Response, error) {
	ifc.mu.Lock()
	ifc.counter++
	id := ifc.counter
	ifc.mu.Unlock()

	p := evalcore.Pair{EvalID: id, InterfaceID: ifc.cfg.InterfaceID, Vars: vars, Set: set}
	fp := p.Fingerprint()

	if ifc.cfg.CacheEnabled && ifc.cache != nil {
		if resp, ok := ifc.cache.Lookup(fp); ok {
			if async {
				ifc.mu.Lock()
				ifc.historyDup[id] = resp
				ifc.mu.Unlock()
				return id, nil, nil
			}
			return id, resp, nil
		}
	}

	if async {
		if dups := ifc.queue.FindByFingerprint(fp); len(dups) > 0 {
			ifc.mu.Lock()
			ifc.pendingDup[id] = dups[0].EvalID
			ifc.mu.Unlock()
			return id, nil, nil
		}
		ifc.queue.Enqueue(p)
		return id, nil, nil
	}

	resp, err := ifc.executeSync(ctx, p)
	if err != nil {
		return id, nil, err
	}
	return id, resp, nil
}

// executeSync runs one evaluation inline through the failure manager (or
// directly through the simulator if no failure manager is configured),
// and on success inserts the result into the cache and journal.
func (ifc *Interface) executeSync(ctx context.Context, p evalcore.Pair) (*evalcore.Response, error) {
	var resp *evalcore.Response
	var err error
	if ifc.failMgr != nil {
		resp, err = ifc.failMgr.Handle(ctx, failureExecutorAdapter{ifc.sim}, p)
	} else {
		resp, err = ifc.sim.Execute(ctx, p)
	}
	if err != nil {
		if _, isFailure := failure.IsFailure(err); isFailure {
			return nil, wrap(KindFatalFailure, err)
		}
		return nil, wrap(KindTransport, err)
	}

	p.Resp = resp
	p.Source = evalcore.SourceFresh
	if ifc.cache != nil {
		ifc.cache.Insert(p)
	}
	if ifc.journal != nil {
		if jerr := ifc.journal.Append(p); jerr != nil {
			return nil, wrap(KindCacheInconsistent, fmt.Errorf("appinterface: journal append for eval %d: %w", p.EvalID, jerr))
		}
	}
	return resp, nil
}

type failureExecutorAdapter struct {
	sim scheduler.Simulator
}

func (a failureExecutorAdapter) Execute(ctx context.Context, p evalcore.Pair) (*evalcore.Response, error) {
	return a.sim.Execute(ctx, p)
}

// Synchronize drains the pending queue to completion and overlays
// history/pending duplicates, returning every eval_id's Response.
func (ifc *Interface) Synchronize(ctx context.Context) (map[evalcore.EvalID]*evalcore.Response, error) {
	fresh, err := ifc.sched.Synchronize(ctx)
	if err != nil {
		return nil, wrap(KindTransport, err)
	}
	return ifc.deliver(fresh)
}

// SynchronizeNowait delivers only responses that are already ready,
// leaving the rest queued or in-flight.
func (ifc *Interface) SynchronizeNowait(ctx context.Context) (map[evalcore.EvalID]*evalcore.Response, error) {
	fresh, err := ifc.sched.SynchronizeNowait(ctx)
	if err != nil {
		return nil, wrap(KindTransport, err)
	}
	return ifc.deliver(fresh)
}

// deliver writes fresh results into the cache/journal, overlays the
// history and pending duplicate maps, and returns the combined result.
func (ifc *Interface) deliver(fresh map[evalcore.EvalID]*evalcore.Response) (map[evalcore.EvalID]*evalcore.Response, error) {
	out := make(map[evalcore.EvalID]*evalcore.Response, len(fresh))
	for id, resp := range fresh {
		out[id] = resp
		if p, ok := ifc.queue.FindByEvalID(id); ok {
			p.Resp = resp
			p.Source = evalcore.SourceFresh
			if ifc.cache != nil {
				ifc.cache.Insert(p)
			}
			if ifc.journal != nil {
				if err := ifc.journal.Append(p); err != nil {
					return nil, wrap(KindCacheInconsistent, fmt.Errorf("appinterface: journal append for eval %d: %w", id, err))
				}
			}
		}
	}

	ifc.mu.Lock()
	for id, resp := range ifc.historyDup {
		out[id] = resp
		delete(ifc.historyDup, id)
	}
	for dupID, origID := range ifc.pendingDup {
		if resp, ok := out[origID]; ok {
			out[dupID] = resp.Clone()
			delete(ifc.pendingDup, dupID)
		}
	}
	ifc.mu.Unlock()

	return out, nil
}

// OrderedEvalIDs returns the eval_ids of m sorted ascending.
func OrderedEvalIDs(m map[evalcore.EvalID]*evalcore.Response) []evalcore.EvalID {
	ids := make([]evalcore.EvalID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
