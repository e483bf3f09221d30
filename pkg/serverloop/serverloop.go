// Package serverloop implements the three server-side loop variants an
// evaluation server runs, chosen once at partition layout time. Each
// variant calls into a scheduler.Simulator to produce a response and
// protects its one outbound send with a wait on the previous send's
// handle to avoid buffer-overwrite races.
//
// A goroutine reads one job, computes, and writes one result until a
// termination signal arrives, the same worker-loop shape as an
// in-process channel pair, adapted to a transport.Transport endpoint and
// generalized to the synchronous/asynchronous/peer variants.
package serverloop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dakota-project/evalsched/pkg/evalcore"
	"github.com/dakota-project/evalsched/pkg/framing"
	"github.com/dakota-project/evalsched/pkg/scheduler"
	"github.com/dakota-project/evalsched/pkg/transport"
)

// pollInterval bounds how often the asynchronous variant re-checks its
// receive and in-flight jobs when nothing was ready last pass, so it
// yields the CPU instead of spinning.
const pollInterval = 2 * time.Millisecond

// Variant names one of the three server loop shapes.
type Variant string

const (
	Synchronous  Variant = "synchronous"
	Asynchronous Variant = "asynchronous"
	Peer         Variant = "peer"
)

// Loop runs one evaluation server's receive-compute-send cycle against t
// until a termination message arrives.
type Loop struct {
	variant   Variant
	transport transport.Transport
	simulator scheduler.Simulator
	masterSrc int // rank to receive work from / send responses to
	asyncK    int
	logger    *slog.Logger
}

// Option configures a Loop at construction time.
type Option func(*Loop)

// WithAsyncConcurrency sets K for the asynchronous variant.
func WithAsyncConcurrency(k int) Option {
	return func(l *Loop) { l.asyncK = k }
}

// WithLogger overrides the default slog.Default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New builds a Loop. masterSrc is the rank this server exchanges work
// with: the dedicated master for synchronous/asynchronous, or the
// iterator rank whose broadcasts this server reads for the peer variant.
func New(variant Variant, t transport.Transport, sim scheduler.Simulator, masterSrc int, opts ...Option) *Loop {
	l := &Loop{variant: variant, transport: t, simulator: sim, masterSrc: masterSrc, asyncK: 1, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run drives the loop until a termination message is received (spec
// §4.4: "a zero-length message whose tag field carries the reserved
// value 0") or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	switch l.variant {
	case Synchronous, Peer:
		return l.runSynchronous(ctx)
	case Asynchronous:
		return l.runAsynchronous(ctx)
	default:
		return fmt.Errorf("serverloop: unknown variant %q", l.variant)
	}
}

// runSynchronous covers both the synchronous and peer variants: the only
// difference between them is which rank the work arrives from, which the
// caller already encoded in masterSrc (in the peer variant, the same
// broadcast channel the iterator rank itself reads from).
func (l *Loop) runSynchronous(ctx context.Context) error {
	var pendingSend transport.Handle
	haveSend := false

	for {
		rh, err := l.transport.IRecv(ctx, l.masterSrc, -1)
		if err != nil {
			return fmt.Errorf("serverloop: post receive: %w", err)
		}
		msg, err := l.transport.Wait(ctx, rh)
		if err != nil {
			return fmt.Errorf("serverloop: wait on receive: %w", err)
		}
		if msg.Tag == transport.TerminationTag {
			if haveSend {
				if _, err := l.transport.Wait(ctx, pendingSend); err != nil {
					return fmt.Errorf("serverloop: wait on final send: %w", err)
				}
			}
			return nil
		}

		id, vars, set, err := framing.UnpackVarsActiveSet(msg.Body)
		if err != nil {
			return fmt.Errorf("serverloop: decode request: %w", err)
		}
		resp, err := l.simulator.Execute(ctx, evalcore.Pair{EvalID: id, Vars: vars, Set: set})
		if err != nil {
			return fmt.Errorf("serverloop: execute eval %d: %w", id, err)
		}

		if haveSend {
			if _, err := l.transport.Wait(ctx, pendingSend); err != nil {
				return fmt.Errorf("serverloop: wait on previous send before reuse: %w", err)
			}
		}
		buf := framing.PackResponse(resp)
		sh, err := l.transport.ISend(ctx, l.masterSrc, transport.Message{Tag: int32(id), Body: buf})
		if err != nil {
			return fmt.Errorf("serverloop: send response for eval %d: %w", id, err)
		}
		pendingSend = sh
		haveSend = true
	}
}

// runAsynchronous overlaps a non-blocking receive posted at loop entry
// with up to K local jobs in flight, sending each response as it
// completes.
func (l *Loop) runAsynchronous(ctx context.Context) error {
	type inflight struct {
		id   evalcore.EvalID
		done chan *evalcore.Response
		err  chan error
	}
	active := make(map[evalcore.EvalID]*inflight)
	var lastSend transport.Handle
	haveSend := false
	terminated := false

	rh, err := l.transport.IRecv(ctx, l.masterSrc, -1)
	if err != nil {
		return fmt.Errorf("serverloop: post initial receive: %w", err)
	}
	haveRecv := true

	for {
		progressed := false
		if haveRecv && !terminated && len(active) < l.asyncK {
			if msg, err := l.transport.Test(rh); err == nil {
				progressed = true
				if msg.Tag == transport.TerminationTag {
					terminated = true
					haveRecv = false
				} else {
					id, vars, set, derr := framing.UnpackVarsActiveSet(msg.Body)
					if derr != nil {
						return fmt.Errorf("serverloop: decode request: %w", derr)
					}
					if len(active) < l.asyncK {
						job := &inflight{id: id, done: make(chan *evalcore.Response, 1), err: make(chan error, 1)}
						active[id] = job
						go func(p evalcore.Pair) {
							resp, err := l.simulator.Execute(ctx, p)
							if err != nil {
								job.err <- err
								return
							}
							job.done <- resp
						}(evalcore.Pair{EvalID: id, Vars: vars, Set: set})
					}
					rh, err = l.transport.IRecv(ctx, l.masterSrc, -1)
					if err != nil {
						return fmt.Errorf("serverloop: repost receive: %w", err)
					}
				}
			} else if err != transport.ErrNotReady {
				return fmt.Errorf("serverloop: poll receive: %w", err)
			}
		}

		for id, job := range active {
			select {
			case resp := <-job.done:
				progressed = true
				if haveSend {
					if _, err := l.transport.Wait(ctx, lastSend); err != nil {
						return fmt.Errorf("serverloop: wait on previous send: %w", err)
					}
				}
				buf := framing.PackResponse(resp)
				sh, err := l.transport.ISend(ctx, l.masterSrc, transport.Message{Tag: int32(id), Body: buf})
				if err != nil {
					return fmt.Errorf("serverloop: send response for eval %d: %w", id, err)
				}
				lastSend, haveSend = sh, true
				delete(active, id)
			case err := <-job.err:
				return fmt.Errorf("serverloop: execute eval %d: %w", id, err)
			default:
			}
		}

		if terminated && len(active) == 0 {
			if haveSend {
				if _, err := l.transport.Wait(ctx, lastSend); err != nil {
					return fmt.Errorf("serverloop: wait on final send: %w", err)
				}
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !progressed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
}
