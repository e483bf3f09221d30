// Package failure implements the per-interface policy that decides what
// happens when a simulation invocation raises a failure, as distinguished
// from a configuration or transport error.
//
// A named policy enum selects among named strategies, with a per-call
// retry counter scoped so concurrent evaluations never share retry state;
// the continuation policy's nearest-neighbour search is a linear scan
// computing a distance metric against every candidate and keeping the
// minimum.
package failure

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/time/rate"

	"github.com/dakota-project/evalsched/pkg/evalcore"
)

// Policy names one of the four failure policies a Manager can apply.
type Policy string

const (
	PolicyAbort        Policy = "abort"
	PolicyRetry        Policy = "retry"
	PolicyRecover      Policy = "recover"
	PolicyContinuation Policy = "continuation"
)

// Failure distinguishes a simulation-raised failure from a configuration
// or transport error; the core never inspects its payload beyond the
// code.
type Failure struct {
	Code int
}

func (f *Failure) Error() string { return fmt.Sprintf("failure: simulation raised code %d", f.Code) }

// IsFailure reports whether err is (or wraps) a *Failure, as opposed to a
// configuration or transport error that must not be routed through the
// Failure Manager.
func IsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Executor is the single (V,S)->Response call the Failure Manager
// retries/continues against. It is the same shape as scheduler.Simulator
// but declared locally so this package does not depend on scheduler.
type Executor interface {
	Execute(ctx context.Context, p evalcore.Pair) (*evalcore.Response, error)
}

// HistorySource is the subset of the cache the continuation policy
// searches for a nearest-neighbour completed evaluation.
type HistorySource interface {
	All(fn func(evalcore.Pair))
}

// Config is one interface's failure-policy configuration.
type Config struct {
	Policy          Policy
	RetryLimit      int       // retry(k)
	RecoverValue    []float64 // recover(v̄): constant response value per response function
	ContinuationMax int       // maximum halving depth before continuation escalates to abort

	// RetryBackoff, when non-zero, is the steady-state rate (events/sec) a
	// rate.Limiter throttles successive retry attempts to, so a simulator
	// that fails fast doesn't spin the retry loop against a transient
	// outage. Zero disables throttling (retries fire back-to-back).
	RetryBackoff rate.Limit
	RetryBurst   int
}

// Manager applies Config.Policy whenever an Executor call raises a
// Failure. Retry counters are scoped per call to Handle, so two
// evaluations sharing an async slot never share state.
type Manager struct {
	cfg     Config
	history HistorySource
}

// New builds a Manager. history may be nil unless cfg.Policy is
// PolicyContinuation.
func New(cfg Config, history HistorySource) *Manager {
	return &Manager{cfg: cfg, history: history}
}

// retryLimiter builds a fresh per-call rate.Limiter, or nil if no backoff
// was configured. Per-call scoping matches the per-evaluation retry
// counter: one evaluation's throttling never steals budget from another's.
func (m *Manager) retryLimiter() *rate.Limiter {
	if m.cfg.RetryBackoff <= 0 {
		return nil
	}
	burst := m.cfg.RetryBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(m.cfg.RetryBackoff, burst)
}

// Handle runs exec against p, applying the configured failure policy if
// exec returns a *Failure. On success (first try or after recovery) it
// returns the final Response. A non-Failure error (configuration,
// transport) is returned unchanged without invoking the policy.
func (m *Manager) Handle(ctx context.Context, exec Executor, p evalcore.Pair) (*evalcore.Response, error) {
	resp, err := exec.Execute(ctx, p)
	if err == nil {
		return resp, nil
	}
	fail, ok := IsFailure(err)
	if !ok {
		return nil, err
	}

	switch m.cfg.Policy {
	case PolicyAbort:
		return nil, fmt.Errorf("failure: eval %d aborted: %w", p.EvalID, fail)

	case PolicyRetry:
		return m.handleRetry(ctx, exec, p, fail)

	case PolicyRecover:
		return m.handleRecover(p), nil

	case PolicyContinuation:
		return m.handleContinuation(ctx, exec, p, m.cfg.ContinuationMax)

	default:
		return nil, fmt.Errorf("failure: unknown policy %q", m.cfg.Policy)
	}
}

func (m *Manager) handleRetry(ctx context.Context, exec Executor, p evalcore.Pair, last *Failure) (*evalcore.Response, error) {
	limiter := m.retryLimiter()
	attempts := 0
	for attempts < m.cfg.RetryLimit {
		attempts++
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("failure: eval %d retry backoff: %w", p.EvalID, err)
			}
		}
		resp, err := exec.Execute(ctx, p)
		if err == nil {
			return resp, nil
		}
		f, ok := IsFailure(err)
		if !ok {
			return nil, err
		}
		last = f
	}
	return nil, fmt.Errorf("failure: eval %d exhausted %d retries, last code %d: aborting", p.EvalID, m.cfg.RetryLimit, last.Code)
}

// handleRecover builds the configured constant-response substitute, with
// gradients and Hessians left zeroed.
func (m *Manager) handleRecover(p evalcore.Pair) *evalcore.Response {
	resp := evalcore.NewOwningResponse(p.Set, len(m.cfg.RecoverValue))
	for i, v := range m.cfg.RecoverValue {
		_ = resp.SetValue(i, v)
	}
	return resp
}

// handleContinuation finds the nearest completed neighbour by Euclidean
// distance in continuous components, then evaluates a halving sequence of
// intermediate V's between the neighbour and the target, halving again on
// sub-failures up to depth maxDepth. Failures within continuation
// escalate to abort.
func (m *Manager) handleContinuation(ctx context.Context, exec Executor, target evalcore.Pair, maxDepth int) (*evalcore.Response, error) {
	if m.history == nil {
		return nil, fmt.Errorf("failure: continuation policy requires a history source")
	}
	neighbour, ok := nearestNeighbour(m.history, target)
	if !ok {
		return nil, fmt.Errorf("failure: eval %d continuation found no completed neighbour to step from", target.EvalID)
	}
	return m.continuationBisect(ctx, exec, neighbour.Vars, target, maxDepth)
}

// continuationBisect walks from the known-good neighbour toward the
// failing target by bisection: at each of up to maxDepth steps it tries
// the midpoint between the last known-good fraction and the last known-bad
// fraction of the interval. A success narrows the bad bound inward
// (closer to the target); a failure halves the interval again toward the
// good bound. The most advanced successful V is delivered when the budget is
// exhausted; if not even the neighbour's first step can be advanced, the
// run escalates to abort.
func (m *Manager) continuationBisect(ctx context.Context, exec Executor, from evalcore.Variables, target evalcore.Pair, maxDepth int) (*evalcore.Response, error) {
	goodT, badT := 0.0, 1.0
	var lastGood *evalcore.Response
	madeProgress := false

	for i := 0; i < maxDepth; i++ {
		mid := (goodT + badT) / 2
		intermediate := lerp(from, target.Vars, mid)
		p := evalcore.Pair{Vars: intermediate, InterfaceID: target.InterfaceID, Set: target.Set, EvalID: target.EvalID}
		resp, err := exec.Execute(ctx, p)
		if err == nil {
			goodT = mid
			lastGood = resp
			madeProgress = true
			continue
		}
		if _, ok := IsFailure(err); !ok {
			return nil, err
		}
		badT = mid
	}

	if !madeProgress {
		return nil, fmt.Errorf("failure: eval %d continuation could not advance from its neighbour within the halving depth: aborting", target.EvalID)
	}
	return lastGood, nil
}

func lerp(from, to evalcore.Variables, t float64) evalcore.Variables {
	cont := make([]float64, len(to.Continuous))
	for i := range cont {
		a := 0.0
		if i < len(from.Continuous) {
			a = from.Continuous[i]
		}
		cont[i] = a + (to.Continuous[i]-a)*t
	}
	return evalcore.NewVariables(cont, to.Discrete, to.Labels)
}

func nearestNeighbour(history HistorySource, target evalcore.Pair) (evalcore.Pair, bool) {
	var best evalcore.Pair
	bestDist := math.Inf(1)
	found := false
	history.All(func(p evalcore.Pair) {
		if p.InterfaceID != target.InterfaceID || p.Resp == nil {
			return
		}
		d := euclidean(p.Vars.Continuous, target.Vars.Continuous)
		if d < bestDist {
			bestDist = d
			best = p
			found = true
		}
	})
	return best, found
}

func euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
