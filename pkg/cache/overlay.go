package cache

import "github.com/dakota-project/evalsched/pkg/evalcore"

// PartialOverlay answers a partial-duplicate request: given a cached
// Response computed for a superset ActiveSet, produce the Response a
// caller asking for the smaller `want` ActiveSet should see. This is a
// policy hook — the core ships one implementation and documents the
// interface for callers that need a richer merge (e.g. combining two
// partial hits instead of slicing one).
//
// A single-method strategy interface selected by the caller, the same
// pluggable-resolver shape used elsewhere for swapping conflict-resolution
// strategies, simplified here to one method since the overlay has no
// "can this resolver handle it" gate — Subset() already gates eligibility
// before Overlay is called.
type PartialOverlay interface {
	Overlay(cached *evalcore.Response, want evalcore.ActiveSet) *evalcore.Response
}

// SliceOverlay is the default PartialOverlay: it slices the cached
// Response's value/gradient/Hessian blocks down to the requested subset
// and leaves everything else at zero value.
type SliceOverlay struct{}

func (SliceOverlay) Overlay(cached *evalcore.Response, want evalcore.ActiveSet) *evalcore.Response {
	return cached.OverlaySubset(want)
}
