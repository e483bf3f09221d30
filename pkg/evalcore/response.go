package evalcore

import "fmt"

// ResponseMode distinguishes an owning Response, which allocates its own
// storage, from a view Response, which shares storage with another Response
// for shallow updates. Both modes must be supported by every consumer of
// Response.
type ResponseMode int

const (
	// ModeOwning allocates its own Values/Gradients/Hessians storage.
	ModeOwning ResponseMode = iota
	// ModeView shares storage with another Response; mutations through a
	// view are visible to the owner and to every other view of the same
	// owner.
	ModeView
)

// Response holds values, gradients, and Hessians dimensioned by the
// ActiveSet that produced them.
type Response struct {
	Mode      ResponseMode
	ActiveSet ActiveSet

	// values[i] is valid iff ActiveSet.WantsValue(i).
	values []float64
	// gradients[i] has len(ActiveSet.DVV) entries, valid iff WantsGradient(i).
	gradients [][]float64
	// hessians[i] is a len(DVV) x len(DVV) matrix, valid iff WantsHessian(i).
	hessians [][][]float64
}

// NewOwningResponse allocates storage sized by set and numResponses.
func NewOwningResponse(set ActiveSet, numResponses int) *Response {
	r := &Response{Mode: ModeOwning, ActiveSet: set}
	r.values = make([]float64, numResponses)
	r.gradients = make([][]float64, numResponses)
	r.hessians = make([][][]float64, numResponses)
	n := len(set.DVV)
	for i := 0; i < numResponses; i++ {
		if i < len(set.Codes) && set.WantsGradient(i) {
			r.gradients[i] = make([]float64, n)
		}
		if i < len(set.Codes) && set.WantsHessian(i) {
			h := make([][]float64, n)
			for j := range h {
				h[j] = make([]float64, n)
			}
			r.hessians[i] = h
		}
	}
	return r
}

// NewViewResponse returns a Response that shares owner's storage. Writes
// through the view mutate the owner's slices in place; the view never
// reallocates.
func NewViewResponse(owner *Response) *Response {
	return &Response{
		Mode:      ModeView,
		ActiveSet: owner.ActiveSet,
		values:    owner.values,
		gradients: owner.gradients,
		hessians:  owner.hessians,
	}
}

// SetValue writes the value for response i. Valid on both owning and view
// Responses — a view mutates the shared backing array.
func (r *Response) SetValue(i int, v float64) error {
	if i < 0 || i >= len(r.values) {
		return fmt.Errorf("evalcore: response index %d out of range [0,%d)", i, len(r.values))
	}
	r.values[i] = v
	return nil
}

// Value returns the value for response i.
func (r *Response) Value(i int) float64 { return r.values[i] }

// SetGradient writes the full gradient vector for response i.
func (r *Response) SetGradient(i int, g []float64) error {
	if i < 0 || i >= len(r.gradients) {
		return fmt.Errorf("evalcore: response index %d out of range", i)
	}
	if r.gradients[i] == nil {
		r.gradients[i] = make([]float64, len(g))
	}
	copy(r.gradients[i], g)
	return nil
}

// Gradient returns the gradient vector for response i, or nil if none was
// requested.
func (r *Response) Gradient(i int) []float64 { return r.gradients[i] }

// SetHessian writes the full Hessian matrix for response i.
func (r *Response) SetHessian(i int, h [][]float64) error {
	if i < 0 || i >= len(r.hessians) {
		return fmt.Errorf("evalcore: response index %d out of range", i)
	}
	r.hessians[i] = h
	return nil
}

// Hessian returns the Hessian matrix for response i, or nil if none was
// requested.
func (r *Response) Hessian(i int) [][]float64 { return r.hessians[i] }

// NumResponses returns the response arity this Response was allocated for.
func (r *Response) NumResponses() int { return len(r.values) }

// Clone deep-copies an owning Response. Cloning a view clones the
// underlying data too (the clone is always an owning Response), matching
// the cache's need to store an independent snapshot.
func (r *Response) Clone() *Response {
	out := &Response{Mode: ModeOwning, ActiveSet: r.ActiveSet}
	out.values = append([]float64(nil), r.values...)
	out.gradients = make([][]float64, len(r.gradients))
	for i, g := range r.gradients {
		if g != nil {
			out.gradients[i] = append([]float64(nil), g...)
		}
	}
	out.hessians = make([][][]float64, len(r.hessians))
	for i, h := range r.hessians {
		if h == nil {
			continue
		}
		nh := make([][]float64, len(h))
		for j, row := range h {
			nh[j] = append([]float64(nil), row...)
		}
		out.hessians[i] = nh
	}
	return out
}

// OverlaySubset copies the components requested by sub (a Subset of
// r.ActiveSet, per ActiveSet.Subset) out of r into a freshly allocated
// Response dimensioned by sub. It is the default implementation behind the
// cache's partial-duplicate overlay hook.
func (r *Response) OverlaySubset(sub ActiveSet) *Response {
	out := NewOwningResponse(sub, r.NumResponses())
	for i := 0; i < r.NumResponses(); i++ {
		if i >= len(sub.Codes) {
			continue
		}
		if sub.WantsValue(i) {
			out.values[i] = r.values[i]
		}
		if sub.WantsGradient(i) && r.gradients[i] != nil {
			out.gradients[i] = sliceByIndex(r.gradients[i], r.ActiveSet.DVV, sub.DVV)
		}
		if sub.WantsHessian(i) && r.hessians[i] != nil {
			out.hessians[i] = sliceMatrixByIndex(r.hessians[i], r.ActiveSet.DVV, sub.DVV)
		}
	}
	return out
}

func sliceByIndex(full []float64, fullDVV, wantDVV []int) []float64 {
	pos := make(map[int]int, len(fullDVV))
	for i, v := range fullDVV {
		pos[v] = i
	}
	out := make([]float64, len(wantDVV))
	for i, v := range wantDVV {
		if j, ok := pos[v]; ok && j < len(full) {
			out[i] = full[j]
		}
	}
	return out
}

func sliceMatrixByIndex(full [][]float64, fullDVV, wantDVV []int) [][]float64 {
	pos := make(map[int]int, len(fullDVV))
	for i, v := range fullDVV {
		pos[v] = i
	}
	out := make([][]float64, len(wantDVV))
	for i, vi := range wantDVV {
		out[i] = make([]float64, len(wantDVV))
		pi, ok := pos[vi]
		if !ok {
			continue
		}
		for j, vj := range wantDVV {
			if pj, ok := pos[vj]; ok && pi < len(full) && pj < len(full[pi]) {
				out[i][j] = full[pi][pj]
			}
		}
	}
	return out
}
