package evalcore

import (
	"fmt"
	"strconv"
	"strings"
)

// Request bits for a single response within an ActiveSet.
const (
	ReqValue    = 1 << 0
	ReqGradient = 1 << 1
	ReqHessian  = 1 << 2

	maxRequestCode = ReqValue | ReqGradient | ReqHessian
)

// ActiveSet pairs a per-response request-code vector with the list of
// variables derivatives are requested with respect to (the "derivative
// variables vector", DVV). Invariant: len(Codes) must equal the owning
// interface's response arity, and every entry of DVV must index Variables.
type ActiveSet struct {
	Codes []uint8
	DVV   []int
}

// NewActiveSet validates that every code is within {0..7}.
func NewActiveSet(codes []uint8, dvv []int) (ActiveSet, error) {
	for i, c := range codes {
		if c > maxRequestCode {
			return ActiveSet{}, fmt.Errorf("evalcore: active set code[%d]=%d exceeds max %d", i, c, maxRequestCode)
		}
	}
	return ActiveSet{
		Codes: append([]uint8(nil), codes...),
		DVV:   append([]int(nil), dvv...),
	}, nil
}

// WantsValue reports whether bit 0 is set for response i.
func (s ActiveSet) WantsValue(i int) bool { return s.Codes[i]&ReqValue != 0 }

// WantsGradient reports whether bit 1 is set for response i.
func (s ActiveSet) WantsGradient(i int) bool { return s.Codes[i]&ReqGradient != 0 }

// WantsHessian reports whether bit 2 is set for response i.
func (s ActiveSet) WantsHessian(i int) bool { return s.Codes[i]&ReqHessian != 0 }

// Subset reports whether s requests no more than o: every bit set in s is
// also set in o, for every response, and s's DVV is a subset of o's DVV.
// A Pair whose ActiveSet is a Subset of an already-cached Pair's ActiveSet
// is a partial duplicate.
func (s ActiveSet) Subset(o ActiveSet) bool {
	if len(s.Codes) != len(o.Codes) {
		return false
	}
	for i := range s.Codes {
		if s.Codes[i]&^o.Codes[i] != 0 {
			return false
		}
	}
	want := make(map[int]bool, len(s.DVV))
	for _, v := range s.DVV {
		want[v] = true
	}
	have := make(map[int]bool, len(o.DVV))
	for _, v := range o.DVV {
		have[v] = true
	}
	for v := range want {
		if !have[v] {
			return false
		}
	}
	return true
}

// Equal is exact equality of codes and DVV (order-sensitive for DVV, as the
// original keeps it as an ordered index list).
func (s ActiveSet) Equal(o ActiveSet) bool {
	if len(s.Codes) != len(o.Codes) || len(s.DVV) != len(o.DVV) {
		return false
	}
	for i := range s.Codes {
		if s.Codes[i] != o.Codes[i] {
			return false
		}
	}
	for i := range s.DVV {
		if s.DVV[i] != o.DVV[i] {
			return false
		}
	}
	return true
}

// Canonical returns a stable string encoding used by the fingerprint hash.
func (s ActiveSet) Canonical() string {
	var b strings.Builder
	for _, c := range s.Codes {
		b.WriteString(strconv.Itoa(int(c)))
		b.WriteByte(',')
	}
	b.WriteByte(';')
	for _, v := range s.DVV {
		b.WriteString(strconv.Itoa(v))
		b.WriteByte(',')
	}
	return b.String()
}
