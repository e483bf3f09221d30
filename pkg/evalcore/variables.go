// Package evalcore holds the data model shared by every other package in
// this module: variables, active sets, responses, and the evaluation pairs
// built from them. It is intentionally free of scheduling, caching, or
// transport concerns — those packages depend on evalcore, never the reverse.
package evalcore

import (
	"fmt"
	"strconv"
	"strings"
)

// Variables is an ordered tuple of continuous, discrete-integer, and
// discrete-label values. The core treats Variables as opaque beyond
// equality, hashing, and serialization support.
type Variables struct {
	Continuous []float64
	Discrete   []int64
	Labels     []string
}

// NewVariables builds a Variables tuple, copying the input slices so the
// caller's backing arrays can be reused.
func NewVariables(continuous []float64, discrete []int64, labels []string) Variables {
	v := Variables{
		Continuous: append([]float64(nil), continuous...),
		Discrete:   append([]int64(nil), discrete...),
		Labels:     append([]string(nil), labels...),
	}
	return v
}

// Len returns the total arity across all three components.
func (v Variables) Len() int {
	return len(v.Continuous) + len(v.Discrete) + len(v.Labels)
}

// Equal reports exact equality: continuous components compare bit-for-bit
// (or byte-for-byte on their canonical decimal encoding — see Canonical),
// discrete and label components compare exactly. The cache never uses an
// epsilon comparison; determinism matters more than tolerance here.
func (v Variables) Equal(o Variables) bool {
	if len(v.Continuous) != len(o.Continuous) ||
		len(v.Discrete) != len(o.Discrete) ||
		len(v.Labels) != len(o.Labels) {
		return false
	}
	for i := range v.Continuous {
		if v.Continuous[i] != o.Continuous[i] && canonicalFloat(v.Continuous[i]) != canonicalFloat(o.Continuous[i]) {
			return false
		}
	}
	for i := range v.Discrete {
		if v.Discrete[i] != o.Discrete[i] {
			return false
		}
	}
	for i := range v.Labels {
		if v.Labels[i] != o.Labels[i] {
			return false
		}
	}
	return true
}

// canonicalFloat renders a float with 17 significant digits, enough to
// round-trip any float64 exactly, so the encoding is deterministic and two
// values render identically exactly when they are the same float64 (NaNs
// all render as "NaN"). The restart journal itself stores raw float64 bits.
func canonicalFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', 17, 64)
}

// Canonical returns a stable string encoding of Variables suitable for
// hashing. It is not meant to be human-facing, only deterministic.
func (v Variables) Canonical() string {
	var b strings.Builder
	for _, c := range v.Continuous {
		b.WriteString(canonicalFloat(c))
		b.WriteByte(',')
	}
	b.WriteByte(';')
	for _, d := range v.Discrete {
		b.WriteString(strconv.FormatInt(d, 10))
		b.WriteByte(',')
	}
	b.WriteByte(';')
	for _, l := range v.Labels {
		b.WriteString(l)
		b.WriteByte(',')
	}
	return b.String()
}

func (v Variables) String() string {
	return fmt.Sprintf("V{c=%v d=%v l=%v}", v.Continuous, v.Discrete, v.Labels)
}
