package evalcore

import (
	"hash/fnv"
)

// Fingerprint is derived from (interface_id, variables, active_set). Two
// Pairs with the same Fingerprint are exact duplicates for cache purposes.
//
// Key is a stable 64-bit mix suitable for map/bucket indexing; Canonical is
// the full string the hash was computed from, retained so two distinct
// canonical strings that happen to collide on Key can still be told apart
// (the cache compares Canonical, not just Key, on lookup).
type Fingerprint struct {
	InterfaceID string
	Key         uint64
	Canonical   string
}

// NewFingerprint builds the fingerprint for (interfaceID, vars, set) by
// hashing a stable, serialized form so equal inputs always mix to the
// same key.
func NewFingerprint(interfaceID string, vars Variables, set ActiveSet) Fingerprint {
	canon := interfaceID + "|" + vars.Canonical() + "|" + set.Canonical()
	h := fnv.New64a()
	_, _ = h.Write([]byte(canon))
	return Fingerprint{
		InterfaceID: interfaceID,
		Key:         h.Sum64(),
		Canonical:   canon,
	}
}

// Equal compares two fingerprints by their canonical form, not just Key, so
// a hash collision never produces a false cache hit.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.InterfaceID == o.InterfaceID && f.Canonical == o.Canonical
}
