package types

// VectorClock keeps one logical counter per session participating in a twin.
// It establishes causal order only and never carries wall-clock meaning.
type VectorClock map[SessionID]uint64

// Bump increments the vector clock for a session.
func (vc VectorClock) Bump(session SessionID) {
	vc[session] = vc[session] + 1
}

// Merge merges another vector clock into the receiver by taking the max value
// for each entry.
func (vc VectorClock) Merge(other VectorClock) {
	for session, value := range other {
		if current, ok := vc[session]; !ok || value > current {
			vc[session] = value
		}
	}
}

// Dominates reports whether every entry of other is covered by the receiver.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for session, value := range other {
		if vc[session] < value {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}
