package types

import "testing"

func TestVectorClockMergeAndDominates(t *testing.T) {
	a := VectorClock{"s1": 2, "s2": 1}
	b := VectorClock{"s2": 3, "s3": 1}

	if a.Dominates(b) {
		t.Fatalf("a should not dominate b")
	}

	merged := a.Clone()
	merged.Merge(b)
	if merged["s1"] != 2 || merged["s2"] != 3 || merged["s3"] != 1 {
		t.Fatalf("unexpected merge result %v", merged)
	}
	if !merged.Dominates(a) || !merged.Dominates(b) {
		t.Fatalf("merged clock should dominate both inputs")
	}
	if a["s2"] != 1 {
		t.Fatalf("clone must not alias the source")
	}

	merged.Bump("s1")
	if merged["s1"] != 3 {
		t.Fatalf("bump should increment, got %d", merged["s1"])
	}
}
