package trace

import "testing"

func TestStoppingPoints(t *testing.T) {
	n := StoppingPoints(16, 0.05)

	// Hand-checked values for bound 0.05 under the uniform assumption.
	want := map[int]int{
		0: 2,
		1: 5,
		2: 8,
		3: 11,
		4: 14,
		5: 17,
	}
	for k, v := range want {
		if n[k] != v {
			t.Errorf("n(%d, 0.05) = %d, want %d", k, n[k], v)
		}
	}
}

func TestStoppingPointsNonDecreasing(t *testing.T) {
	for _, bound := range []float64{0.5, 0.05, 0.01, 0.001} {
		n := StoppingPoints(32, bound)
		for k := 1; k < len(n); k++ {
			if n[k] < n[k-1] {
				t.Fatalf("bound %g: n(%d)=%d < n(%d)=%d", bound, k, n[k], k-1, n[k-1])
			}
		}
	}
}

func TestStoppingPointsTighterBoundNeedsMoreFlows(t *testing.T) {
	loose := StoppingPoints(8, 0.1)
	tight := StoppingPoints(8, 0.01)
	for k := 1; k <= 8; k++ {
		if tight[k] < loose[k] {
			t.Errorf("k=%d: tighter bound wants fewer flows (%d < %d)", k, tight[k], loose[k])
		}
	}
}
