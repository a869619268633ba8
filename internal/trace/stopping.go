package trace

import "math"

// StoppingPoints precomputes the MDA stopping rule n(k, bound) for
// k = 0..maxBranch: the number of distinct flows that must have been probed
// through a hop before concluding, with probability at least 1−bound, that
// no (k+1)-th next-hop exists when k have been observed. Under the uniform
// assumption over k+1 equi-probable next-hops,
//
//	n(k) = ceil(ln(bound) / ln(k/(k+1)))    for k >= 1
//
// and n(0) is the minimum initial flow count, 2 by convention.
func StoppingPoints(maxBranch int, bound float64) []int {
	n := make([]int, maxBranch+1)
	n[0] = 2
	for k := 1; k <= maxBranch; k++ {
		ratio := float64(k) / float64(k+1)
		v := math.Ceil(math.Log(bound) / math.Log(ratio))
		n[k] = int(v)
		if n[k] < n[k-1] {
			// The table is non-decreasing by construction; guard against
			// floating-point dips.
			n[k] = n[k-1]
		}
	}
	return n
}
