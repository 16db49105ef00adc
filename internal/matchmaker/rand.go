package matchmaker

import "math/rand/v2"

// defaultRandFloat draws the uniform sample used by color assignment.
// This is the one place in the core where the choice is genuinely
// arbitrary rather than domain math, so it stays on the standard
// library's math/rand/v2 rather than reaching for a pack dependency.
func defaultRandFloat() float64 {
	return rand.Float64()
}
