package lut

import "math"

// NDirections is the number of directions in the canonical hemisphere grid
// used for high-resolution kernel sampling. Response functions are evaluated
// once per grid direction and shell, then resampled onto the subject scheme.
const NDirections = 500

// goldenAngle is the azimuthal increment of the spherical Fibonacci lattice.
var goldenAngle = math.Pi * (3 - math.Sqrt(5))

// Grid returns n unit directions covering the upper hemisphere (z >= 0)
// on a spherical Fibonacci lattice. The layout is deterministic: the same
// n always yields the same directions, which keeps precomputed tables and
// kernel files interchangeable between runs.
func Grid(n int) [][3]float64 {
	dirs := make([][3]float64, n)
	for i := 0; i < n; i++ {
		z := (float64(i) + 0.5) / float64(n)
		r := math.Sqrt(1 - z*z)
		th := goldenAngle * float64(i)
		dirs[i] = [3]float64{r * math.Cos(th), r * math.Sin(th), z}
	}
	return dirs
}
