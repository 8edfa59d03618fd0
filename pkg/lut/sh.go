package lut

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// NumCoeffs returns the number of real symmetric spherical-harmonic
// coefficients up to even order lmax: all (l, m) with l even, |m| <= l.
func NumCoeffs(lmax int) int {
	return (lmax + 1) * (lmax + 2) / 2
}

// legendre evaluates the associated Legendre function P_l^m(x) for m >= 0
// using the standard recurrences, including the Condon-Shortley phase.
func legendre(l, m int, x float64) float64 {
	// Seed P_m^m, then raise the order with the two-term recurrence.
	pmm := 1.0
	if m > 0 {
		somx2 := math.Sqrt((1 - x) * (1 + x))
		fact := 1.0
		for i := 0; i < m; i++ {
			pmm *= -fact * somx2
			fact += 2
		}
	}
	if l == m {
		return pmm
	}
	pmmp1 := x * float64(2*m+1) * pmm
	if l == m+1 {
		return pmmp1
	}
	var pll float64
	for ll := m + 2; ll <= l; ll++ {
		pll = (x*float64(2*ll-1)*pmmp1 - float64(ll+m-1)*pmm) / float64(ll-m)
		pmm = pmmp1
		pmmp1 = pll
	}
	return pll
}

// shNorm returns the orthonormalization factor
// sqrt((2l+1)/(4*pi) * (l-m)!/(l+m)!), computed through log-gamma to stay
// finite at the orders diffusion work uses (lmax up to 16).
func shNorm(l, m int) float64 {
	lg1, _ := math.Lgamma(float64(l - m + 1))
	lg2, _ := math.Lgamma(float64(l + m + 1))
	return math.Sqrt(float64(2*l+1) / (4 * math.Pi) * math.Exp(lg1-lg2))
}

// Ylm evaluates one real symmetric spherical harmonic of even order l and
// degree m at colatitude theta and azimuth phi:
//
//	m < 0: sqrt(2) * N(l,|m|) * P_l^|m|(cos theta) * sin(|m| phi)
//	m = 0:           N(l,0)   * P_l^0(cos theta)
//	m > 0: sqrt(2) * N(l,m)   * P_l^m(cos theta)  * cos(m phi)
func Ylm(l, m int, theta, phi float64) float64 {
	am := m
	if am < 0 {
		am = -am
	}
	v := shNorm(l, am) * legendre(l, am, math.Cos(theta))
	switch {
	case m < 0:
		return math.Sqrt2 * v * math.Sin(float64(am)*phi)
	case m > 0:
		return math.Sqrt2 * v * math.Cos(float64(m)*phi)
	default:
		return v
	}
}

// cartToSphere converts a unit direction to (theta, phi) with theta the
// angle from +z and phi the azimuth in the x-y plane.
func cartToSphere(d [3]float64) (theta, phi float64) {
	r := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
	if r == 0 {
		return 0, 0
	}
	return math.Acos(d[2] / r), math.Atan2(d[1], d[0])
}

// BasisMatrix evaluates the full even-order basis up to lmax at each
// direction. Row i holds the NumCoeffs(lmax) basis values for dirs[i],
// with coefficients ordered by ascending l and, within each order, by
// m from -l to l.
func BasisMatrix(lmax int, dirs [][3]float64) *mat.Dense {
	nc := NumCoeffs(lmax)
	B := mat.NewDense(len(dirs), nc, nil)
	for i, d := range dirs {
		theta, phi := cartToSphere(d)
		j := 0
		for l := 0; l <= lmax; l += 2 {
			for m := -l; m <= l; m++ {
				B.Set(i, j, Ylm(l, m, theta, phi))
				j++
			}
		}
	}
	return B
}
