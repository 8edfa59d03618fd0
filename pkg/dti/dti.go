// Package dti fits a single diffusion tensor per voxel with the classic
// log-linear least-squares estimator. The fitting engine uses it to seed
// each voxel's fiber direction with the tensor's principal eigenvector
// when no precomputed direction volume is supplied.
package dti

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"microfit/pkg/scheme"
)

// logFloor is the smallest signal value fed to the logarithm. Clamped or
// dead samples otherwise produce infinities that poison the whole solve.
const logFloor = 1e-10

// Fitter estimates diffusion tensors for one acquisition scheme. The
// design matrix depends only on the scheme, so its pseudo-inverse is
// computed once and shared by every voxel; Fitter is then safe for
// concurrent use.
type Fitter struct {
	n    int
	pinv *mat.Dense
}

// NewFitter builds the log-linear design matrix for the scheme's gradient
// table and precomputes its pseudo-inverse. The scheme needs at least 7
// samples (6 tensor components plus the baseline term).
func NewFitter(s *scheme.Scheme) (*Fitter, error) {
	n := s.SampleCount()
	if n < 7 {
		return nil, fmt.Errorf("tensor fit needs at least 7 samples, scheme has %d", n)
	}

	// Row i: ln(S_i) = ln(S0) - b_i * g_i' D g_i, linear in the six
	// tensor components and ln(S0).
	design := mat.NewDense(n, 7, nil)
	for i := 0; i < n; i++ {
		b := s.BValues[i]
		g := s.Directions[i]
		design.Set(i, 0, -b*g[0]*g[0])
		design.Set(i, 1, -b*g[1]*g[1])
		design.Set(i, 2, -b*g[2]*g[2])
		design.Set(i, 3, -2*b*g[0]*g[1])
		design.Set(i, 4, -2*b*g[0]*g[2])
		design.Set(i, 5, -2*b*g[1]*g[2])
		design.Set(i, 6, 1)
	}

	pinv, err := pseudoInverse(design)
	if err != nil {
		return nil, fmt.Errorf("gradient table is rank deficient: %v", err)
	}
	return &Fitter{n: n, pinv: pinv}, nil
}

// pseudoInverse computes the Moore-Penrose inverse through a thin SVD,
// dropping singular values below a relative cutoff.
func pseudoInverse(a *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, fmt.Errorf("SVD failed to converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sv := svd.Values(nil)

	cutoff := sv[0] * 1e-12
	rank := 0
	for _, s := range sv {
		if s > cutoff {
			rank++
		}
	}
	if rank < len(sv) {
		return nil, fmt.Errorf("rank %d of %d", rank, len(sv))
	}

	sinv := mat.NewDiagDense(len(sv), nil)
	for i, s := range sv {
		sinv.SetDiag(i, 1/s)
	}
	var tmp, pinv mat.Dense
	tmp.Mul(&v, sinv)
	pinv.Mul(&tmp, u.T())
	return &pinv, nil
}

// PrincipalDirection fits the tensor to one voxel's signal and returns
// the unit eigenvector of the largest eigenvalue. Degenerate input (dead
// signal, non-finite estimates, a failed eigendecomposition) falls back
// to the +z axis so callers always receive a usable direction.
func (f *Fitter) PrincipalDirection(y []float64) [3]float64 {
	fallback := [3]float64{0, 0, 1}
	if len(y) != f.n {
		return fallback
	}

	logs := make([]float64, f.n)
	live := false
	for i, v := range y {
		if v > logFloor {
			live = true
		} else {
			v = logFloor
		}
		logs[i] = math.Log(v)
	}
	if !live {
		return fallback
	}

	var p mat.VecDense
	p.MulVec(f.pinv, mat.NewVecDense(f.n, logs))
	for i := 0; i < 7; i++ {
		if v := p.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return fallback
		}
	}

	d := mat.NewSymDense(3, []float64{
		p.AtVec(0), p.AtVec(3), p.AtVec(4),
		p.AtVec(3), p.AtVec(1), p.AtVec(5),
		p.AtVec(4), p.AtVec(5), p.AtVec(2),
	})

	var es mat.EigenSym
	if !es.Factorize(d, true) {
		return fallback
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	// Eigenvalues come back ascending, so the principal axis is the last
	// column.
	dir := [3]float64{vecs.At(0, 2), vecs.At(1, 2), vecs.At(2, 2)}
	norm := math.Sqrt(dir[0]*dir[0] + dir[1]*dir[1] + dir[2]*dir[2])
	if norm == 0 || math.IsNaN(norm) {
		return fallback
	}
	for i := range dir {
		dir[i] /= norm
	}

	// Eigenvectors are sign ambiguous; canonicalize so the component of
	// largest magnitude is positive.
	k := 0
	for i := 1; i < 3; i++ {
		if math.Abs(dir[i]) > math.Abs(dir[k]) {
			k = i
		}
	}
	if dir[k] < 0 {
		for i := range dir {
			dir[i] = -dir[i]
		}
	}
	return dir
}
