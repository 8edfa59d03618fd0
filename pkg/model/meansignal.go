package model

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	"microfit/pkg/lut"
	"microfit/pkg/scheme"
)

func init() {
	Register("MeanSignal", func() Model { return &MeanSignal{} })
}

// MeanSignal is a diagnostic model used to validate a pipeline setup end
// to end. Its response function is isotropic and flat across shells, its
// fit reconstructs the observed signal unchanged (so the error map of a
// clean run is identically zero), and its single output channel reports
// the mean signal over the samples used for fitting.
type MeanSignal struct{}

func (*MeanSignal) ID() string   { return "MeanSignal" }
func (*MeanSignal) Name() string { return "Mean signal" }

func (*MeanSignal) OutputNames() []string { return []string{"mean"} }

func (*MeanSignal) OutputDescriptions() []string {
	return []string{"Mean signal over the samples used for fitting"}
}

// SetSolver accepts no tunables; any key is rejected so typos surface
// before fitting starts.
func (*MeanSignal) SetSolver(params SolverParams) (SolverParams, error) {
	for key := range params {
		return nil, fmt.Errorf("unknown solver parameter %q for model MeanSignal", key)
	}
	return SolverParams{}, nil
}

// meanSignalAtom is the single response-function atom this model generates.
const meanSignalAtom = "A_001.npy"

// Generate projects the flat isotropic response onto the harmonic basis
// once per shell and persists the coefficient blocks as one atom file.
func (m *MeanSignal) Generate(dir string, aux *lut.Aux, idxIn, idxOut [][]int, s *scheme.Scheme) error {
	nc := lut.NumCoeffs(aux.Lmax)

	// Least-squares projection of the unit response sampled on the grid.
	// For an isotropic signal only the order-0 coefficient survives, but
	// solving keeps the path identical for any response shape.
	ones := make([]float64, len(aux.Dirs))
	for i := range ones {
		ones[i] = 1
	}
	var coeff mat.VecDense
	if err := coeff.SolveVec(aux.Ylm, mat.NewVecDense(len(ones), ones)); err != nil {
		return fmt.Errorf("failed to project response onto harmonic basis: %v", err)
	}

	flat := make([]float64, len(idxOut)*nc)
	for k := range idxOut {
		for j, slot := range idxOut[k] {
			flat[slot] = coeff.AtVec(j)
		}
	}
	return lut.WriteNpy(filepath.Join(dir, meanSignalAtom), flat, len(idxOut), nc)
}

// meanSignalKernels holds the atom evaluated at every sample of one
// subject's scheme: 1 in the b0 slots, the resampled response elsewhere.
type meanSignalKernels struct {
	atom []float64
}

func (*meanSignalKernels) ModelID() string { return "MeanSignal" }

// Resample evaluates the stored coefficient blocks at the subject's
// gradient directions.
func (m *MeanSignal) Resample(dir string, idxOut []int, ylmOut *mat.Dense, s *scheme.Scheme) (KernelSet, error) {
	flat, shape, err := lut.ReadNpy(filepath.Join(dir, meanSignalAtom))
	if err != nil {
		return nil, fmt.Errorf("failed to load atom files from %s: %v", dir, err)
	}
	_, cols := ylmOut.Dims()
	if len(shape) != 2 || shape[0]*shape[1] != cols {
		return nil, fmt.Errorf("atom %s has shape %v, want %d coefficients", meanSignalAtom, shape, cols)
	}

	var proj mat.VecDense
	proj.MulVec(ylmOut, mat.NewVecDense(len(flat), flat))

	atom := make([]float64, s.SampleCount())
	for _, i := range s.B0Indices() {
		atom[i] = 1
	}
	for row, idx := range idxOut {
		atom[idx] = proj.AtVec(row)
	}
	return &meanSignalKernels{atom: atom}, nil
}

// Fit reconstructs the observed signal unchanged and reports its mean
// over the kept samples. The initial directions pass through untouched.
func (m *MeanSignal) Fit(y []float64, dirs [][3]float64, kernels KernelSet, keepIdx []int, params SolverParams) ([]float64, [][3]float64, []float64, error) {
	if _, ok := kernels.(*meanSignalKernels); !ok {
		return nil, nil, nil, fmt.Errorf("kernel set was built by model %q, not MeanSignal", kernels.ModelID())
	}

	kept := y
	if keepIdx != nil {
		kept = make([]float64, len(keepIdx))
		for i, idx := range keepIdx {
			kept[i] = y[idx]
		}
	}
	mean, err := stats.Mean(kept)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to compute mean signal: %v", err)
	}
	if math.IsNaN(mean) {
		mean = 0
	}

	yEst := make([]float64, len(y))
	copy(yEst, y)
	return yEst, dirs, []float64{mean}, nil
}
