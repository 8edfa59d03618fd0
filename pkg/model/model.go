// Package model defines the contract voxel-wise signal models implement
// and the closed registry the pipeline instantiates them through. The
// fitting engine treats a model as a black box: it only ever touches the
// methods below, never model internals.
package model

import (
	"gonum.org/v1/gonum/mat"

	"microfit/pkg/lut"
	"microfit/pkg/scheme"
)

// SolverParams carries the model-specific solver settings. Each model
// validates the parameters it understands in SetSolver and returns the
// effective set, defaults filled in.
type SolverParams map[string]float64

// KernelSet holds response-function atoms resampled onto one subject's
// acquisition scheme. The concrete layout is owned by the model that
// built it; the engine only consults the generating model's id to guard
// against fitting with kernels from a different model.
type KernelSet interface {
	ModelID() string
}

// Model describes the signal contributions in a single voxel.
//
// ID must be stable across runs: it namespaces the kernel directory and
// the results directory, and it tags every KernelSet the model resamples.
// OutputNames and OutputDescriptions are parallel slices declaring the
// model's output channels in order; the fitted maps are written under
// these names.
type Model interface {
	ID() string
	Name() string
	OutputNames() []string
	OutputDescriptions() []string

	// SetSolver validates the given solver parameters and returns the
	// effective set. Unknown keys are an error so typos surface before
	// fitting starts.
	SetSolver(params SolverParams) (SolverParams, error)

	// Generate synthesizes the high-resolution response-function atoms
	// and writes them as files under dir. idxIn and idxOut are the
	// per-shell index blocks from lut.AuxGenerate.
	Generate(dir string, aux *lut.Aux, idxIn, idxOut [][]int, s *scheme.Scheme) error

	// Resample projects the atoms under dir onto the subject's actual
	// sampling directions using the structures from lut.AuxResample and
	// returns the resulting KernelSet.
	Resample(dir string, idxOut []int, ylmOut *mat.Dense, s *scheme.Scheme) (KernelSet, error)

	// Fit estimates the model in one voxel. y is the prepared signal
	// vector, dirs the initial fiber directions, keepIdx the optional
	// subset of samples to fit on (nil means all). It returns the
	// reconstructed signal, the possibly refined directions, and one
	// value per declared output channel.
	Fit(y []float64, dirs [][3]float64, kernels KernelSet, keepIdx []int, params SolverParams) (yEst []float64, dirsMod [][3]float64, outputs []float64, err error)
}
