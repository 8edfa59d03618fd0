// Package eval orchestrates a model-fitting run: loading the diffusion
// signal and its acquisition scheme, generating and resampling the model's
// response-function kernels, fitting the model voxel by voxel, and writing
// the fitted maps. Stages must run in order; each stage validates the
// stages it depends on and fails with a PreconditionError when invoked too
// early.
package eval

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"microfit/pkg/config"
	"microfit/pkg/lut"
	"microfit/pkg/model"
	"microfit/pkg/nifti"
	"microfit/pkg/scheme"
)

// Results holds the fitted output volumes of one run.
type Results struct {
	// Dirs is the per-voxel fiber direction volume.
	Dirs *nifti.Volume

	// Maps holds one channel per model output, in declaration order.
	Maps *nifti.Volume

	// NRMSE is the voxel-wise fitting error, nil unless enabled.
	NRMSE *nifti.Volume

	// Path is the results directory SaveResults writes to, relative to the
	// subject folder.
	Path string
}

// Evaluation carries the state of one model-fitting run. Create it with
// New, then call LoadData, SetModel, GenerateKernels, LoadKernels, Fit and
// SaveResults in that order.
type Evaluation struct {
	cfg *config.Config

	dwi    *nifti.Volume
	mask   *nifti.Volume
	peaks  *nifti.Volume
	scheme *scheme.Scheme

	model   model.Model
	solver  model.SolverParams
	kernels model.KernelSet
	results *Results

	fitTime  time.Duration
	nFitted  int
	nClamped int64
}

// New creates an evaluation for the given configuration.
func New(cfg *config.Config) *Evaluation {
	return &Evaluation{cfg: cfg}
}

// Config returns the evaluation's configuration.
func (ev *Evaluation) Config() *config.Config { return ev.cfg }

// Results returns the fitted volumes, nil before Fit has run.
func (ev *Evaluation) Results() *Results { return ev.results }

// logf prints stage progress when the configuration asks for it.
func (ev *Evaluation) logf(format string, args ...interface{}) {
	if ev.cfg.Verbose {
		fmt.Printf(format, args...)
	}
}

// LoadData loads the diffusion signal, its acquisition scheme and the
// optional mask and peaks volumes, validating that their geometries agree.
func (ev *Evaluation) LoadData() error {
	tic := time.Now()
	ev.logf("\n-> Loading data:\n")

	ev.logf("\t* DWI signal...\n")
	dwi, err := nifti.Load(filepath.Join(ev.cfg.DataPath(), ev.cfg.Data.DWIFilename))
	if err != nil {
		return fmt.Errorf("failed to load DWI signal: %v", err)
	}
	ev.dwi = dwi
	ev.logf("\t\t- dim    = %d x %d x %d x %d\n", dwi.Nx, dwi.Ny, dwi.Nz, dwi.Nt)
	ev.logf("\t\t- pixdim = %.3f x %.3f x %.3f\n", dwi.PixDim[0], dwi.PixDim[1], dwi.PixDim[2])
	if dwi.Rescaled {
		ev.logf("\t\t- intensities rescaled by the stored slope and intercept\n")
	}

	ev.logf("\t* Acquisition scheme...\n")
	sch, err := scheme.Load(filepath.Join(ev.cfg.DataPath(), ev.cfg.Data.SchemeFilename), ev.cfg.Data.B0Threshold)
	if err != nil {
		return fmt.Errorf("failed to load acquisition scheme: %v", err)
	}
	ev.scheme = sch
	ev.logf("\t\t- %s\n", sch.Summary())

	if sch.SampleCount() != dwi.Nt {
		return &GeometryMismatchError{
			What: "acquisition scheme",
			Want: fmt.Sprintf("%d samples", dwi.Nt),
			Got:  fmt.Sprintf("%d samples", sch.SampleCount()),
		}
	}

	ev.logf("\t* Binary mask...\n")
	if ev.cfg.Data.MaskFilename != "" {
		mask, err := nifti.Load(filepath.Join(ev.cfg.DataPath(), ev.cfg.Data.MaskFilename))
		if err != nil {
			return fmt.Errorf("failed to load mask: %v", err)
		}
		if mask.SpatialDims() != dwi.SpatialDims() {
			return &GeometryMismatchError{
				What: "mask",
				Want: dimString(dwi.SpatialDims()),
				Got:  dimString(mask.SpatialDims()),
			}
		}
		ev.mask = mask
		ev.logf("\t\t- dim    = %d x %d x %d\n", mask.Nx, mask.Ny, mask.Nz)
	} else {
		mask := dwi.CloneGeometry(1)
		for i := range mask.Data {
			mask.Data[i] = 1
		}
		ev.mask = mask
		ev.logf("\t\t- not specified\n")
	}
	ev.logf("\t\t- voxels = %d\n", ev.maskedVoxelCount())

	if ev.cfg.Data.PeaksFilename != "" {
		ev.logf("\t* Direction peaks...\n")
		peaks, err := nifti.Load(filepath.Join(ev.cfg.DataPath(), ev.cfg.Data.PeaksFilename))
		if err != nil {
			return fmt.Errorf("failed to load peaks: %v", err)
		}
		if peaks.SpatialDims() != dwi.SpatialDims() {
			return &GeometryMismatchError{
				What: "peaks",
				Want: dimString(dwi.SpatialDims()),
				Got:  dimString(peaks.SpatialDims()),
			}
		}
		ev.peaks = peaks
		ev.logf("\t\t- dim    = %d x %d x %d x %d (%d peaks per voxel)\n",
			peaks.Nx, peaks.Ny, peaks.Nz, peaks.Nt, peaks.Nt/3)
	}

	ev.logf("   [ %.1f seconds ]\n", time.Since(tic).Seconds())
	return nil
}

func dimString(d [3]int) string {
	return fmt.Sprintf("%d x %d x %d", d[0], d[1], d[2])
}

// maskedVoxelCount counts the voxels the fit will visit.
func (ev *Evaluation) maskedVoxelCount() int {
	n := 0
	for _, v := range ev.mask.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// SetModel selects the model to fit by its registered name and resets the
// solver parameters to the model's defaults.
func (ev *Evaluation) SetModel(name string) error {
	m, err := model.New(name)
	if err != nil {
		return err
	}
	ev.model = m
	return ev.SetSolver(nil)
}

// SetSolver validates model-specific solver parameters and stores the
// effective set used by Fit.
func (ev *Evaluation) SetSolver(params model.SolverParams) error {
	if ev.model == nil {
		return &PreconditionError{Missing: "model not set", Call: "SetModel"}
	}
	effective, err := ev.model.SetSolver(params)
	if err != nil {
		return err
	}
	ev.solver = effective
	return nil
}

// kernelTag identifies the inputs a kernel set was generated from. A tag
// that matches the current run means the atoms on disk are reusable; any
// difference forces regeneration. The tag is written only after all atoms
// are on disk, so a crashed generation never leaves a valid tag behind.
type kernelTag struct {
	Model       string `yaml:"model"`
	Lmax        int    `yaml:"lmax"`
	SchemeHash  string `yaml:"schemeHash"`
	NDirections int    `yaml:"nDirections"`
}

const kernelTagFile = "kernels.yaml"

func (ev *Evaluation) currentKernelTag() kernelTag {
	return kernelTag{
		Model:       ev.model.ID(),
		Lmax:        ev.cfg.Kernels.Lmax,
		SchemeHash:  ev.scheme.Hash(),
		NDirections: lut.NDirections,
	}
}

// readKernelTag loads the tag of a kernel directory. A missing or
// unreadable tag comes back as nil, which callers treat as "regenerate".
func readKernelTag(dir string) *kernelTag {
	data, err := os.ReadFile(filepath.Join(dir, kernelTagFile))
	if err != nil {
		return nil
	}
	var tag kernelTag
	if err := yaml.Unmarshal(data, &tag); err != nil {
		return nil
	}
	return &tag
}

func writeKernelTag(dir string, tag kernelTag) error {
	data, err := yaml.Marshal(tag)
	if err != nil {
		return fmt.Errorf("failed to marshal kernel tag: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, kernelTagFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write kernel tag: %v", err)
	}
	return nil
}

// purgeDir removes everything inside dir, creating it when missing. Stale
// atoms from a different model, order or scheme must never survive into a
// regenerated kernel set.
func purgeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	if err != nil {
		return fmt.Errorf("failed to read directory: %v", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %v", entry.Name(), err)
		}
	}
	return nil
}

// GenerateKernels synthesizes the model's high-resolution response
// functions and persists them under the study's kernel directory. When a
// kernel set generated from the same model, harmonic order and scheme is
// already present, generation is skipped unless the configuration forces
// regeneration.
func (ev *Evaluation) GenerateKernels() error {
	if ev.scheme == nil {
		return &PreconditionError{Missing: "scheme not loaded", Call: "LoadData"}
	}
	if ev.model == nil {
		return &PreconditionError{Missing: "model not set", Call: "SetModel"}
	}

	ev.logf("\n-> Simulating with \"%s\" model:\n", ev.model.Name())

	dir := ev.cfg.KernelDir(ev.model.ID())
	want := ev.currentKernelTag()
	if tag := readKernelTag(dir); tag != nil && *tag == want && !ev.cfg.Kernels.Regenerate {
		ev.logf("   [ Kernels already computed. Set regenerate to force regeneration. ]\n")
		return nil
	}

	if err := purgeDir(dir); err != nil {
		return fmt.Errorf("failed to prepare kernel directory: %v", err)
	}

	aux, err := lut.LoadAux(ev.cfg.Kernels.TableDir, ev.cfg.Kernels.Lmax)
	if err != nil {
		return err
	}
	idxIn, idxOut := lut.AuxGenerate(ev.scheme, ev.cfg.Kernels.Lmax)

	tic := time.Now()
	if err := ev.model.Generate(dir, aux, idxIn, idxOut, ev.scheme); err != nil {
		return fmt.Errorf("failed to generate kernels: %v", err)
	}
	if err := writeKernelTag(dir, want); err != nil {
		return err
	}
	ev.logf("   [ %.1f seconds ]\n", time.Since(tic).Seconds())
	return nil
}

// LoadKernels projects the generated atoms onto this subject's gradient
// scheme, producing the kernel set Fit consumes.
func (ev *Evaluation) LoadKernels() error {
	if ev.model == nil {
		return &PreconditionError{Missing: "model not set", Call: "SetModel"}
	}
	if ev.scheme == nil {
		return &PreconditionError{Missing: "scheme not loaded", Call: "LoadData"}
	}

	tic := time.Now()
	ev.logf("\n-> Resampling kernels for subject \"%s\":\n", ev.cfg.Data.Subject)

	idxOut, ylmOut := lut.AuxResample(ev.scheme, ev.cfg.Kernels.Lmax)
	kernels, err := ev.model.Resample(ev.cfg.KernelDir(ev.model.ID()), idxOut, ylmOut, ev.scheme)
	if err != nil {
		return fmt.Errorf("failed to resample kernels: %v", err)
	}
	ev.kernels = kernels

	ev.logf("   [ %.1f seconds ]\n", time.Since(tic).Seconds())
	return nil
}
