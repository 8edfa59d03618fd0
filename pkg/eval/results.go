package eval

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/montanaflynn/stats"
	"gopkg.in/yaml.v3"

	"microfit/pkg/config"
	"microfit/pkg/model"
	"microfit/pkg/nifti"
)

// resultsDirName is the folder under the subject directory holding fitted
// outputs, namespaced by model id.
const resultsDirName = "MICROFIT"

// runSnapshot is the record written next to the fitted maps so a results
// directory documents the configuration that produced it.
type runSnapshot struct {
	Config        *config.Config     `yaml:"config"`
	ModelID       string             `yaml:"modelId"`
	ModelName     string             `yaml:"modelName"`
	SolverParams  model.SolverParams `yaml:"solverParams,omitempty"`
	Dim           [4]int             `yaml:"dim"`
	PixDim        [4]float64         `yaml:"pixdim"`
	SchemeHash    string             `yaml:"schemeHash"`
	OutputNames   []string           `yaml:"outputNames"`
	FittedVoxels  int                `yaml:"fittedVoxels"`
	FitSeconds    float64            `yaml:"fitSeconds"`
	ClampedValues int64              `yaml:"clampedValues"`
}

// outputDirName derives the results directory name, relative to the
// subject folder. Fit stores it in the Results bundle.
func (ev *Evaluation) outputDirName() string {
	name := ev.model.ID()
	if ev.cfg.Fitting.OutputSuffix != "" {
		name += "_" + ev.cfg.Fitting.OutputSuffix
	}
	return filepath.Join(resultsDirName, name)
}

// SaveResults writes the fitted volumes and a configuration snapshot to
// the model's results directory. Prior contents of that directory are
// removed first: a results directory always reflects exactly one run.
func (ev *Evaluation) SaveResults() error {
	if ev.results == nil {
		return &PreconditionError{Missing: "model not fitted to the data", Call: "Fit"}
	}

	rel := ev.results.Path
	ev.logf("\n-> Saving output to \"%s/*\":\n", rel)

	dir := filepath.Join(ev.cfg.DataPath(), rel)
	if err := purgeDir(dir); err != nil {
		return fmt.Errorf("failed to prepare results directory: %v", err)
	}

	ev.logf("\t- configuration")
	if err := ev.writeSnapshot(filepath.Join(dir, "config.yaml")); err != nil {
		return err
	}
	ev.logf(" [OK]\n")

	ev.logf("\t- FIT_dir.nii.gz")
	dirVol := ev.results.Dirs
	dirVol.CalMin, dirVol.CalMax = -1, 1
	if err := nifti.Save(filepath.Join(dir, "FIT_dir.nii.gz"), dirVol); err != nil {
		return fmt.Errorf("failed to save direction volume: %v", err)
	}
	ev.logf(" [OK]\n")

	if ev.results.NRMSE != nil {
		ev.logf("\t- FIT_nrmse.nii.gz")
		errVol := ev.results.NRMSE
		errVol.CalMin, errVol.CalMax = 0, 1
		if err := nifti.Save(filepath.Join(dir, "FIT_nrmse.nii.gz"), errVol); err != nil {
			return fmt.Errorf("failed to save error map: %v", err)
		}
		ev.logf(" [OK]\n")
	}

	names := ev.model.OutputNames()
	descrs := ev.model.OutputDescriptions()
	for i, chName := range names {
		ev.logf("\t- FIT_%s.nii.gz", chName)
		ch := extractChannel(ev.results.Maps, i)
		ch.Descrip = descrs[i]
		if err := nifti.Save(filepath.Join(dir, fmt.Sprintf("FIT_%s.nii.gz", chName)), ch); err != nil {
			return fmt.Errorf("failed to save %s map: %v", chName, err)
		}
		ev.logf(" [OK]\n")
	}

	ev.logf("   [ DONE ]\n")
	return nil
}

// writeSnapshot serializes the effective run configuration.
func (ev *Evaluation) writeSnapshot(path string) error {
	snap := runSnapshot{
		Config:        ev.cfg,
		ModelID:       ev.model.ID(),
		ModelName:     ev.model.Name(),
		SolverParams:  ev.solver,
		Dim:           [4]int{ev.dwi.Nx, ev.dwi.Ny, ev.dwi.Nz, ev.dwi.Nt},
		PixDim:        ev.dwi.PixDim,
		SchemeHash:    ev.scheme.Hash(),
		OutputNames:   ev.model.OutputNames(),
		FittedVoxels:  ev.nFitted,
		FitSeconds:    ev.fitTime.Seconds(),
		ClampedValues: ev.nClamped,
	}
	data, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to marshal run snapshot: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run snapshot: %v", err)
	}
	return nil
}

// extractChannel copies one sample channel of a 4D volume into a 3D
// volume with the display range set to the channel's observed extrema.
func extractChannel(v *nifti.Volume, t int) *nifti.Volume {
	out := v.CloneGeometry(1)
	vals := make([]float64, 0, out.NVox())
	for z := 0; z < v.Nz; z++ {
		for y := 0; y < v.Ny; y++ {
			for x := 0; x < v.Nx; x++ {
				val := v.At(x, y, z, t)
				out.SetAt(x, y, z, 0, val)
				vals = append(vals, float64(val))
			}
		}
	}
	if lo, err := stats.Min(vals); err == nil {
		out.CalMin = lo
	}
	if hi, err := stats.Max(vals); err == nil {
		out.CalMax = hi
	}
	return out
}
