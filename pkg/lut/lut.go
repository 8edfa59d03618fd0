// Package lut manages the precomputed lookup tables the kernel machinery
// depends on: a canonical hemisphere direction grid, the real symmetric
// spherical-harmonic basis evaluated on it, and the index structures that
// map high-resolution kernel samplings onto a subject acquisition scheme.
// Tables are persisted as NumPy .npy files so they can be inspected and
// reused across runs.
package lut

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"

	"microfit/pkg/scheme"
)

// NotSetupError reports that the precomputed tables for a given harmonic
// order are missing from the table directory.
type NotSetupError struct {
	Dir  string
	Lmax int
}

func (e *NotSetupError) Error() string {
	return fmt.Sprintf("precomputed tables for lmax=%d not found in %s: run setup first", e.Lmax, e.Dir)
}

// Aux bundles the loaded tables for one harmonic order.
type Aux struct {
	Lmax int

	// Dirs is the canonical hemisphere grid (NDirections unit vectors).
	Dirs [][3]float64

	// Ylm holds the basis values on the grid: NDirections rows by
	// NumCoeffs(Lmax) columns.
	Ylm *mat.Dense
}

func dirsPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("dirs_%d.npy", NDirections))
}

func ylmPath(dir string, lmax int) string {
	return filepath.Join(dir, fmt.Sprintf("ylm_lmax%02d_%d.npy", lmax, NDirections))
}

// Setup computes and persists the tables for the given harmonic order in
// dir, creating it when needed. The computation is deterministic, so
// running setup again simply rewrites identical files.
func Setup(dir string, lmax int) error {
	if lmax < 0 || lmax%2 != 0 {
		return fmt.Errorf("harmonic order must be even and non-negative, got %d", lmax)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create table directory: %v", err)
	}

	dirs := Grid(NDirections)
	flat := make([]float64, 0, 3*len(dirs))
	for _, d := range dirs {
		flat = append(flat, d[0], d[1], d[2])
	}
	if err := WriteNpy(dirsPath(dir), flat, len(dirs), 3); err != nil {
		return err
	}

	B := BasisMatrix(lmax, dirs)
	r, c := B.Dims()
	return WriteNpy(ylmPath(dir, lmax), B.RawMatrix().Data, r, c)
}

// LoadAux reads the tables for the given harmonic order. A missing file
// yields a NotSetupError so callers can point the user at setup.
func LoadAux(dir string, lmax int) (*Aux, error) {
	dirsFlat, dshape, err := ReadNpy(dirsPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotSetupError{Dir: dir, Lmax: lmax}
		}
		return nil, err
	}
	if len(dshape) != 2 || dshape[1] != 3 {
		return nil, fmt.Errorf("direction table has shape %v, want [n 3]", dshape)
	}

	ylmFlat, yshape, err := ReadNpy(ylmPath(dir, lmax))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotSetupError{Dir: dir, Lmax: lmax}
		}
		return nil, err
	}
	nc := NumCoeffs(lmax)
	if len(yshape) != 2 || yshape[0] != dshape[0] || yshape[1] != nc {
		return nil, fmt.Errorf("basis table has shape %v, want [%d %d]", yshape, dshape[0], nc)
	}

	dirs := make([][3]float64, dshape[0])
	for i := range dirs {
		dirs[i] = [3]float64{dirsFlat[3*i], dirsFlat[3*i+1], dirsFlat[3*i+2]}
	}
	return &Aux{
		Lmax: lmax,
		Dirs: dirs,
		Ylm:  mat.NewDense(yshape[0], yshape[1], ylmFlat),
	}, nil
}

// WriteNpy persists a float64 array of the given shape as a .npy file.
// Kernel atoms and the precomputed tables share this format.
func WriteNpy(path string, data []float64, shape ...int) error {
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %v", path, err)
	}
	w.Shape = shape
	w.Version = 2
	if err := w.WriteFloat64(data); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return nil
}

// ReadNpy loads a float64 .npy file, returning the flat data and its shape.
// A missing file surfaces as an os.IsNotExist error.
func ReadNpy(path string) ([]float64, []int, error) {
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := r.GetFloat64()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %v", path, err)
	}
	return data, r.Shape, nil
}

// AuxGenerate returns the index structures used while generating kernels:
// for each shell k of the scheme, idxIn[k] lists the rows of that shell's
// block in the high-resolution sampling (NDirections samples per shell),
// and idxOut[k] lists the coefficient slots of that shell's block in the
// projected kernel (NumCoeffs(lmax) per shell).
func AuxGenerate(s *scheme.Scheme, lmax int) (idxIn, idxOut [][]int) {
	nc := NumCoeffs(lmax)
	nShells := len(s.Shells)
	idxIn = make([][]int, nShells)
	idxOut = make([][]int, nShells)
	for k := 0; k < nShells; k++ {
		in := make([]int, NDirections)
		for i := range in {
			in[i] = k*NDirections + i
		}
		out := make([]int, nc)
		for i := range out {
			out[i] = k*nc + i
		}
		idxIn[k] = in
		idxOut[k] = out
	}
	return idxIn, idxOut
}

// AuxResample returns the structures used while resampling kernels onto a
// subject scheme: idxOut lists the scheme's diffusion-weighted sample
// indices grouped shell by shell, and ylmOut is the block-diagonal basis
// matrix that evaluates each shell's coefficient block at that shell's
// gradient directions. Multiplying a projected kernel by ylmOut yields the
// kernel signal at the subject's actual samples.
func AuxResample(s *scheme.Scheme, lmax int) (idxOut []int, ylmOut *mat.Dense) {
	nc := NumCoeffs(lmax)
	nShells := len(s.Shells)
	idxOut = make([]int, 0, s.DWICount())
	ylmOut = mat.NewDense(s.DWICount(), nc*nShells, nil)

	row := 0
	for k := 0; k < nShells; k++ {
		shellDirs := make([][3]float64, len(s.Shells[k].Indices))
		for i, idx := range s.Shells[k].Indices {
			shellDirs[i] = s.Directions[idx]
			idxOut = append(idxOut, idx)
		}
		B := BasisMatrix(lmax, shellDirs)
		for i := range shellDirs {
			for j := 0; j < nc; j++ {
				ylmOut.Set(row+i, k*nc+j, B.At(i, j))
			}
		}
		row += len(shellDirs)
	}
	return idxOut, ylmOut
}
