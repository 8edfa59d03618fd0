package eval

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"microfit/pkg/dti"
	"microfit/pkg/nifti"
)

type voxelCoord struct {
	x, y, z int
}

// maskedCoords flattens the mask into the list of voxels to fit.
func (ev *Evaluation) maskedCoords() []voxelCoord {
	var coords []voxelCoord
	for z := 0; z < ev.mask.Nz; z++ {
		for y := 0; y < ev.mask.Ny; y++ {
			for x := 0; x < ev.mask.Nx; x++ {
				if ev.mask.At(x, y, z, 0) != 0 {
					coords = append(coords, voxelCoord{x, y, z})
				}
			}
		}
	}
	return coords
}

// Fit runs the voxel-wise model fit over every masked voxel. Voxels are
// independent units of work: each reads only shared immutable inputs and
// writes to its own output slots, so the result is identical for any
// worker count. The context is checked between voxels, bounding how long
// a cancellation takes to be honored.
func (ev *Evaluation) Fit(ctx context.Context) error {
	if ev.dwi == nil {
		return &PreconditionError{Missing: "data not loaded", Call: "LoadData"}
	}
	if ev.model == nil {
		return &PreconditionError{Missing: "model not set", Call: "SetModel"}
	}
	if ev.kernels == nil {
		return &PreconditionError{Missing: "response functions not loaded", Call: "GenerateKernels and LoadKernels"}
	}
	if ev.kernels.ModelID() != ev.model.ID() {
		return &ModelConsistencyError{KernelModel: ev.kernels.ModelID(), ActiveModel: ev.model.ID()}
	}

	coords := ev.maskedCoords()
	ev.logf("\n-> Fitting \"%s\" model separately to all %d voxels:\n", ev.model.Name(), len(coords))

	// Output volumes inherit the signal's geometry. With an external peaks
	// volume the direction volume keeps its width and starting content;
	// otherwise it holds one tensor-seeded direction per voxel.
	nDirComp := 3
	if ev.peaks != nil {
		nDirComp = ev.peaks.Nt
	}
	dirVol := ev.dwi.CloneGeometry(nDirComp)
	if ev.peaks != nil {
		copy(dirVol.Data, ev.peaks.Data)
	}
	mapsVol := ev.dwi.CloneGeometry(len(ev.model.OutputNames()))
	var nrmseVol *nifti.Volume
	if ev.cfg.Fitting.ComputeNRMSE {
		nrmseVol = ev.dwi.CloneGeometry(1)
	}

	var fitter *dti.Fitter
	if ev.peaks == nil {
		f, err := dti.NewFitter(ev.scheme)
		if err != nil {
			return fmt.Errorf("failed to build tensor fitter: %v", err)
		}
		fitter = f
	}

	// With b0 merging on, models fit on the diffusion-weighted samples
	// plus a single representative b0.
	var idxToKeep []int
	if ev.cfg.Fitting.MergeB0 && ev.scheme.B0Count() > 0 {
		idxToKeep = append(append([]int{}, ev.scheme.DWIIndices()...), ev.scheme.B0Indices()[0])
	}

	workers := ev.cfg.Fitting.NumWorkers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if workers > len(coords) && len(coords) > 0 {
		workers = len(coords)
	}

	bar := progressbar.DefaultSilent(int64(len(coords)))
	if ev.cfg.Verbose {
		bar = progressbar.Default(int64(len(coords)))
	}
	var next, clamped int64

	tic := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			buf := make([]float64, ev.dwi.Nt)
			for {
				i := atomic.AddInt64(&next, 1) - 1
				if i >= int64(len(coords)) {
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				c := coords[i]
				if err := ev.fitVoxel(c, buf, fitter, idxToKeep, dirVol, mapsVol, nrmseVol, &clamped); err != nil {
					return fmt.Errorf("voxel (%d,%d,%d): %v", c.x, c.y, c.z, err)
				}
				_ = bar.Add(1)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	_ = bar.Finish()

	ev.fitTime = time.Since(tic)
	ev.nFitted = len(coords)
	ev.nClamped = atomic.LoadInt64(&clamped)
	if ev.nClamped > 0 {
		ev.logf("\t* %d negative signal values clamped to zero\n", ev.nClamped)
	}
	if nrmseVol != nil && ev.cfg.Verbose {
		ev.logf("\t* mean NRMSE over the mask: %.4f\n", meanOverMask(nrmseVol, coords))
	}
	ev.logf("   [ %s ]\n", formatDuration(ev.fitTime))

	ev.results = &Results{Dirs: dirVol, Maps: mapsVol, NRMSE: nrmseVol, Path: ev.outputDirName()}
	return nil
}

// meanOverMask averages the first channel of a volume over the fitted
// voxels only, so unmasked zeros do not dilute the summary.
func meanOverMask(v *nifti.Volume, coords []voxelCoord) float64 {
	vals := make([]float64, 0, len(coords))
	for _, c := range coords {
		vals = append(vals, float64(v.At(c.x, c.y, c.z, 0)))
	}
	mean, err := stats.Mean(vals)
	if err != nil {
		return 0
	}
	return mean
}

// fitVoxel prepares one voxel's signal, fits the model and writes the
// outputs into this voxel's slots. buf is a per-worker scratch buffer.
func (ev *Evaluation) fitVoxel(c voxelCoord, buf []float64, fitter *dti.Fitter, idxToKeep []int, dirVol, mapsVol, nrmseVol *nifti.Volume, clamped *int64) error {
	y := ev.dwi.SampleVector(c.x, c.y, c.z, buf)

	// Negative intensities are not expected from valid acquisitions.
	nNeg := 0
	for i, v := range y {
		if v < 0 {
			y[i] = 0
			nNeg++
		}
	}
	if nNeg > 0 {
		atomic.AddInt64(clamped, int64(nNeg))
	}

	b0Idx := ev.scheme.B0Indices()
	b0 := 0.0
	if len(b0Idx) > 0 {
		for _, i := range b0Idx {
			b0 += y[i]
		}
		b0 /= float64(len(b0Idx))
	}
	if ev.cfg.Fitting.MergeB0 && len(b0Idx) > 0 {
		for _, i := range b0Idx {
			y[i] = b0
		}
	}
	if ev.cfg.Fitting.NormalizeSignal && b0 > 1e-3 {
		for i := range y {
			y[i] /= b0
		}
	}

	var dirs [][3]float64
	if ev.peaks == nil {
		dirs = [][3]float64{fitter.PrincipalDirection(y)}
	} else {
		row := ev.peaks.SampleVector(c.x, c.y, c.z, nil)
		dirs = make([][3]float64, len(row)/3)
		for p := range dirs {
			dirs[p] = [3]float64{row[3*p], row[3*p+1], row[3*p+2]}
		}
	}

	yEst, dirsMod, outputs, err := ev.model.Fit(y, dirs, ev.kernels, idxToKeep, ev.solver)
	if err != nil {
		return err
	}
	if len(yEst) != len(y) {
		return fmt.Errorf("model reconstructed %d samples, want %d", len(yEst), len(y))
	}
	if len(outputs) != mapsVol.Nt {
		return fmt.Errorf("model produced %d outputs, want %d", len(outputs), mapsVol.Nt)
	}

	flat := make([]float64, 0, dirVol.Nt)
	for _, d := range dirsMod {
		flat = append(flat, d[0], d[1], d[2])
	}
	dirVol.SetSampleVector(c.x, c.y, c.z, flat)
	mapsVol.SetSampleVector(c.x, c.y, c.z, outputs)

	if nrmseVol != nil {
		num, den := 0.0, 0.0
		for i := range y {
			den += y[i] * y[i]
			d := y[i] - yEst[i]
			num += d * d
		}
		e := 0.0
		if den > 1e-16 {
			e = math.Sqrt(num / den)
		}
		nrmseVol.SetAt(c.x, c.y, c.z, 0, float32(e))
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := (d - m*time.Minute) / time.Second
	return fmt.Sprintf("%02dh %02dm %02ds", h, m, s)
}
