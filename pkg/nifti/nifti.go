// Package nifti reads and writes volumetric images in the NIfTI-1 format,
// the interchange format diffusion pipelines exchange signal volumes, masks
// and parameter maps in. It supports single-file .nii and gzip-compressed
// .nii.gz images, both byte orders on read, the common integer and floating
// point datatypes, and the header metadata the fitting pipeline relies on:
// the voxel-to-world affine, per-volume display ranges and descriptions.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Volume is an in-memory N-dimensional image (up to 4D). Voxel data is
// stored in NIfTI order: x varies fastest, then y, then z, then the sample
// index. All data is held as float32 regardless of the on-disk datatype;
// any scl_slope/scl_inter rescaling is applied during loading.
type Volume struct {
	// Nx, Ny, Nz are the spatial dimensions; Nt is the number of samples
	// along the 4th dimension (1 for a 3D volume).
	Nx, Ny, Nz, Nt int

	// PixDim holds the voxel spacings for the three spatial axes plus the
	// sample-axis spacing (typically the repetition time).
	PixDim [4]float64

	// Affine is the 4x4 voxel-to-world transform. It is propagated
	// unchanged from a source volume into every derived output.
	Affine [4][4]float64

	// SFormCode tags the meaning of the affine (NIFTI_XFORM_* code). Saved
	// volumes reuse the source code, or 1 (scanner anatomical) if unset.
	SFormCode int16

	// CalMin and CalMax define the display range written to the header.
	CalMin, CalMax float64

	// Descrip is a free-text description (at most 79 bytes survive saving).
	Descrip string

	// Rescaled reports whether a non-identity intensity calibration
	// (scl_slope/scl_inter) was applied when the volume was read.
	Rescaled bool

	// Data holds Nx*Ny*Nz*Nt voxel values in NIfTI order.
	Data []float32
}

// New allocates a zero-filled volume with unit spacings and an identity
// affine. nt may be 1 for a 3D volume.
func New(nx, ny, nz, nt int) *Volume {
	v := &Volume{
		Nx: nx, Ny: ny, Nz: nz, Nt: nt,
		PixDim: [4]float64{1, 1, 1, 1},
		Data:   make([]float32, nx*ny*nz*nt),
	}
	for i := 0; i < 4; i++ {
		v.Affine[i][i] = 1
	}
	return v
}

// CloneGeometry allocates a zero-filled volume sharing this volume's spatial
// dimensions, spacings and affine, with nt samples along the 4th dimension.
// This is how output maps inherit the signal volume's geometry.
func (v *Volume) CloneGeometry(nt int) *Volume {
	out := New(v.Nx, v.Ny, v.Nz, nt)
	out.PixDim = v.PixDim
	out.Affine = v.Affine
	out.SFormCode = v.SFormCode
	return out
}

// NVox returns the total number of stored values.
func (v *Volume) NVox() int { return v.Nx * v.Ny * v.Nz * v.Nt }

// SpatialDims returns the three spatial dimensions.
func (v *Volume) SpatialDims() [3]int { return [3]int{v.Nx, v.Ny, v.Nz} }

// index computes the flat offset of (x,y,z,t) in Data.
func (v *Volume) index(x, y, z, t int) int {
	return x + v.Nx*(y+v.Ny*(z+v.Nz*t))
}

// At returns the value at (x,y,z,t). t must be 0 for 3D volumes.
func (v *Volume) At(x, y, z, t int) float32 { return v.Data[v.index(x, y, z, t)] }

// SetAt stores a value at (x,y,z,t).
func (v *Volume) SetAt(x, y, z, t int, val float32) { v.Data[v.index(x, y, z, t)] = val }

// SampleVector extracts the series along the 4th dimension at one spatial
// location into dst (allocated when nil or too short) as float64, which is
// the sub-range read the fitting engine performs once per voxel.
func (v *Volume) SampleVector(x, y, z int, dst []float64) []float64 {
	if cap(dst) < v.Nt {
		dst = make([]float64, v.Nt)
	}
	dst = dst[:v.Nt]
	stride := v.Nx * v.Ny * v.Nz
	base := v.index(x, y, z, 0)
	for t := 0; t < v.Nt; t++ {
		dst[t] = float64(v.Data[base+t*stride])
	}
	return dst
}

// SetSampleVector writes a series along the 4th dimension at one spatial
// location; the disjoint-slot counterpart of SampleVector.
func (v *Volume) SetSampleVector(x, y, z int, src []float64) {
	stride := v.Nx * v.Ny * v.Nz
	base := v.index(x, y, z, 0)
	for t := 0; t < len(src) && t < v.Nt; t++ {
		v.Data[base+t*stride] = float32(src[t])
	}
}

// Load reads a NIfTI-1 volume from path. Files ending in .gz are
// transparently decompressed. The on-disk datatype is converted to float32
// and any header intensity rescaling (scl_slope/scl_inter) is applied, so
// callers always see calibrated values.
func Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume: %v", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream in %s: %v", path, err)
		}
		defer gz.Close()
		r = gz
	}

	v, err := Read(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", path, err)
	}
	return v, nil
}

// Read parses a NIfTI-1 volume from an uncompressed stream.
func Read(r io.Reader) (*Volume, error) {
	hdrBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		return nil, fmt.Errorf("failed to read header: %v", err)
	}
	order, err := detectOrder(hdrBytes[:4])
	if err != nil {
		return nil, err
	}
	var h header
	if err := binary.Read(bytes.NewReader(hdrBytes), order, &h); err != nil {
		return nil, fmt.Errorf("failed to decode header: %v", err)
	}

	if magic := cString(h.Magic[:]); magic != "n+1" {
		if magic == "ni1" {
			return nil, fmt.Errorf("two-file (.hdr/.img) NIfTI is not supported")
		}
		return nil, fmt.Errorf("bad NIfTI magic %q", magic)
	}

	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("invalid dimension count %d", ndim)
	}
	dims := [4]int{1, 1, 1, 1}
	for i := 1; i <= ndim; i++ {
		d := int(h.Dim[i])
		if d < 1 {
			d = 1
		}
		if i <= 4 {
			dims[i-1] = d
		} else if d != 1 {
			return nil, fmt.Errorf("volumes with more than 4 non-trivial dimensions are not supported (dim[%d]=%d)", i, d)
		}
	}

	nvox := dims[0] * dims[1] * dims[2] * dims[3]
	bpv, err := bytesPerVoxel(h.Datatype)
	if err != nil {
		return nil, err
	}

	// Skip to the voxel data; gzip streams cannot seek, so discard.
	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("invalid vox_offset %g", h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("failed to seek to voxel data: %v", err)
	}

	raw := make([]byte, nvox*bpv)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read voxel data (%d voxels): %v", nvox, err)
	}
	data, err := decodeVoxels(raw, h.Datatype, nvox, order)
	if err != nil {
		return nil, err
	}

	// Apply the header intensity calibration if it is set and not the
	// identity, exactly once, at load time.
	rescaled := false
	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if !math.IsNaN(slope) && !math.IsInf(slope, 0) && !math.IsNaN(inter) && !math.IsInf(inter, 0) &&
		slope != 0 && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = float32(float64(data[i])*slope + inter)
		}
		rescaled = true
	}

	v := &Volume{
		Nx: dims[0], Ny: dims[1], Nz: dims[2], Nt: dims[3],
		PixDim: [4]float64{
			float64(h.Pixdim[1]), float64(h.Pixdim[2]),
			float64(h.Pixdim[3]), float64(h.Pixdim[4]),
		},
		Affine:    affineFromHeader(&h),
		SFormCode: h.SformCode,
		CalMin:    float64(h.CalMin),
		CalMax:    float64(h.CalMax),
		Descrip:   cString(h.Descrip[:]),
		Rescaled:  rescaled,
		Data:      data,
	}
	return v, nil
}

// decodeVoxels converts raw on-disk voxel bytes to float32 values.
func decodeVoxels(raw []byte, datatype int16, nvox int, order binary.ByteOrder) ([]float32, error) {
	data := make([]float32, nvox)
	switch datatype {
	case dtUint8:
		for i := 0; i < nvox; i++ {
			data[i] = float32(raw[i])
		}
	case dtInt8:
		for i := 0; i < nvox; i++ {
			data[i] = float32(int8(raw[i]))
		}
	case dtInt16:
		for i := 0; i < nvox; i++ {
			data[i] = float32(int16(order.Uint16(raw[2*i:])))
		}
	case dtUint16:
		for i := 0; i < nvox; i++ {
			data[i] = float32(order.Uint16(raw[2*i:]))
		}
	case dtInt32:
		for i := 0; i < nvox; i++ {
			data[i] = float32(int32(order.Uint32(raw[4*i:])))
		}
	case dtFloat32:
		for i := 0; i < nvox; i++ {
			data[i] = math.Float32frombits(order.Uint32(raw[4*i:]))
		}
	case dtFloat64:
		for i := 0; i < nvox; i++ {
			data[i] = float32(math.Float64frombits(order.Uint64(raw[8*i:])))
		}
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype code %d", datatype)
	}
	return data, nil
}

// Save writes the volume to path as a single-file little-endian NIfTI-1
// image with float32 voxels. Files ending in .gz are gzip-compressed. The
// affine is written as the sform; display range and description come from
// the volume's metadata fields.
func Save(path string, v *Volume) error {
	if len(v.Data) != v.NVox() {
		return fmt.Errorf("volume data holds %d values, dimensions require %d", len(v.Data), v.NVox())
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create volume file: %v", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := Write(w, v); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream for %s: %v", path, err)
		}
	}
	return f.Close()
}

// Write serializes the volume to an uncompressed NIfTI-1 stream.
func Write(w io.Writer, v *Volume) error {
	ndim := int16(3)
	if v.Nt > 1 {
		ndim = 4
	}

	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: voxOffset,
		SclSlope:  1,
		SclInter:  0,
		CalMax:    float32(v.CalMax),
		CalMin:    float32(v.CalMin),
		SformCode: v.SFormCode,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim[0] = ndim
	h.Dim[1], h.Dim[2], h.Dim[3] = int16(v.Nx), int16(v.Ny), int16(v.Nz)
	h.Dim[4] = int16(v.Nt)
	for i := int(ndim) + 1; i < 8; i++ {
		h.Dim[i] = 1
	}
	h.Pixdim[0] = 1
	for i := 0; i < 4; i++ {
		h.Pixdim[i+1] = float32(v.PixDim[i])
	}
	if h.SformCode <= 0 {
		h.SformCode = 1
	}
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(v.Affine[0][j])
		h.SrowY[j] = float32(v.Affine[1][j])
		h.SrowZ[j] = float32(v.Affine[2][j])
	}
	setCString(h.Descrip[:], v.Descrip)

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write header: %v", err)
	}
	// Extension indicator: four zero bytes mean "no extensions follow".
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write extension flag: %v", err)
	}
	if err := binary.Write(w, binary.LittleEndian, v.Data); err != nil {
		return fmt.Errorf("failed to write voxel data: %v", err)
	}
	return nil
}
