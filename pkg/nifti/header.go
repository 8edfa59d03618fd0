package nifti

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Data type codes from the NIfTI-1 standard. Only the types that occur in
// diffusion acquisitions and masks are supported; everything else is rejected
// with an explicit error rather than silently reinterpreted.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
)

const (
	headerSize = 348

	// voxOffset is where voxel data starts in a single-file NIfTI: the
	// 348-byte header followed by the 4-byte extension indicator.
	voxOffset = 352
)

// header mirrors the on-disk NIfTI-1 header byte for byte. Field names
// follow the C struct in nifti1.h; unused Analyze-compatibility fields are
// kept so encoding/binary sees the exact 348-byte layout.
type header struct {
	SizeofHdr    int32
	DataType     [10]byte
	DBName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32

	Descrip [80]byte
	AuxFile [24]byte

	QformCode int16
	SformCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QoffsetX float32
	QoffsetY float32
	QoffsetZ float32

	SrowX [4]float32
	SrowY [4]float32
	SrowZ [4]float32

	IntentName [16]byte

	Magic [4]byte
}

// bytesPerVoxel returns the storage size of one voxel for a datatype code.
func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case dtUint8, dtInt8:
		return 1, nil
	case dtInt16, dtUint16:
		return 2, nil
	case dtInt32, dtFloat32:
		return 4, nil
	case dtFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported NIfTI datatype code %d", datatype)
}

// detectOrder determines the byte order of a header from its first four
// bytes, which hold sizeof_hdr and must decode to 348.
func detectOrder(first4 []byte) (binary.ByteOrder, error) {
	if binary.LittleEndian.Uint32(first4) == headerSize {
		return binary.LittleEndian, nil
	}
	if binary.BigEndian.Uint32(first4) == headerSize {
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr is %d in either byte order, want %d",
		binary.LittleEndian.Uint32(first4), headerSize)
}

// affineFromHeader derives the voxel-to-world transform, preferring the
// sform, falling back to the qform quaternion (NIfTI method 2), and finally
// to a plain pixdim scaling when neither transform is coded.
func affineFromHeader(h *header) [4][4]float64 {
	var a [4][4]float64
	a[3][3] = 1

	switch {
	case h.SformCode > 0:
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SrowX[j])
			a[1][j] = float64(h.SrowY[j])
			a[2][j] = float64(h.SrowZ[j])
		}

	case h.QformCode > 0:
		b := float64(h.QuaternB)
		c := float64(h.QuaternC)
		d := float64(h.QuaternD)
		aa := 1.0 - (b*b + c*c + d*d)
		if aa < 1e-7 {
			// Special case from the standard: treat a as exactly zero
			// (a 180-degree rotation).
			aa = 0
		} else {
			aa = math.Sqrt(aa)
		}
		qfac := float64(h.Pixdim[0])
		if qfac == 0 {
			qfac = 1
		}
		dx, dy, dz := float64(h.Pixdim[1]), float64(h.Pixdim[2]), qfac*float64(h.Pixdim[3])

		a[0][0] = (aa*aa + b*b - c*c - d*d) * dx
		a[0][1] = 2 * (b*c - aa*d) * dy
		a[0][2] = 2 * (b*d + aa*c) * dz
		a[1][0] = 2 * (b*c + aa*d) * dx
		a[1][1] = (aa*aa + c*c - b*b - d*d) * dy
		a[1][2] = 2 * (c*d - aa*b) * dz
		a[2][0] = 2 * (b*d - aa*c) * dx
		a[2][1] = 2 * (c*d + aa*b) * dy
		a[2][2] = (aa*aa + d*d - b*b - c*c) * dz
		a[0][3] = float64(h.QoffsetX)
		a[1][3] = float64(h.QoffsetY)
		a[2][3] = float64(h.QoffsetZ)

	default:
		a[0][0] = float64(h.Pixdim[1])
		a[1][1] = float64(h.Pixdim[2])
		a[2][2] = float64(h.Pixdim[3])
	}
	return a
}

// cString converts a fixed-size NUL-padded header field to a Go string.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// setCString copies s into a fixed-size header field, truncating if needed
// and always leaving a terminating NUL.
func setCString(dst []byte, s string) {
	n := copy(dst, s)
	if n == len(dst) {
		n--
	}
	dst[n] = 0
}
