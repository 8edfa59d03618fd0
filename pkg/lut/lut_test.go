package lut

import (
	"errors"
	"math"
	"strings"
	"testing"

	"microfit/pkg/scheme"
)

func TestGridProperties(t *testing.T) {
	dirs := Grid(NDirections)
	if len(dirs) != NDirections {
		t.Fatalf("grid has %d directions, want %d", len(dirs), NDirections)
	}
	for i, d := range dirs {
		norm := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
		if math.Abs(norm-1) > 1e-12 {
			t.Fatalf("direction %d has norm %g, want 1", i, norm)
		}
		if d[2] < 0 {
			t.Fatalf("direction %d has z = %g, want upper hemisphere", i, d[2])
		}
	}

	// The lattice is deterministic.
	again := Grid(NDirections)
	for i := range dirs {
		if dirs[i] != again[i] {
			t.Fatalf("grid is not deterministic at index %d", i)
		}
	}
}

func TestNumCoeffs(t *testing.T) {
	cases := map[int]int{0: 1, 2: 6, 4: 15, 8: 45, 12: 91}
	for lmax, want := range cases {
		if got := NumCoeffs(lmax); got != want {
			t.Errorf("NumCoeffs(%d) = %d, want %d", lmax, got, want)
		}
	}
}

func TestYlmKnownValues(t *testing.T) {
	// Y00 is constant over the sphere.
	want00 := 1 / math.Sqrt(4*math.Pi)
	for _, angles := range [][2]float64{{0, 0}, {1.1, 2.3}, {math.Pi / 2, -0.7}} {
		if got := Ylm(0, 0, angles[0], angles[1]); math.Abs(got-want00) > 1e-12 {
			t.Errorf("Y00(%g, %g) = %g, want %g", angles[0], angles[1], got, want00)
		}
	}

	// Y20 at the pole: sqrt(5/(4*pi)) * P2(1) with P2(1) = 1.
	want20 := math.Sqrt(5 / (4 * math.Pi))
	if got := Ylm(2, 0, 0, 0); math.Abs(got-want20) > 1e-12 {
		t.Errorf("Y20 at pole = %g, want %g", got, want20)
	}

	// m = 0 harmonics do not depend on azimuth.
	for _, phi := range []float64{0, 1, 2, 3} {
		a := Ylm(4, 0, 0.9, 0)
		b := Ylm(4, 0, 0.9, phi)
		if math.Abs(a-b) > 1e-12 {
			t.Errorf("Y40 varies with azimuth: %g vs %g at phi=%g", a, b, phi)
		}
	}
}

func TestBasisOrthonormality(t *testing.T) {
	// Quadrature check on the Fibonacci grid: even harmonics are symmetric,
	// so the hemisphere integral is half the sphere integral, and with
	// uniform area weights the Gram matrix approaches identity up to the
	// lattice's quadrature error.
	dirs := Grid(4000)
	lmax := 4
	B := BasisMatrix(lmax, dirs)
	nc := NumCoeffs(lmax)
	w := 2 * 2 * math.Pi / float64(len(dirs))

	for a := 0; a < nc; a++ {
		for b := a; b < nc; b++ {
			sum := 0.0
			for i := range dirs {
				sum += B.At(i, a) * B.At(i, b)
			}
			sum *= w
			want := 0.0
			if a == b {
				want = 1
			}
			if math.Abs(sum-want) > 0.02 {
				t.Errorf("gram[%d][%d] = %g, want %g", a, b, sum, want)
			}
		}
	}
}

func TestSetupAndLoadAux(t *testing.T) {
	dir := t.TempDir()
	const lmax = 4

	if _, err := LoadAux(dir, lmax); err == nil {
		t.Fatal("expected NotSetupError before setup, got nil")
	} else {
		var nse *NotSetupError
		if !errors.As(err, &nse) {
			t.Fatalf("expected NotSetupError, got %T: %v", err, err)
		}
		if !strings.Contains(nse.Error(), "run setup") {
			t.Errorf("error should mention setup: %q", nse.Error())
		}
	}

	if err := Setup(dir, lmax); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	aux, err := LoadAux(dir, lmax)
	if err != nil {
		t.Fatalf("LoadAux failed: %v", err)
	}
	if aux.Lmax != lmax {
		t.Errorf("aux lmax = %d, want %d", aux.Lmax, lmax)
	}
	if len(aux.Dirs) != NDirections {
		t.Errorf("aux has %d directions, want %d", len(aux.Dirs), NDirections)
	}
	r, c := aux.Ylm.Dims()
	if r != NDirections || c != NumCoeffs(lmax) {
		t.Errorf("aux basis is %dx%d, want %dx%d", r, c, NDirections, NumCoeffs(lmax))
	}

	// Loaded tables match a fresh computation.
	wantDirs := Grid(NDirections)
	for i := range wantDirs {
		for k := 0; k < 3; k++ {
			if math.Abs(aux.Dirs[i][k]-wantDirs[i][k]) > 1e-12 {
				t.Fatalf("dir %d component %d = %g, want %g", i, k, aux.Dirs[i][k], wantDirs[i][k])
			}
		}
	}
}

func TestSetupRejectsOddOrder(t *testing.T) {
	if err := Setup(t.TempDir(), 3); err == nil {
		t.Fatal("expected error for odd lmax, got nil")
	}
	if err := Setup(t.TempDir(), -2); err == nil {
		t.Fatal("expected error for negative lmax, got nil")
	}
}

// twoShellScheme builds a small scheme with one b0 and two shells of three
// samples each.
func twoShellScheme(t *testing.T) *scheme.Scheme {
	t.Helper()
	text := `VERSION: BVECTOR
0 0 0 0
1 0 0 1000
0 1 0 1000
0 0 1 1000
1 0 0 2000
0 1 0 2000
0 0 1 2000
`
	s, err := scheme.Parse(strings.NewReader(text), 0)
	if err != nil {
		t.Fatalf("failed to parse scheme: %v", err)
	}
	return s
}

func TestAuxGenerate(t *testing.T) {
	s := twoShellScheme(t)
	const lmax = 2
	idxIn, idxOut := AuxGenerate(s, lmax)

	if len(idxIn) != 2 || len(idxOut) != 2 {
		t.Fatalf("got %d/%d shell blocks, want 2/2", len(idxIn), len(idxOut))
	}
	nc := NumCoeffs(lmax)
	for k := 0; k < 2; k++ {
		if len(idxIn[k]) != NDirections {
			t.Errorf("shell %d input block has %d rows, want %d", k, len(idxIn[k]), NDirections)
		}
		if idxIn[k][0] != k*NDirections {
			t.Errorf("shell %d input block starts at %d, want %d", k, idxIn[k][0], k*NDirections)
		}
		if len(idxOut[k]) != nc {
			t.Errorf("shell %d output block has %d slots, want %d", k, len(idxOut[k]), nc)
		}
		if idxOut[k][0] != k*nc {
			t.Errorf("shell %d output block starts at %d, want %d", k, idxOut[k][0], k*nc)
		}
	}
}

func TestAuxResample(t *testing.T) {
	s := twoShellScheme(t)
	const lmax = 2
	idxOut, ylmOut := AuxResample(s, lmax)

	if len(idxOut) != s.DWICount() {
		t.Fatalf("idxOut has %d entries, want %d", len(idxOut), s.DWICount())
	}
	// Samples are grouped shell by shell in acquisition order.
	want := []int{1, 2, 3, 4, 5, 6}
	for i, idx := range idxOut {
		if idx != want[i] {
			t.Errorf("idxOut[%d] = %d, want %d", i, idx, want[i])
		}
	}

	nc := NumCoeffs(lmax)
	r, c := ylmOut.Dims()
	if r != 6 || c != 2*nc {
		t.Fatalf("ylmOut is %dx%d, want 6x%d", r, c, 2*nc)
	}

	// Rows for shell 0 samples are zero in shell 1's coefficient block and
	// vice versa.
	for i := 0; i < 3; i++ {
		for j := nc; j < 2*nc; j++ {
			if ylmOut.At(i, j) != 0 {
				t.Fatalf("shell 0 row %d leaks into shell 1 block at column %d", i, j)
			}
		}
	}
	for i := 3; i < 6; i++ {
		for j := 0; j < nc; j++ {
			if ylmOut.At(i, j) != 0 {
				t.Fatalf("shell 1 row %d leaks into shell 0 block at column %d", i, j)
			}
		}
	}

	// The diagonal blocks hold genuine basis values: column 0 is Y00.
	want00 := 1 / math.Sqrt(4*math.Pi)
	if got := ylmOut.At(0, 0); math.Abs(got-want00) > 1e-12 {
		t.Errorf("ylmOut[0][0] = %g, want %g", got, want00)
	}
	if got := ylmOut.At(3, nc); math.Abs(got-want00) > 1e-12 {
		t.Errorf("ylmOut[3][%d] = %g, want %g", nc, got, want00)
	}
}
