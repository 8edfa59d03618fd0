package dti

import (
	"math"
	"strings"
	"testing"

	"microfit/pkg/scheme"
)

// sixDirScheme is the classic 6-direction acquisition plus one b0, the
// minimum that determines all tensor components.
func sixDirScheme(t *testing.T) *scheme.Scheme {
	t.Helper()
	text := `VERSION: BVECTOR
0 0 0 0
1 0 0 1000
0 1 0 1000
0 0 1 1000
0.707107 0.707107 0 1000
0 0.707107 0.707107 1000
0.707107 0 0.707107 1000
`
	s, err := scheme.Parse(strings.NewReader(text), 0)
	if err != nil {
		t.Fatalf("failed to parse scheme: %v", err)
	}
	return s
}

// tensorSignal simulates a noiseless signal for a diagonal-frame tensor
// with principal axis dir and eigenvalues (lam1, lam2, lam2).
func tensorSignal(s *scheme.Scheme, dir [3]float64, lam1, lam2 float64) []float64 {
	norm := math.Sqrt(dir[0]*dir[0] + dir[1]*dir[1] + dir[2]*dir[2])
	for i := range dir {
		dir[i] /= norm
	}
	y := make([]float64, s.SampleCount())
	for i := range y {
		g := s.Directions[i]
		dot := g[0]*dir[0] + g[1]*dir[1] + g[2]*dir[2]
		gg := g[0]*g[0] + g[1]*g[1] + g[2]*g[2]
		// g' D g with D = lam2*I + (lam1-lam2) dir dir'
		adc := lam2*gg + (lam1-lam2)*dot*dot
		y[i] = math.Exp(-s.BValues[i] * adc)
	}
	return y
}

func angleBetween(a, b [3]float64) float64 {
	dot := math.Abs(a[0]*b[0] + a[1]*b[1] + a[2]*b[2])
	if dot > 1 {
		dot = 1
	}
	return math.Acos(dot)
}

func TestPrincipalDirectionRecoversAxis(t *testing.T) {
	s := sixDirScheme(t)
	f, err := NewFitter(s)
	if err != nil {
		t.Fatalf("NewFitter failed: %v", err)
	}

	cases := []struct {
		name string
		dir  [3]float64
	}{
		{"x axis", [3]float64{1, 0, 0}},
		{"y axis", [3]float64{0, 1, 0}},
		{"z axis", [3]float64{0, 0, 1}},
		{"oblique", [3]float64{1, 1, 1}},
		{"tilted", [3]float64{0.2, -0.5, 0.9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			y := tensorSignal(s, tc.dir, 1.7e-3, 0.2e-3)
			got := f.PrincipalDirection(y)

			norm := math.Sqrt(got[0]*got[0] + got[1]*got[1] + got[2]*got[2])
			if math.Abs(norm-1) > 1e-9 {
				t.Fatalf("direction norm = %g, want 1", norm)
			}
			wantNorm := math.Sqrt(tc.dir[0]*tc.dir[0] + tc.dir[1]*tc.dir[1] + tc.dir[2]*tc.dir[2])
			want := [3]float64{tc.dir[0] / wantNorm, tc.dir[1] / wantNorm, tc.dir[2] / wantNorm}
			if ang := angleBetween(got, want); ang > 1e-6 {
				t.Errorf("direction %v deviates %g rad from %v", got, ang, want)
			}
		})
	}
}

func TestPrincipalDirectionScaleInvariant(t *testing.T) {
	s := sixDirScheme(t)
	f, err := NewFitter(s)
	if err != nil {
		t.Fatalf("NewFitter failed: %v", err)
	}

	y := tensorSignal(s, [3]float64{1, 2, 0.5}, 1.7e-3, 0.3e-3)
	a := f.PrincipalDirection(y)

	scaled := make([]float64, len(y))
	for i := range y {
		scaled[i] = 750 * y[i]
	}
	b := f.PrincipalDirection(scaled)

	if ang := angleBetween(a, b); ang > 1e-9 {
		t.Errorf("direction changed by %g rad under signal scaling", ang)
	}
}

func TestPrincipalDirectionFallbacks(t *testing.T) {
	s := sixDirScheme(t)
	f, err := NewFitter(s)
	if err != nil {
		t.Fatalf("NewFitter failed: %v", err)
	}
	fallback := [3]float64{0, 0, 1}

	t.Run("all-zero signal", func(t *testing.T) {
		if got := f.PrincipalDirection(make([]float64, s.SampleCount())); got != fallback {
			t.Errorf("got %v, want +z fallback", got)
		}
	})

	t.Run("wrong length", func(t *testing.T) {
		if got := f.PrincipalDirection([]float64{1, 2}); got != fallback {
			t.Errorf("got %v, want +z fallback", got)
		}
	})
}

func TestPrincipalDirectionDeterministicSign(t *testing.T) {
	s := sixDirScheme(t)
	f, err := NewFitter(s)
	if err != nil {
		t.Fatalf("NewFitter failed: %v", err)
	}

	// The x axis comes back as +x regardless of the simulated sign.
	y := tensorSignal(s, [3]float64{-1, 0, 0}, 1.7e-3, 0.2e-3)
	got := f.PrincipalDirection(y)
	if math.Abs(got[0]-1) > 1e-6 {
		t.Errorf("got %v, want +x axis", got)
	}
}

func TestNewFitterRejectsShortScheme(t *testing.T) {
	text := `VERSION: BVECTOR
0 0 0 0
1 0 0 1000
0 1 0 1000
`
	s, err := scheme.Parse(strings.NewReader(text), 0)
	if err != nil {
		t.Fatalf("failed to parse scheme: %v", err)
	}
	if _, err := NewFitter(s); err == nil {
		t.Fatal("expected error for a 3-sample scheme, got nil")
	}
}
