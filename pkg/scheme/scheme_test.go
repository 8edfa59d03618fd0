package scheme

import (
	"math"
	"strings"
	"testing"
)

// sixDirScheme is a minimal single-shell BVECTOR scheme: one b0 followed by
// six directions at b=1000.
const sixDirScheme = `VERSION: BVECTOR
0.0 0.0 0.0 0.0
1.0 0.0 0.0 1000.0
0.0 1.0 0.0 1000.0
0.0 0.0 1.0 1000.0
0.7071 0.7071 0.0 1000.0
0.7071 0.0 0.7071 1000.0
0.0 0.7071 0.7071 1000.0
`

func parseString(t *testing.T, text string, b0Thr float64) *Scheme {
	t.Helper()
	s, err := Parse(strings.NewReader(text), b0Thr)
	if err != nil {
		t.Fatalf("Failed to parse scheme: %v", err)
	}
	return s
}

func TestParseBVector(t *testing.T) {
	s := parseString(t, sixDirScheme, 0)

	if s.Version != BVector {
		t.Errorf("Expected version BVECTOR, got %v", s.Version)
	}
	if s.SampleCount() != 7 {
		t.Errorf("Expected 7 samples, got %d", s.SampleCount())
	}
	if s.B0Count() != 1 {
		t.Errorf("Expected 1 b0 sample, got %d", s.B0Count())
	}
	if s.DWICount() != 6 {
		t.Errorf("Expected 6 dwi samples, got %d", s.DWICount())
	}
	if len(s.Shells) != 1 {
		t.Fatalf("Expected 1 shell, got %d", len(s.Shells))
	}
	if s.Shells[0].B != 1000.0 {
		t.Errorf("Expected shell b=1000, got %g", s.Shells[0].B)
	}
	if len(s.Shells[0].Indices) != 6 {
		t.Errorf("Expected 6 shell members, got %d", len(s.Shells[0].Indices))
	}

	// Diagonal directions must come back normalized.
	d := s.Directions[4]
	norm := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
	if math.Abs(norm-1.0) > 1e-12 {
		t.Errorf("Expected unit direction, got norm %g", norm)
	}
}

func TestParseWithoutHeaderDefaultsToBVector(t *testing.T) {
	s := parseString(t, "0 0 0 0\n1 0 0 700\n", 0)
	if s.Version != BVector {
		t.Errorf("Expected BVECTOR default, got %v", s.Version)
	}
	if s.SampleCount() != 2 {
		t.Errorf("Expected 2 samples, got %d", s.SampleCount())
	}
}

func TestShellPartitionProperty(t *testing.T) {
	// Two shells plus two b0 samples: the shell index sets must partition the
	// dwi indices and b0+dwi must cover every sample exactly once.
	text := `VERSION: BVECTOR
0 0 0 0
1 0 0 700
0 0 0 0
0 1 0 700
0 0 1 2000
1 0 0 2000
`
	s := parseString(t, text, 0)

	if got := s.B0Count() + s.DWICount(); got != s.SampleCount() {
		t.Errorf("b0+dwi = %d, want %d", got, s.SampleCount())
	}

	seen := make(map[int]bool)
	for _, sh := range s.Shells {
		for _, i := range sh.Indices {
			if seen[i] {
				t.Errorf("Sample %d appears in more than one shell", i)
			}
			seen[i] = true
		}
	}
	for _, i := range s.DWIIndices() {
		if !seen[i] {
			t.Errorf("dwi sample %d missing from all shells", i)
		}
	}
	for _, i := range s.B0Indices() {
		if seen[i] {
			t.Errorf("b0 sample %d wrongly assigned to a shell", i)
		}
	}
	if len(s.Shells) != 2 {
		t.Errorf("Expected 2 shells, got %d", len(s.Shells))
	}
	if len(s.Shells) == 2 && s.Shells[0].B > s.Shells[1].B {
		t.Errorf("Shells not sorted by ascending b: %g before %g", s.Shells[0].B, s.Shells[1].B)
	}
}

func TestB0Threshold(t *testing.T) {
	// With a threshold of 50, the b=10 sample counts as baseline.
	text := "0 0 0 0\n1 0 0 10\n0 1 0 1000\n"
	s := parseString(t, text, 50)
	if s.B0Count() != 2 {
		t.Errorf("Expected 2 b0 samples with threshold 50, got %d", s.B0Count())
	}
	if s.DWICount() != 1 {
		t.Errorf("Expected 1 dwi sample, got %d", s.DWICount())
	}
}

func TestParseStejskalTanner(t *testing.T) {
	// G=0.04 T/m, Δ=0.030 s, δ=0.020 s, TE=0.060 s.
	text := `VERSION: STEJSKALTANNER
0 0 0 0 0 0 0.060
1 0 0 0.04 0.030 0.020 0.060
0 1 0 0.04 0.030 0.020 0.060
`
	s := parseString(t, text, 0)

	if s.Version != StejskalTanner {
		t.Fatalf("Expected STEJSKALTANNER version, got %v", s.Version)
	}
	if len(s.Shells) != 1 {
		t.Fatalf("Expected 1 shell, got %d", len(s.Shells))
	}

	// b = (γ G δ)² (Δ − δ/3) · 1e-6 s/mm².
	gd := GyromagneticRatio * 0.04 * 0.020
	want := gd * gd * (0.030 - 0.020/3.0) * 1e-6
	if math.Abs(s.Shells[0].B-want) > want*1e-12 {
		t.Errorf("Derived b = %g, want %g", s.Shells[0].B, want)
	}
	if s.Shells[0].G != 0.04 || s.Shells[0].SmallDelta != 0.020 || s.Shells[0].Delta != 0.030 {
		t.Errorf("Shell timings not preserved: %+v", s.Shells[0])
	}
	if s.Shells[0].TE != 0.060 {
		t.Errorf("Expected TE=0.060, got %g", s.Shells[0].TE)
	}
}

func TestParseClusteredGroupsNearbyShells(t *testing.T) {
	// Scanner-reported b-values jitter around 1000; exact grouping splits
	// them, a 20 s/mm² tolerance merges them into one shell.
	text := "0 0 0 0\n1 0 0 995\n0 1 0 1003\n0 0 1 998\n"

	exact := parseString(t, text, 0)
	if len(exact.Shells) != 3 {
		t.Errorf("Exact grouping: expected 3 shells, got %d", len(exact.Shells))
	}

	clustered, err := ParseClustered(strings.NewReader(text), 0, 20)
	if err != nil {
		t.Fatalf("Failed to parse clustered scheme: %v", err)
	}
	if len(clustered.Shells) != 1 {
		t.Errorf("Clustered grouping: expected 1 shell, got %d", len(clustered.Shells))
	}
	if len(clustered.Shells[0].Indices) != 3 {
		t.Errorf("Clustered shell should hold 3 samples, got %d", len(clustered.Shells[0].Indices))
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"Empty", ""},
		{"CommentsOnly", "# nothing here\n"},
		{"WrongColumnCount", "VERSION: BVECTOR\n1 0 0\n"},
		{"BadNumber", "VERSION: BVECTOR\n1 0 zero 1000\n"},
		{"UnknownVersion", "VERSION: SPIRAL\n1 0 0 1000\n"},
		{"DuplicateHeader", "VERSION: BVECTOR\nVERSION: BVECTOR\n1 0 0 1000\n"},
		{"HeaderAfterData", "0 0 0 0\nVERSION: BVECTOR\n"},
		{"ZeroDirectionDWI", "VERSION: BVECTOR\n0 0 0 1000\n"},
		{"NegativeB", "VERSION: BVECTOR\n1 0 0 -5\n"},
		{"DeltaExceedsSeparation", "VERSION: STEJSKALTANNER\n1 0 0 0.04 0.010 0.020 0.06\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tc.text), 0); err == nil {
				t.Errorf("Expected parse error for %s, got nil", tc.name)
			}
		})
	}
}

func TestHashStability(t *testing.T) {
	a := parseString(t, sixDirScheme, 0)
	b := parseString(t, sixDirScheme, 0)
	if a.Hash() != b.Hash() {
		t.Errorf("Same scheme produced different hashes")
	}

	// Formatting differences must not change the fingerprint.
	reformatted := strings.ReplaceAll(sixDirScheme, " 1000.0", "   1000.000")
	c := parseString(t, reformatted, 0)
	if a.Hash() != c.Hash() {
		t.Errorf("Reformatted scheme changed the hash")
	}

	// A different acquisition must.
	d := parseString(t, strings.Replace(sixDirScheme, "1000.0", "2000.0", 1), 0)
	if a.Hash() == d.Hash() {
		t.Errorf("Different schemes produced identical hashes")
	}
}

func TestSummary(t *testing.T) {
	s := parseString(t, sixDirScheme, 0)
	got := s.Summary()
	want := "7 samples, 1 shell: 1 @ b=0, 6 @ b=1000.0"
	if got != want {
		t.Errorf("Summary = %q, want %q", got, want)
	}
}
