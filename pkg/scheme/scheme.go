// Package scheme parses diffusion MRI acquisition scheme files and derives
// the structures the fitting pipeline needs: per-sample b-values and gradient
// directions, the b0/dwi sample classification, and the grouping of
// diffusion-weighted samples into b-value shells.
//
// Two text formats are supported, selected by a "VERSION:" header line:
//
//	VERSION: BVECTOR          x y z b           (4 columns)
//	VERSION: STEJSKALTANNER   x y z G Δ δ TE    (7 columns)
//
// The numeric aliases "VERSION: 0" (BVECTOR) and "VERSION: 1"
// (STEJSKALTANNER) are accepted as well; a file without a header is treated
// as BVECTOR. Lines starting with '#' are comments.
package scheme

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// GyromagneticRatio is the proton gyromagnetic ratio in rad/(s*T), used to
// derive b-values from Stejskal-Tanner gradient parameters.
const GyromagneticRatio = 267.513e6

// Version identifies the on-disk scheme format.
type Version int

const (
	// BVector schemes carry an explicit b-value per sample.
	BVector Version = iota

	// StejskalTanner schemes carry gradient strength and timings per sample;
	// the b-value is derived as (γ·G·δ)²·(Δ−δ/3), converted to s/mm².
	StejskalTanner
)

// String returns the header keyword for the version.
func (v Version) String() string {
	if v == StejskalTanner {
		return "STEJSKALTANNER"
	}
	return "BVECTOR"
}

// Shell groups the diffusion-weighted samples acquired with a common b-value.
// For Stejskal-Tanner schemes the gradient strength and timing parameters of
// the shell are retained so models can use the acquisition timings.
type Shell struct {
	// B is the shell b-value in s/mm².
	B float64

	// G, Delta, SmallDelta and TE are the gradient strength (T/m), gradient
	// separation (s), gradient duration (s) and echo time (s). They are zero
	// for BVECTOR schemes, which do not carry timings.
	G, Delta, SmallDelta, TE float64

	// Indices lists the positions of the member samples in acquisition order.
	Indices []int
}

// Scheme is the parsed, validated acquisition description. It is immutable
// after construction; accessors return the internal index sets, which callers
// must treat as read-only.
type Scheme struct {
	// Version is the format the scheme was parsed from.
	Version Version

	// BValues holds one b-value per sample, in acquisition order (s/mm²).
	BValues []float64

	// Directions holds one unit gradient direction per sample. b0 samples
	// keep a zero direction.
	Directions [][3]float64

	// Shells groups the dwi samples by b-value, sorted by ascending b.
	Shells []Shell

	// B0Threshold is the b-value at or below which a sample counts as b0.
	B0Threshold float64

	b0Idx  []int
	dwiIdx []int
}

// Load reads and parses a scheme file. Samples with b <= b0Thr are classified
// as b0. Shells are grouped by exact b-value equality; use ParseClustered for
// a tolerance-based grouping.
func Load(path string, b0Thr float64) (*Scheme, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scheme file: %v", err)
	}
	defer f.Close()

	s, err := Parse(f, b0Thr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse scheme file %s: %v", path, err)
	}
	return s, nil
}

// Parse parses a scheme from r with exact shell grouping.
func Parse(r io.Reader, b0Thr float64) (*Scheme, error) {
	return ParseClustered(r, b0Thr, 0)
}

// ParseClustered parses a scheme from r, grouping dwi samples into shells
// whose b-values differ by at most shellTol. A tolerance of zero groups by
// exact equality. For Stejskal-Tanner schemes the grouping key additionally
// includes the gradient strength and timings, so shells with identical b but
// different timings stay distinct.
func ParseClustered(r io.Reader, b0Thr, shellTol float64) (*Scheme, error) {
	if b0Thr < 0 {
		return nil, fmt.Errorf("b0 threshold must be non-negative, got %g", b0Thr)
	}
	if shellTol < 0 {
		return nil, fmt.Errorf("shell tolerance must be non-negative, got %g", shellTol)
	}

	s := &Scheme{Version: BVector, B0Threshold: b0Thr}

	sc := bufio.NewScanner(r)
	lineNo := 0
	sawHeader := false
	var stRows []stParams

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if upper := strings.ToUpper(line); strings.HasPrefix(upper, "VERSION:") {
			if sawHeader {
				return nil, fmt.Errorf("line %d: duplicate VERSION header", lineNo)
			}
			if len(s.BValues) > 0 {
				return nil, fmt.Errorf("line %d: VERSION header after data rows", lineNo)
			}
			sawHeader = true
			v, err := parseVersion(strings.TrimSpace(upper[len("VERSION:"):]))
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", lineNo, err)
			}
			s.Version = v
			continue
		}

		fields := strings.Fields(line)
		vals := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid value %q", lineNo, f)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("line %d: non-finite value %q", lineNo, f)
			}
			vals[i] = v
		}

		var dir [3]float64
		var b float64
		switch s.Version {
		case BVector:
			if len(vals) != 4 {
				return nil, fmt.Errorf("line %d: expected 4 columns for BVECTOR, got %d", lineNo, len(vals))
			}
			dir = [3]float64{vals[0], vals[1], vals[2]}
			b = vals[3]
			stRows = append(stRows, stParams{})
		case StejskalTanner:
			if len(vals) != 7 {
				return nil, fmt.Errorf("line %d: expected 7 columns for STEJSKALTANNER, got %d", lineNo, len(vals))
			}
			dir = [3]float64{vals[0], vals[1], vals[2]}
			g, Delta, delta, te := vals[3], vals[4], vals[5], vals[6]
			if delta > Delta {
				return nil, fmt.Errorf("line %d: gradient duration δ=%g exceeds separation Δ=%g", lineNo, delta, Delta)
			}
			// b in s/m², scaled by 1e-6 to the conventional s/mm².
			b = (GyromagneticRatio * g * delta) * (GyromagneticRatio * g * delta) * (Delta - delta/3.0) * 1e-6
			stRows = append(stRows, stParams{g: g, delta: Delta, smallDelta: delta, te: te})
		}

		if b < 0 {
			return nil, fmt.Errorf("line %d: negative b-value %g", lineNo, b)
		}

		norm := math.Sqrt(dir[0]*dir[0] + dir[1]*dir[1] + dir[2]*dir[2])
		if b > b0Thr {
			if norm == 0 {
				return nil, fmt.Errorf("line %d: zero gradient direction for diffusion-weighted sample (b=%g)", lineNo, b)
			}
			dir[0] /= norm
			dir[1] /= norm
			dir[2] /= norm
		} else {
			// Baseline sample: the direction carries no information.
			dir = [3]float64{}
		}

		s.BValues = append(s.BValues, b)
		s.Directions = append(s.Directions, dir)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read scheme: %v", err)
	}
	if len(s.BValues) == 0 {
		return nil, fmt.Errorf("scheme contains no samples")
	}

	// Classify samples and group the diffusion-weighted ones into shells.
	for i, b := range s.BValues {
		if b <= b0Thr {
			s.b0Idx = append(s.b0Idx, i)
		} else {
			s.dwiIdx = append(s.dwiIdx, i)
		}
	}
	s.Shells = groupShells(s, stRows, shellTol)

	return s, nil
}

func parseVersion(token string) (Version, error) {
	switch token {
	case "BVECTOR", "0":
		return BVector, nil
	case "STEJSKALTANNER", "1":
		return StejskalTanner, nil
	}
	return 0, fmt.Errorf("unknown scheme version %q", token)
}

// stParams carries the per-sample Stejskal-Tanner acquisition parameters
// while parsing; rows of a BVECTOR scheme leave it zeroed.
type stParams struct {
	g, delta, smallDelta, te float64
}

// groupShells partitions the dwi indices into shells. Samples are clustered
// by b-value within shellTol; for Stejskal-Tanner rows the gradient strength
// and timings must match exactly within a shell.
func groupShells(s *Scheme, st []stParams, shellTol float64) []Shell {
	var shells []Shell
	for _, i := range s.dwiIdx {
		b := s.BValues[i]
		found := -1
		for j := range shells {
			if math.Abs(shells[j].B-b) > shellTol {
				continue
			}
			if s.Version == StejskalTanner {
				r := st[i]
				if shells[j].G != r.g || shells[j].Delta != r.delta ||
					shells[j].SmallDelta != r.smallDelta || shells[j].TE != r.te {
					continue
				}
			}
			found = j
			break
		}
		if found < 0 {
			sh := Shell{B: b}
			if s.Version == StejskalTanner {
				r := st[i]
				sh.G, sh.Delta, sh.SmallDelta, sh.TE = r.g, r.delta, r.smallDelta, r.te
			}
			shells = append(shells, sh)
			found = len(shells) - 1
		}
		shells[found].Indices = append(shells[found].Indices, i)
	}

	sort.Slice(shells, func(a, b int) bool { return shells[a].B < shells[b].B })
	return shells
}

// SampleCount returns the total number of acquisition samples.
func (s *Scheme) SampleCount() int { return len(s.BValues) }

// B0Count returns the number of baseline (b0) samples.
func (s *Scheme) B0Count() int { return len(s.b0Idx) }

// DWICount returns the number of diffusion-weighted samples.
func (s *Scheme) DWICount() int { return len(s.dwiIdx) }

// B0Indices returns the positions of the b0 samples in acquisition order.
// The returned slice is owned by the Scheme and must not be modified.
func (s *Scheme) B0Indices() []int { return s.b0Idx }

// DWIIndices returns the positions of the diffusion-weighted samples in
// acquisition order. The returned slice is owned by the Scheme and must not
// be modified.
func (s *Scheme) DWIIndices() []int { return s.dwiIdx }

// Hash returns a hex-encoded SHA-256 fingerprint of the acquisition: one
// canonical row per sample covering direction and b-value. Two schemes with
// the same samples in the same order hash identically regardless of source
// formatting, so the fingerprint can tag kernel caches.
func (s *Scheme) Hash() string {
	h := sha256.New()
	for i := range s.BValues {
		fmt.Fprintf(h, "%.6f %.6f %.6f %.6f\n",
			s.Directions[i][0], s.Directions[i][1], s.Directions[i][2], s.BValues[i])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Summary returns a one-line human-readable description of the scheme, in
// the form "7 samples, 1 shell: 1 @ b=0, 6 @ b=1000.0".
func (s *Scheme) Summary() string {
	var sb strings.Builder
	plural := "s"
	if len(s.Shells) == 1 {
		plural = ""
	}
	fmt.Fprintf(&sb, "%d samples, %d shell%s: %d @ b=0", s.SampleCount(), len(s.Shells), plural, s.B0Count())
	for _, sh := range s.Shells {
		fmt.Fprintf(&sb, ", %d @ b=%.1f", len(sh.Indices), sh.B)
	}
	return sb.String()
}
