// Package tiers defines the trust band/tier model: the canonical T0..T5
// bands derived from a bounded score, the secondary runtime-tier view, and
// the ceilings contributed by competence, observability class, and
// deployment context.
//
// Two conventions coexist in the wild for band names; both parse into the
// same ordered enum. Any third convention is rejected.
package tiers

import (
	"fmt"
	"strings"
)

// Band is an ordered trust tier, T0 (lowest) through T5 (highest).
type Band int

const (
	T0 Band = iota
	T1
	T2
	T3
	T4
	T5
)

// MinScore and MaxScore bound every trust score.
const (
	MinScore = 0
	MaxScore = 1000
)

// bandUpper holds the inclusive upper score boundary of each canonical band.
// T0 0-166, T1 167-332, T2 333-499, T3 500-665, T4 666-832, T5 833-1000.
var bandUpper = [6]int{166, 332, 499, 665, 832, 1000}

// runtimeMin holds the minimum score of each runtime tier.
var runtimeMin = [6]int{0, 200, 400, 600, 800, 900}

// legacy name aliases, both conventions.
var bandAliases = map[string]Band{
	"T0": T0, "T1": T1, "T2": T2, "T3": T3, "T4": T4, "T5": T5,
	// convention 1
	"T0_UNTRUSTED": T0, "T1_OBSERVED": T1, "T2_LIMITED": T2,
	"T3_STANDARD": T3, "T4_TRUSTED": T4, "T5_CERTIFIED": T5,
	// convention 2
	"T1_SUPERVISED": T1, "T2_CONSTRAINED": T2, "T3_TRUSTED": T3,
	"T4_AUTONOMOUS": T4, "T5_MISSION_CRITICAL": T5,
}

// String returns the short canonical name, "T0".."T5".
func (b Band) String() string {
	if b < T0 || b > T5 {
		return fmt.Sprintf("T?(%d)", int(b))
	}
	return fmt.Sprintf("T%d", int(b))
}

// Valid reports whether b is within T0..T5.
func (b Band) Valid() bool {
	return b >= T0 && b <= T5
}

// MaxBandScore returns the inclusive upper score boundary of the band.
func (b Band) MaxBandScore() int {
	if !b.Valid() {
		return MinScore
	}
	return bandUpper[b]
}

// MinBandScore returns the inclusive lower score boundary of the band.
func (b Band) MinBandScore() int {
	if !b.Valid() || b == T0 {
		return MinScore
	}
	return bandUpper[b-1] + 1
}

// BandOf maps a score to its canonical band. Scores are clamped to
// [MinScore, MaxScore] first, so the mapping is total and monotone.
func BandOf(score int) Band {
	score = ClampScore(score)
	for b := T0; b < T5; b++ {
		if score <= bandUpper[b] {
			return b
		}
	}
	return T5
}

// RuntimeTierOf maps a score to the runtime-tier view (minimum boundaries
// {0, 200, 400, 600, 800, 900}). Total and monotone.
func RuntimeTierOf(score int) Band {
	score = ClampScore(score)
	tier := T0
	for b := T0; b <= T5; b++ {
		if score >= runtimeMin[b] {
			tier = b
		}
	}
	return tier
}

// RuntimeMinScore returns the minimum score of the runtime tier.
func (b Band) RuntimeMinScore() int {
	if !b.Valid() {
		return MinScore
	}
	return runtimeMin[b]
}

// ClampScore bounds a score into [MinScore, MaxScore].
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// ParseBand parses a short canonical band name ("T0".."T5", case-insensitive).
func ParseBand(s string) (Band, error) {
	return ParseBandAlias(s)
}

// ParseBandAlias parses a band name in either legacy convention or the short
// form. Unknown names are an error; no third convention is accepted.
func ParseBandAlias(s string) (Band, error) {
	b, ok := bandAliases[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return T0, fmt.Errorf("tiers: unknown band %q", s)
	}
	return b, nil
}

// MinBand returns the lower of two bands.
func MinBand(a, b Band) Band {
	if a < b {
		return a
	}
	return b
}
