package tiers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandOf_Boundaries(t *testing.T) {
	cases := []struct {
		score int
		want  Band
	}{
		{0, T0}, {99, T0}, {100, T0}, {166, T0},
		{167, T1}, {332, T1},
		{333, T2}, {499, T2},
		{500, T3}, {665, T3},
		{666, T4}, {832, T4},
		{833, T5}, {1000, T5},
		// out-of-range inputs clamp
		{-50, T0}, {5000, T5},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, BandOf(c.score), "score %d", c.score)
	}
}

func TestRuntimeTierOf_Minima(t *testing.T) {
	cases := []struct {
		score int
		want  Band
	}{
		{0, T0}, {199, T0},
		{200, T1}, {399, T1},
		{400, T2}, {599, T2},
		{600, T3}, {799, T3},
		{800, T4}, {899, T4},
		{900, T5}, {1000, T5},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, RuntimeTierOf(c.score), "score %d", c.score)
	}
}

func TestBandConversions_Monotone(t *testing.T) {
	prevBand, prevTier := T0, T0
	for s := MinScore; s <= MaxScore; s++ {
		b, rt := BandOf(s), RuntimeTierOf(s)
		assert.GreaterOrEqual(t, b, prevBand, "band regressed at %d", s)
		assert.GreaterOrEqual(t, rt, prevTier, "runtime tier regressed at %d", s)
		prevBand, prevTier = b, rt
	}
}

func TestBandBoundaries_Contiguous(t *testing.T) {
	for b := T1; b <= T5; b++ {
		assert.Equal(t, (b - 1).MaxBandScore()+1, b.MinBandScore())
	}
	assert.Equal(t, MinScore, T0.MinBandScore())
	assert.Equal(t, MaxScore, T5.MaxBandScore())
}

func TestParseBandAlias(t *testing.T) {
	for name, want := range map[string]Band{
		"T3":                  T3,
		"t3":                  T3,
		"T1_OBSERVED":         T1,
		"T1_SUPERVISED":       T1,
		"T2_LIMITED":          T2,
		"T2_CONSTRAINED":      T2,
		"T3_STANDARD":         T3,
		"T3_TRUSTED":          T3,
		"T4_TRUSTED":          T4,
		"T4_AUTONOMOUS":       T4,
		"T5_CERTIFIED":        T5,
		"T5_MISSION_CRITICAL": T5,
	} {
		got, err := ParseBandAlias(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseBandAlias("T3_ELEVATED")
	assert.Error(t, err, "third naming conventions must be rejected")
}

func TestInferObservability(t *testing.T) {
	assert.Equal(t, Verified, InferObservability(AgentMetadata{VerificationProof: "zkp:abc"}))
	assert.Equal(t, Attested, InferObservability(AgentMetadata{AttestedProvider: "issuer.example"}))
	assert.Equal(t, WhiteBox, InferObservability(AgentMetadata{SourceCodeURL: "https://git.example/x"}))
	assert.Equal(t, GrayBox, InferObservability(AgentMetadata{LastAuditDate: "2026-01-01"}))
	assert.Equal(t, BlackBox, InferObservability(AgentMetadata{}))

	// explicit field wins over inference
	assert.Equal(t, GrayBox, InferObservability(AgentMetadata{
		ObservabilityClass: "gray_box",
		VerificationProof:  "zkp:abc",
	}))
	// but an unknown explicit value falls through to inference
	assert.Equal(t, Verified, InferObservability(AgentMetadata{
		ObservabilityClass: "crystal_box",
		VerificationProof:  "zkp:abc",
	}))
}

func TestObservabilityCeilings(t *testing.T) {
	assert.Equal(t, 600, BlackBox.ScoreCeiling())
	assert.Equal(t, 750, GrayBox.ScoreCeiling())
	assert.Equal(t, 900, WhiteBox.ScoreCeiling())
	assert.Equal(t, 950, Attested.ScoreCeiling())
	assert.Equal(t, 1000, Verified.ScoreCeiling())
	assert.Equal(t, 600, ObservabilityClass("bogus").ScoreCeiling())
}

func TestCompetenceCeiling(t *testing.T) {
	assert.Equal(t, T1, CompetenceNone.Ceiling())
	assert.Equal(t, T2, CompetenceBasic.Ceiling())
	assert.Equal(t, T3, CompetenceIntermediate.Ceiling())
	assert.Equal(t, T4, CompetenceAdvanced.Ceiling())
	assert.Equal(t, T5, CompetenceExpert.Ceiling())
	assert.Equal(t, T5, CompetenceMaster.Ceiling())
}

func TestCertificationFloorCeiling(t *testing.T) {
	assert.Equal(t, 500, CertificationFloor(T3))
	assert.Equal(t, 665, CertificationCeiling(T3))
	assert.Equal(t, 0, CertificationFloor(T0))
	assert.Equal(t, 1000, CertificationCeiling(T5))
}
