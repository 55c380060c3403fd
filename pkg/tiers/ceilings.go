package tiers

import (
	"fmt"
	"strings"
)

// Competence is the ordered competence level carried by an agent identity.
type Competence int

const (
	CompetenceNone Competence = iota
	CompetenceBasic
	CompetenceIntermediate
	CompetenceAdvanced
	CompetenceExpert
	CompetenceMaster
)

var competenceNames = map[string]Competence{
	"none": CompetenceNone, "basic": CompetenceBasic,
	"intermediate": CompetenceIntermediate, "advanced": CompetenceAdvanced,
	"expert": CompetenceExpert, "master": CompetenceMaster,
}

// ParseCompetence parses a competence level name.
func ParseCompetence(s string) (Competence, error) {
	c, ok := competenceNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return CompetenceNone, fmt.Errorf("tiers: unknown competence %q", s)
	}
	return c, nil
}

func (c Competence) String() string {
	for name, v := range competenceNames {
		if v == c {
			return name
		}
	}
	return "none"
}

// Ceiling maps a competence level to the highest band it permits.
// Competence below intermediate cannot reach the autonomous tiers.
func (c Competence) Ceiling() Band {
	switch c {
	case CompetenceNone:
		return T1
	case CompetenceBasic:
		return T2
	case CompetenceIntermediate:
		return T3
	case CompetenceAdvanced:
		return T4
	default:
		return T5
	}
}

// ObservabilityClass describes how inspectable an agent's internals are.
// It caps the maximum score the agent can hold.
type ObservabilityClass string

const (
	BlackBox ObservabilityClass = "black_box"
	GrayBox  ObservabilityClass = "gray_box"
	WhiteBox ObservabilityClass = "white_box"
	Attested ObservabilityClass = "attested"
	Verified ObservabilityClass = "verified"
)

var observabilityCeilings = map[ObservabilityClass]int{
	BlackBox: 600,
	GrayBox:  750,
	WhiteBox: 900,
	Attested: 950,
	Verified: 1000,
}

// ScoreCeiling returns the maximum score this observability class permits.
// Unknown classes are treated as BlackBox (fail toward the lower ceiling).
func (o ObservabilityClass) ScoreCeiling() int {
	if c, ok := observabilityCeilings[o]; ok {
		return c
	}
	return observabilityCeilings[BlackBox]
}

// AgentMetadata carries the fields observability inference reads.
type AgentMetadata struct {
	ObservabilityClass string `json:"observability_class,omitempty"`
	VerificationProof  string `json:"verification_proof,omitempty"`
	AttestedProvider   string `json:"attested_provider,omitempty"`
	SourceCodeURL      string `json:"source_code_url,omitempty"`
	LastAuditDate      string `json:"last_audit_date,omitempty"`
}

// InferObservability derives the observability class from agent metadata.
// An explicit field wins; otherwise infer in priority order
// verification proof > attested provider > source URL > audit date > BlackBox.
func InferObservability(md AgentMetadata) ObservabilityClass {
	if md.ObservabilityClass != "" {
		c := ObservabilityClass(strings.ToLower(md.ObservabilityClass))
		if _, ok := observabilityCeilings[c]; ok {
			return c
		}
	}
	switch {
	case md.VerificationProof != "":
		return Verified
	case md.AttestedProvider != "":
		return Attested
	case md.SourceCodeURL != "":
		return WhiteBox
	case md.LastAuditDate != "":
		return GrayBox
	default:
		return BlackBox
	}
}

// ContextCeiling is an externally supplied per-deployment maximum tier.
type ContextCeiling struct {
	MaxTier Band `json:"max_tier"`
}

// ScoreCeiling returns the maximum score permitted by the deployment context.
func (c ContextCeiling) ScoreCeiling() int {
	return c.MaxTier.MaxBandScore()
}

// CertificationFloor returns the minimum score a valid certification at the
// given tier guarantees: the band's lower boundary.
func CertificationFloor(t Band) int {
	return t.MinBandScore()
}

// CertificationCeiling returns the maximum score a certification at the
// given tier allows: the band's upper boundary.
func CertificationCeiling(t Band) int {
	return t.MaxBandScore()
}
