// Package trust implements the trust engine: weighted component scoring
// over an event-sourced signal log, time decay with milestone
// interpolation, and certification/observability/context ceilings.
package trust

import (
	"strings"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Component weights. They sum to 1.
const (
	WeightBehavioral = 0.40
	WeightCompliance = 0.25
	WeightIdentity   = 0.20
	WeightContext    = 0.15
)

// Behavioral scoring constants: failures count failureMultiplier times a
// success, and the component blends toward neutral until minSampleSize
// events have been observed.
const (
	failureMultiplier = 3.0
	minSampleSize     = 10
	neutralScore      = 0.5
)

// Signal types the engine accepts. Anything else is dropped with a warning.
const (
	SignalSuccess          = "success"
	SignalFailure          = "failure"
	SignalQuality          = "quality"
	SignalEfficiency       = "efficiency"
	SignalCompliancePass   = "compliance_pass"
	SignalAuditPass        = "audit_pass"
	SignalViolation        = "violation"
	SignalVerification     = "verification"
)

// severityDeductions maps violation severity to compliance points deducted.
var severityDeductions = map[string]int{
	"low":      1,
	"medium":   2,
	"high":     5,
	"critical": 10,
}

// verificationLevels maps identity verification level to its component base.
var verificationLevels = map[string]float64{
	"unverified":   0.2,
	"email":        0.4,
	"domain":       0.6,
	"organization": 0.8,
	"enterprise":   1.0,
}

// certificateBonuses maps certificate status to its identity bonus.
var certificateBonuses = map[string]float64{
	"registered": 0.0,
	"verified":   0.1,
	"certified":  0.2,
	"certified+": 0.3,
}

// environmentScores maps deployment environment to its context base. Less
// exposed environments score higher.
var environmentScores = map[string]float64{
	"sandbox":     1.0,
	"development": 0.8,
	"staging":     0.6,
	"production":  0.4,
	"public":      0.2,
}

// Stats is the accumulated view of an agent's signal history that the
// component functions consume.
type Stats struct {
	Successes        int
	Failures         int
	QualitySum       float64
	QualityCount     int
	EfficiencySum    float64
	EfficiencyCount  int
	CompliancePasses int
	ComplianceTotal  int
	SeverityPoints   int
}

// Accumulate folds one signal into the stats. Returns false for signal
// types it does not recognize.
func (s *Stats) Accumulate(sig contracts.TrustSignal) bool {
	switch sig.Type {
	case SignalSuccess:
		s.Successes++
	case SignalFailure:
		s.Failures++
	case SignalQuality:
		s.QualitySum += float64(sig.Value) / 100.0
		s.QualityCount++
	case SignalEfficiency:
		s.EfficiencySum += float64(sig.Value) / 100.0
		s.EfficiencyCount++
	case SignalCompliancePass, SignalAuditPass:
		s.CompliancePasses++
		s.ComplianceTotal++
	case SignalViolation:
		s.ComplianceTotal++
		severity, _ := sig.Metadata["severity"].(string)
		if points, ok := severityDeductions[strings.ToLower(severity)]; ok {
			s.SeverityPoints += points
		} else {
			s.SeverityPoints += severityDeductions["medium"]
		}
	case SignalVerification:
		// Verification affects the identity component via agent metadata
		// and resets the decay clock; nothing to accumulate here.
	default:
		return false
	}
	return true
}

// KnownSignalType reports whether the engine accepts a signal type.
func KnownSignalType(t string) bool {
	switch t {
	case SignalSuccess, SignalFailure, SignalQuality, SignalEfficiency,
		SignalCompliancePass, SignalAuditPass, SignalViolation, SignalVerification:
		return true
	}
	return false
}

// ResetsDecay reports whether a signal type resets the decay clock: any
// successful execution, positive compliance signal, or re-verification.
func ResetsDecay(t string) bool {
	switch t {
	case SignalSuccess, SignalCompliancePass, SignalAuditPass, SignalVerification:
		return true
	}
	return false
}

// Behavioral computes the behavioral component in [0,1]. Failures weigh
// failureMultiplier times successes; small samples blend toward neutral so
// a couple of events cannot dominate the score.
func Behavioral(s Stats) float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return neutralScore
	}

	weighted := float64(s.Successes) / (float64(s.Successes) + failureMultiplier*float64(s.Failures))

	if s.QualityCount > 0 {
		avgQuality := clamp01(s.QualitySum / float64(s.QualityCount))
		weighted = 0.7*weighted + 0.3*avgQuality
	}
	if s.EfficiencyCount > 0 {
		avgEfficiency := clamp01(s.EfficiencySum / float64(s.EfficiencyCount))
		weighted = 0.8*weighted + 0.2*avgEfficiency
	}

	if total < minSampleSize {
		confidence := float64(total) / float64(minSampleSize)
		weighted = neutralScore + confidence*(weighted-neutralScore)
	}
	return clamp01(weighted)
}

// Compliance computes the compliance component in [0,1]: the adherence
// rate minus severity deductions (one point = 1%).
func Compliance(s Stats) float64 {
	rate := 1.0
	if s.ComplianceTotal > 0 {
		rate = float64(s.CompliancePasses) / float64(s.ComplianceTotal)
	}
	return clamp01(rate - float64(s.SeverityPoints)/100.0)
}

// Identity computes the identity component in [0,1] from the agent's
// verification level and certificate status.
func Identity(meta contracts.AgentMeta) float64 {
	base, ok := verificationLevels[strings.ToLower(meta.VerificationLevel)]
	if !ok {
		base = verificationLevels["unverified"]
	}
	bonus := certificateBonuses[strings.ToLower(meta.CertificateStatus)]
	return clamp01(base + bonus)
}

// Context computes the context component in [0,1] from the deployment
// environment plus isolation, TLS, and secret-management bonuses.
func Context(meta contracts.AgentMeta) float64 {
	base, ok := environmentScores[strings.ToLower(meta.Environment)]
	if !ok {
		base = environmentScores["production"]
	}
	if meta.Isolated {
		base += 0.05
	}
	if meta.TLSEnforced {
		base += 0.05
	}
	if meta.ManagedSecrets {
		base += 0.05
	}
	return clamp01(base)
}

// Composite combines the four components into a raw score in [0,1000].
func Composite(behavioral, compliance, identity, context float64) int {
	raw := WeightBehavioral*behavioral +
		WeightCompliance*compliance +
		WeightIdentity*identity +
		WeightContext*context
	return int(raw*1000.0 + 0.5)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
