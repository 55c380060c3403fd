// Package security implements the tier-indexed security gate: pre-request
// requirement checks, full token and binding validation, synchronous
// introspection for high-value operations, and pairwise identifier
// derivation. The gate fails closed: any check that cannot complete denies.
package security

import (
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/tiers"
)

// Requirements is the security posture demanded of a given trust tier.
type Requirements struct {
	BindingRequired      bool          `json:"binding_required"`
	AttestationRequired  bool          `json:"attestation_required"`
	KeyBindingProof      bool          `json:"key_binding_proof"`
	PairwiseForSensitive bool          `json:"pairwise_for_sensitive"`
	SyncRevocation       bool          `json:"sync_revocation"`
	SyncRevocationScope  string        `json:"sync_revocation_scope,omitempty"` // "high_value" or "always"
	MaxTokenTTL          time.Duration `json:"max_token_ttl"`
}

// tierRequirements indexes the posture by tier. Higher tiers carry heavier
// controls and shorter token lifetimes.
var tierRequirements = map[tiers.Band]Requirements{
	tiers.T0: {MaxTokenTTL: 60 * time.Minute},
	tiers.T1: {MaxTokenTTL: 60 * time.Minute},
	tiers.T2: {BindingRequired: true, MaxTokenTTL: 30 * time.Minute},
	tiers.T3: {
		BindingRequired:      true,
		PairwiseForSensitive: true,
		MaxTokenTTL:          15 * time.Minute,
	},
	tiers.T4: {
		BindingRequired:      true,
		AttestationRequired:  true,
		PairwiseForSensitive: true,
		SyncRevocation:       true,
		SyncRevocationScope:  "high_value",
		MaxTokenTTL:          10 * time.Minute,
	},
	tiers.T5: {
		BindingRequired:      true,
		AttestationRequired:  true,
		KeyBindingProof:      true,
		PairwiseForSensitive: true,
		SyncRevocation:       true,
		SyncRevocationScope:  "always",
		MaxTokenTTL:          5 * time.Minute,
	},
}

// RequirementsFor returns the posture for a tier. Out-of-range tiers get
// the strictest posture.
func RequirementsFor(tier tiers.Band) Requirements {
	if req, ok := tierRequirements[tier]; ok {
		return req
	}
	return tierRequirements[tiers.T5]
}

// SensitiveData reports whether pairwise identifiers are mandated for the
// request's data classification.
func SensitiveData(s contracts.DataSensitivity) bool {
	return s == contracts.SensitivityConfidential || s == contracts.SensitivityRestricted
}

// highValueIntentTypes always undergo synchronous revocation when the tier
// requires it.
var highValueIntentTypes = map[string]bool{
	"write":    true,
	"delete":   true,
	"transfer": true,
}

// HighValue reports whether an intent is a high-value operation: a write,
// delete, or transfer, or anything explicitly tagged as such.
func HighValue(intent contracts.Intent) bool {
	if highValueIntentTypes[intent.IntentType] {
		return true
	}
	tagged, _ := intent.Context["high_value"].(bool)
	return tagged
}

// PreCheckResult is the answer to a pre-request check.
type PreCheckResult struct {
	Allow           bool         `json:"allow"`
	Requirements    Requirements `json:"requirements"`
	RequiredActions []string     `json:"required_actions,omitempty"`
	DenyReason      string       `json:"deny_reason,omitempty"`
}

// PreRequestCheck rejects before policy evaluation when mandatory controls
// are absent for the agent's tier. It inspects only request shape; full
// cryptographic validation happens in Gate.Validate.
func PreRequestCheck(req *contracts.DecisionRequest, tier tiers.Band) PreCheckResult {
	reqs := RequirementsFor(tier)
	result := PreCheckResult{Allow: true, Requirements: reqs}

	missing := func(action, reason string) {
		result.Allow = false
		result.RequiredActions = append(result.RequiredActions, action)
		if result.DenyReason == "" {
			result.DenyReason = reason
		}
	}

	if req.AccessToken == "" {
		missing("provide_access_token", "access token is required")
	}
	if reqs.BindingRequired && (req.RequestBinding == nil || req.RequestBinding.Proof == "") {
		missing("provide_request_binding", "request binding proof is required at "+tier.String())
	}
	if reqs.AttestationRequired && req.Attestation == "" {
		missing("provide_attestation", "attestation is required at "+tier.String())
	}
	if reqs.PairwiseForSensitive && SensitiveData(req.DataSensitivity) && req.PairwiseID == "" {
		missing("provide_pairwise_id", "pairwise identifier is required for "+string(req.DataSensitivity)+" data")
	}
	return result
}
