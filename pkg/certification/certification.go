// Package certification verifies external attestations and derives the
// effective certification tier of an agent identity.
package certification

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/covenant-labs/covenant/pkg/canonicalize"
	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/tiers"
)

// Verifier checks attestation signatures against a registry of trusted
// issuer keys.
type Verifier struct {
	issuers map[string]ed25519.PublicKey
	clock   func() time.Time
}

// NewVerifier creates a verifier over a set of trusted issuers.
func NewVerifier(issuers map[string]ed25519.PublicKey) *Verifier {
	keys := make(map[string]ed25519.PublicKey, len(issuers))
	for id, key := range issuers {
		keys[id] = key
	}
	return &Verifier{issuers: keys, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// AddIssuer registers another trusted issuer key.
func (v *Verifier) AddIssuer(issuer string, key ed25519.PublicKey) {
	v.issuers[issuer] = key
}

// Verify checks one attestation: known issuer, valid signature over the
// canonical attestation content, parseable tier, and current validity
// window.
func (v *Verifier) Verify(att contracts.Attestation) error {
	key, ok := v.issuers[att.Issuer]
	if !ok {
		return fmt.Errorf("certification: unknown issuer %q", att.Issuer)
	}

	if _, err := tiers.ParseBandAlias(att.Tier); err != nil {
		return fmt.Errorf("certification: %w", err)
	}

	now := v.clock()
	if !att.Valid(now) {
		return fmt.Errorf("certification: attestation %s outside validity window", att.ID)
	}

	sig, err := base64.StdEncoding.DecodeString(att.Signature)
	if err != nil {
		return fmt.Errorf("certification: invalid signature encoding: %w", err)
	}

	digest, err := AttestationDigest(att)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, digest, sig) {
		return fmt.Errorf("certification: signature verification failed for issuer %s", att.Issuer)
	}
	return nil
}

// VerifiedTier returns the effective certification tier: the maximum tier
// across attestations that verify and are currently valid. False if none.
func (v *Verifier) VerifiedTier(attestations []contracts.Attestation) (tiers.Band, bool) {
	best := tiers.T0
	found := false
	for _, att := range attestations {
		if err := v.Verify(att); err != nil {
			continue
		}
		tier, err := tiers.ParseBandAlias(att.Tier)
		if err != nil {
			continue
		}
		found = true
		if tier > best {
			best = tier
		}
	}
	return best, found
}

// Sign signs an attestation's canonical content. Used by issuers and by
// tests; the engine itself only verifies.
func Sign(att contracts.Attestation, key ed25519.PrivateKey) (string, error) {
	digest, err := AttestationDigest(att)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, digest)), nil
}

// AttestationDigest hashes the attestation content excluding the signature
// itself, canonicalised so issuer and verifier agree byte for byte.
func AttestationDigest(att contracts.Attestation) ([]byte, error) {
	hashable := struct {
		ID            string    `json:"id"`
		Issuer        string    `json:"issuer"`
		AgentID       string    `json:"agent_id"`
		Tier          string    `json:"tier"`
		Scope         []string  `json:"scope,omitempty"`
		IssuedAt      time.Time `json:"issued_at"`
		ExpiresAt     time.Time `json:"expires_at"`
		Evidence      []string  `json:"evidence,omitempty"`
		KeyThumbprint string    `json:"jkt,omitempty"`
	}{
		ID:            att.ID,
		Issuer:        att.Issuer,
		AgentID:       att.AgentID,
		Tier:          att.Tier,
		Scope:         att.Scope,
		IssuedAt:      att.IssuedAt,
		ExpiresAt:     att.ExpiresAt,
		Evidence:      att.Evidence,
		KeyThumbprint: att.KeyThumbprint,
	}

	data, err := canonicalize.JCS(hashable)
	if err != nil {
		return nil, fmt.Errorf("certification: canonicalise attestation: %w", err)
	}
	digest := sha256.Sum256(data)
	return digest[:], nil
}

// CoversScope reports whether an attestation's scope includes the domain.
// An empty scope covers everything.
func CoversScope(att contracts.Attestation, domain string) bool {
	if len(att.Scope) == 0 {
		return true
	}
	for _, s := range att.Scope {
		if s == domain {
			return true
		}
	}
	return false
}
