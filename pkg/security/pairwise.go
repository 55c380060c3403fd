package security

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// PairwiseDeriver derives per-relying-party agent identifiers so an agent's
// activity cannot be correlated across parties handling sensitive data.
type PairwiseDeriver struct {
	secret []byte
}

// NewPairwiseDeriver creates a deriver keyed by a tenant-scoped secret.
func NewPairwiseDeriver(secret []byte) *PairwiseDeriver {
	return &PairwiseDeriver{secret: append([]byte(nil), secret...)}
}

// Derive computes the pairwise identifier for an agent toward one relying
// party. Deterministic for a (secret, agent, party) triple.
func (d *PairwiseDeriver) Derive(agentID, relyingParty string) (string, error) {
	r := hkdf.New(sha256.New, d.secret, []byte(relyingParty), []byte("pairwise:"+agentID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("derive pairwise id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Matches reports whether a presented pairwise id is the one derived for
// the agent and relying party.
func (d *PairwiseDeriver) Matches(presented, agentID, relyingParty string) bool {
	expected, err := d.Derive(agentID, relyingParty)
	if err != nil {
		return false
	}
	return presented == expected
}
