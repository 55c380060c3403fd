package security

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/covenant-labs/covenant/pkg/canonicalize"
	"github.com/covenant-labs/covenant/pkg/certification"
	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/tiers"
)

// accessClaims are the claims the gate reads from access tokens.
type accessClaims struct {
	jwt.RegisteredClaims
	Confirmation map[string]interface{} `json:"cnf,omitempty"`
	TenantID     string                 `json:"tenant_id,omitempty"`
}

// proofClaims are the claims the gate reads from binding proofs.
type proofClaims struct {
	jwt.RegisteredClaims
	Method string `json:"htm,omitempty"`
	URI    string `json:"htu,omitempty"`
}

// Gate performs the full security validation for a decision request at the
// agent's tier. Every failure is a FORBIDDEN-class boundary error; an
// inconclusive check (introspection outage, revocation store down) also
// denies.
type Gate struct {
	keyFunc     jwt.Keyfunc
	verifier    *certification.Verifier
	introspect  Introspector
	revocations RevocationChecker
	ttlOverride map[tiers.Band]time.Duration
	logger      *slog.Logger
	clock       func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithCertificationVerifier wires attestation verification.
func WithCertificationVerifier(v *certification.Verifier) GateOption {
	return func(g *Gate) { g.verifier = v }
}

// WithIntrospector wires synchronous token introspection.
func WithIntrospector(i Introspector) GateOption {
	return func(g *Gate) { g.introspect = i }
}

// WithRevocations wires the revocation list.
func WithRevocations(r RevocationChecker) GateOption {
	return func(g *Gate) { g.revocations = r }
}

// WithTokenTTLs overrides the per-tier maximum token lifetimes. Tiers not
// in the map keep their defaults.
func WithTokenTTLs(ttls map[tiers.Band]time.Duration) GateOption {
	return func(g *Gate) { g.ttlOverride = ttls }
}

// WithGateClock overrides the clock for deterministic testing.
func WithGateClock(clock func() time.Time) GateOption {
	return func(g *Gate) { g.clock = clock }
}

// NewGate creates a security gate. keyFunc resolves access-token signing
// keys.
func NewGate(keyFunc jwt.Keyfunc, logger *slog.Logger, opts ...GateOption) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		keyFunc: keyFunc,
		logger:  logger,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate runs the full check battery for the request at the given tier.
// A nil return means the request passed every control its tier demands.
func (g *Gate) Validate(ctx context.Context, req *contracts.DecisionRequest, tier tiers.Band) error {
	reqs := RequirementsFor(tier)
	if ttl, ok := g.ttlOverride[tier]; ok && ttl > 0 {
		reqs.MaxTokenTTL = ttl
	}
	now := g.clock()

	if pre := PreRequestCheck(req, tier); !pre.Allow {
		return contracts.NewError(contracts.CodeForbidden, pre.DenyReason)
	}

	claims, err := g.validateToken(req.AccessToken, reqs, now)
	if err != nil {
		return err
	}

	if claims.TenantID != "" && claims.TenantID != req.TenantID {
		return contracts.NewError(contracts.CodeForbidden, "token tenant does not match request tenant")
	}

	if reqs.BindingRequired {
		if err := g.validateBinding(req.RequestBinding, claims); err != nil {
			return err
		}
	}

	if reqs.AttestationRequired {
		if err := g.validateAttestation(req.Attestation, claims, reqs.KeyBindingProof); err != nil {
			return err
		}
	}

	if err := g.checkRevocation(ctx, req.AccessToken, claims, reqs, req.Intent); err != nil {
		return err
	}
	return nil
}

func (g *Gate) validateToken(token string, reqs Requirements, now time.Time) (*accessClaims, error) {
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, g.keyFunc,
		jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil || !parsed.Valid {
		return nil, contracts.NewError(contracts.CodeUnauthorized, "access token is invalid or expired")
	}

	// Enforce the tier's maximum token lifetime, not just the token's own
	// expiry claim.
	if claims.IssuedAt != nil && claims.ExpiresAt != nil {
		if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > reqs.MaxTokenTTL {
			return nil, contracts.Errorf(contracts.CodeForbidden,
				"token lifetime exceeds the %s maximum for this tier", reqs.MaxTokenTTL)
		}
	}
	if claims.IssuedAt != nil && now.Sub(claims.IssuedAt.Time) > reqs.MaxTokenTTL {
		return nil, contracts.NewError(contracts.CodeForbidden, "token is older than this tier permits")
	}
	return claims, nil
}

// validateBinding checks the DPoP-style proof: the proof's method and URI
// must match the bound request, and the proof key's thumbprint must match
// the token's confirmation claim.
func (g *Gate) validateBinding(binding *contracts.RequestBinding, claims *accessClaims) error {
	parser := jwt.NewParser()
	proof := &proofClaims{}
	token, _, err := parser.ParseUnverified(binding.Proof, proof)
	if err != nil {
		return contracts.NewError(contracts.CodeForbidden, "request binding proof is malformed")
	}

	if !strings.EqualFold(proof.Method, binding.Method) || proof.URI != binding.URI {
		return contracts.NewError(contracts.CodeForbidden, "binding proof does not match request method and URI")
	}

	jkt, _ := claims.Confirmation["jkt"].(string)
	if jkt == "" {
		return contracts.NewError(contracts.CodeForbidden, "access token carries no key confirmation")
	}

	jwk, ok := token.Header["jwk"].(map[string]interface{})
	if !ok {
		return contracts.NewError(contracts.CodeForbidden, "binding proof carries no key")
	}
	thumbprint, err := KeyThumbprint(jwk)
	if err != nil || thumbprint != jkt {
		return contracts.NewError(contracts.CodeForbidden, "binding proof key does not match token confirmation")
	}
	return nil
}

// validateAttestation verifies the attestation itself and, when the tier
// demands a key-binding proof, that the attestation names the same key the
// access token is confirmed with.
func (g *Gate) validateAttestation(raw string, claims *accessClaims, keyBound bool) error {
	if g.verifier == nil {
		return contracts.NewError(contracts.CodeForbidden, "attestation verification is not configured")
	}
	att, err := ParseAttestation(raw)
	if err != nil {
		return contracts.NewError(contracts.CodeForbidden, "attestation is malformed")
	}
	if err := g.verifier.Verify(att); err != nil {
		g.logger.Warn("attestation rejected", "issuer", att.Issuer, "error", err)
		return contracts.NewError(contracts.CodeForbidden, "attestation verification failed")
	}
	if keyBound {
		jkt, _ := claims.Confirmation["jkt"].(string)
		if att.KeyThumbprint == "" || jkt == "" || att.KeyThumbprint != jkt {
			return contracts.NewError(contracts.CodeForbidden, "attestation is not bound to the token key")
		}
	}
	return nil
}

func (g *Gate) checkRevocation(ctx context.Context, token string, claims *accessClaims, reqs Requirements, intent contracts.Intent) error {
	if !reqs.SyncRevocation {
		return nil
	}
	if reqs.SyncRevocationScope == "high_value" && !HighValue(intent) {
		return nil
	}

	if g.revocations != nil {
		revoked, err := g.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			g.logger.Warn("revocation check failed, denying", "error", err)
			return contracts.NewError(contracts.CodeForbidden, "revocation status could not be confirmed")
		}
		if revoked {
			return contracts.NewError(contracts.CodeForbidden, "token has been revoked")
		}
	}

	if g.introspect != nil {
		active, err := g.introspect.Introspect(ctx, token)
		if err != nil {
			g.logger.Warn("introspection failed, denying", "error", err)
			return contracts.NewError(contracts.CodeForbidden, "token introspection unavailable")
		}
		if !active {
			return contracts.NewError(contracts.CodeForbidden, "token is no longer active")
		}
	}
	return nil
}

// KeyThumbprint computes the RFC 7638 thumbprint of a JWK: the SHA-256 of
// its canonical JSON, base64url-encoded.
func KeyThumbprint(jwk map[string]interface{}) (string, error) {
	canonical, err := canonicalize.JCS(jwk)
	if err != nil {
		return "", fmt.Errorf("canonicalise jwk: %w", err)
	}
	digest := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(digest[:]), nil
}

// ParseAttestation decodes the wire form of an attestation: base64url JSON.
func ParseAttestation(raw string) (contracts.Attestation, error) {
	var att contracts.Attestation
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		// Also accept plain JSON.
		decoded = []byte(raw)
	}
	if err := json.Unmarshal(decoded, &att); err != nil {
		return att, fmt.Errorf("decode attestation: %w", err)
	}
	return att, nil
}
