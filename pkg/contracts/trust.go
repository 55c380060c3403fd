package contracts

import "time"

// TrustSignal is one observed behavioral event. Signals are immutable;
// the trust engine replays them to recompute scores.
type TrustSignal struct {
	ID        string                 `json:"id"`
	EntityID  string                 `json:"entity_id"`
	Type      string                 `json:"type"`
	Value     int                    `json:"value"`
	Weight    float64                `json:"weight"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SignalInput is the caller-supplied portion of a signal. The server
// assigns the Timestamp; ID is optional and, combined with Source,
// deduplicates redelivered signals. Absent an ID the server assigns one
// and every delivery counts.
type SignalInput struct {
	ID       string                 `json:"id,omitempty"`
	EntityID string                 `json:"entity_id"`
	Type     string                 `json:"type"`
	Value    int                    `json:"value"`
	Weight   float64                `json:"weight,omitempty"`
	Source   string                 `json:"source"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TrustScore is the persisted per-agent score row.
type TrustScore struct {
	AgentID      string    `json:"agent_id"`
	Score        int       `json:"score"`
	Band         string    `json:"band"`
	Behavioral   float64   `json:"behavioral"`
	Compliance   float64   `json:"compliance"`
	Identity     float64   `json:"identity"`
	Context      float64   `json:"context"`
	LastActivity time.Time `json:"last_activity"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TrustDelta records one score transition for the history log.
type TrustDelta struct {
	AgentID    string    `json:"agent_id"`
	At         time.Time `json:"at"`
	Score      int       `json:"score"`
	Band       string    `json:"band"`
	Delta      int       `json:"delta"`
	ReasonCode string    `json:"reason_code"`
}

// Attestation is a signed external assertion that an agent identity holds a
// certification tier within a scope.
type Attestation struct {
	ID        string    `json:"id"`
	Issuer    string    `json:"issuer"`
	AgentID   string    `json:"agent_id"`
	Tier      string    `json:"tier"`
	Scope     []string  `json:"scope,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Evidence  []string  `json:"evidence,omitempty"`
	// KeyThumbprint binds the attestation to a holder key: the RFC 7638
	// thumbprint of the key the access token is confirmed with.
	KeyThumbprint string `json:"jkt,omitempty"`
	Signature     string `json:"signature,omitempty"`
}

// Valid reports whether the attestation covers the given instant.
func (a Attestation) Valid(now time.Time) bool {
	return !now.Before(a.IssuedAt) && now.Before(a.ExpiresAt)
}
