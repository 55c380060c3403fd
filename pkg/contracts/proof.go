package contracts

import (
	"strings"
	"time"
)

// ProofKind categorizes proof-chain events.
type ProofKind string

const (
	ProofIntentReceived      ProofKind = "intent_received"
	ProofDecisionMade        ProofKind = "decision_made"
	ProofTrustDelta          ProofKind = "trust_delta"
	ProofExecutionStarted    ProofKind = "execution_started"
	ProofExecutionCompleted  ProofKind = "execution_completed"
	ProofExecutionFailed     ProofKind = "execution_failed"
	ProofIncidentDetected    ProofKind = "incident_detected"
	ProofRollbackInitiated   ProofKind = "rollback_initiated"
	ProofComponentRegistered ProofKind = "component_registered"
	ProofComponentUpdated    ProofKind = "component_updated"
)

// GenesisHash is the prevHash of the first event for an entity:
// 32 zero bytes, hex encoded.
var GenesisHash = strings.Repeat("0", 64)

// ProofEvent is one immutable, hash-linked record of a state transition.
// Hash = SHA256(id || tenantId || entityId || kind || canonical(payload) ||
// timestamp || prevHash), hex encoded. PrevHash links to the previous event
// for the same entity.
type ProofEvent struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	EntityID   string                 `json:"entity_id"`
	Kind       ProofKind              `json:"kind"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	PrevHash   string                 `json:"prev_hash"`
	Hash       string                 `json:"hash"`
	BatchID    string                 `json:"batch_id,omitempty"`
	MerklePath []MerkleStep           `json:"merkle_path,omitempty"`
}

// MerkleStep is one sibling hash on an inclusion path.
type MerkleStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"` // sibling sits on the left of the running hash
}

// VerifyResult reports the outcome of a chain walk back to genesis.
type VerifyResult struct {
	Valid       bool   `json:"valid"`
	Depth       int    `json:"depth"`
	GenesisHash string `json:"genesis_hash,omitempty"`
	BrokenAt    string `json:"broken_at,omitempty"`
}
