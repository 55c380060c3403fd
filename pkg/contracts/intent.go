package contracts

import "time"

// DataSensitivity classifies the data an intent touches.
type DataSensitivity string

const (
	SensitivityPublic       DataSensitivity = "public"
	SensitivityInternal     DataSensitivity = "internal"
	SensitivityConfidential DataSensitivity = "confidential"
	SensitivityRestricted   DataSensitivity = "restricted"
)

// Intent is a proposed action submitted for governance, not yet executed.
type Intent struct {
	ID          string                 `json:"id"`
	IntentType  string                 `json:"intent_type"`
	Description string                 `json:"description,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// RequestBinding is the DPoP-style proof binding a request to a key.
type RequestBinding struct {
	Method string `json:"method"`
	URI    string `json:"uri"`
	Proof  string `json:"proof"`
}

// DecisionRequest is the input the engine consumes from its callers.
type DecisionRequest struct {
	TenantID        string          `json:"tenant_id"`
	AgentID         string          `json:"agent_id"`
	Intent          Intent          `json:"intent"`
	RequestBinding  *RequestBinding `json:"request_binding,omitempty"`
	AccessToken     string          `json:"access_token"`
	Attestation     string          `json:"attestation,omitempty"`
	PairwiseID      string          `json:"pairwise_id,omitempty"`
	DataSensitivity DataSensitivity `json:"data_sensitivity,omitempty"`
	DeadlineMs      int64           `json:"deadline_ms,omitempty"`
}

// EffectiveTrust is the trust snapshot echoed in every reply.
type EffectiveTrust struct {
	Score int    `json:"score"`
	Band  string `json:"band"`
}

// DecisionReply is the engine's answer to a decision request.
type DecisionReply struct {
	Action         Action                 `json:"action"`
	Reason         string                 `json:"reason,omitempty"`
	Constraints    map[string]interface{} `json:"constraints,omitempty"`
	EscalationID   string                 `json:"escalation_id,omitempty"`
	ProofHash      string                 `json:"proof_hash"`
	EffectiveTrust EffectiveTrust         `json:"effective_trust"`
	DurationMs     int64                  `json:"duration_ms"`
}

// AgentIdentity is the immutable ACI: registry.organization.agentClass plus
// competence and operational domains. The identity carries no trust.
type AgentIdentity struct {
	Registry     string   `json:"registry"`
	Organization string   `json:"organization"`
	AgentClass   string   `json:"agent_class"`
	Competence   string   `json:"competence"`
	Domains      []string `json:"domains,omitempty"`
}

// String renders the dotted ACI form.
func (a AgentIdentity) String() string {
	return a.Registry + "." + a.Organization + "." + a.AgentClass
}

// Agent is the persisted agent row.
type Agent struct {
	ID       string        `json:"id"`
	TenantID string        `json:"tenant_id"`
	ACI      AgentIdentity `json:"aci"`
	Status   string        `json:"status"`
	Metadata AgentMeta     `json:"metadata,omitempty"`
}

// AgentMeta carries the observability-relevant agent metadata.
type AgentMeta struct {
	ObservabilityClass string    `json:"observability_class,omitempty"`
	VerificationProof  string    `json:"verification_proof,omitempty"`
	AttestedProvider   string    `json:"attested_provider,omitempty"`
	SourceCodeURL      string    `json:"source_code_url,omitempty"`
	LastAuditDate      string    `json:"last_audit_date,omitempty"`
	VerificationLevel  string    `json:"verification_level,omitempty"`
	CertificateStatus  string    `json:"certificate_status,omitempty"`
	Environment        string    `json:"environment,omitempty"`
	Isolated           bool      `json:"isolated,omitempty"`
	TLSEnforced        bool      `json:"tls_enforced,omitempty"`
	ManagedSecrets     bool      `json:"managed_secrets,omitempty"`
	RegisteredAt       time.Time `json:"registered_at,omitempty"`
}
