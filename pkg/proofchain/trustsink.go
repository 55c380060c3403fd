package proofchain

import (
	"context"
	"fmt"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// TrustSink bridges trust-score changes into the proof chain. One sink
// serves one tenant, matching the tenant scoping of the trust engine it
// is wired to.
type TrustSink struct {
	emitter  *Emitter
	tenantID string
}

// NewTrustSink creates a sink recording into the given tenant's chains.
func NewTrustSink(emitter *Emitter, tenantID string) *TrustSink {
	return &TrustSink{emitter: emitter, tenantID: tenantID}
}

// TrustDelta records a trust_delta proof event for the agent.
func (s *TrustSink) TrustDelta(ctx context.Context, entityID string, payload map[string]interface{}) error {
	key := fmt.Sprintf("trust_delta:%s:%v:%v", entityID, payload["score"], payload["reason_code"])
	s.emitter.Emit(ctx, key, s.tenantID, entityID, contracts.ProofTrustDelta, payload)
	return nil
}

// TierChanged records the band crossing alongside the delta.
func (s *TrustSink) TierChanged(ctx context.Context, entityID string, payload map[string]interface{}) error {
	key := fmt.Sprintf("tier_changed:%s:%v", entityID, payload["band"])
	s.emitter.Emit(ctx, key, s.tenantID, entityID, contracts.ProofTrustDelta, payload)
	return nil
}
