package tenants

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/covenant/pkg/canonicalize"
)

// IsolationReceipt is the proof that one operation touched only resources
// owned by its tenant.
type IsolationReceipt struct {
	ReceiptID    string    `json:"receipt_id"`
	TenantID     string    `json:"tenant_id"`
	ChecksPassed int       `json:"checks_passed"`
	ChecksFailed int       `json:"checks_failed"`
	Violations   []string  `json:"violations,omitempty"`
	Isolated     bool      `json:"isolated"`
	ContentHash  string    `json:"content_hash"`
	Timestamp    time.Time `json:"timestamp"`
}

// IsolationChecker asserts at runtime that operations never read or write
// resources belonging to another tenant. Stores enforce scoping in their
// queries; the checker provides an auditable second opinion.
type IsolationChecker struct {
	mu     sync.RWMutex
	owners map[string]string   // resource id -> owning tenant (first claim wins)
	claims map[string][]string // resource id -> every tenant that tried to claim it
	clock  func() time.Time
}

// NewIsolationChecker creates an empty checker.
func NewIsolationChecker() *IsolationChecker {
	return &IsolationChecker{
		owners: make(map[string]string),
		claims: make(map[string][]string),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *IsolationChecker) WithClock(clock func() time.Time) *IsolationChecker {
	c.clock = clock
	return c
}

// RegisterResource records a resource's owning tenant. The first claim
// wins; a second claim by a different tenant is remembered and reported
// by Audit.
func (c *IsolationChecker) RegisterResource(tenantID, resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, claimed := c.owners[resourceID]; !claimed {
		c.owners[resourceID] = tenantID
	}
	for _, prior := range c.claims[resourceID] {
		if prior == tenantID {
			return
		}
	}
	c.claims[resourceID] = append(c.claims[resourceID], tenantID)
}

// CheckAccess verifies that every resource in the operation belongs to the
// tenant (or is unregistered) and returns a content-hashed receipt.
func (c *IsolationChecker) CheckAccess(tenantID string, resourceIDs []string) *IsolationReceipt {
	c.mu.RLock()
	defer c.mu.RUnlock()

	receipt := &IsolationReceipt{
		ReceiptID: uuid.New().String(),
		TenantID:  tenantID,
		Isolated:  true,
		Timestamp: c.clock(),
	}

	for _, resourceID := range resourceIDs {
		owner, claimed := c.owners[resourceID]
		if claimed && owner != tenantID {
			receipt.ChecksFailed++
			receipt.Isolated = false
			receipt.Violations = append(receipt.Violations,
				fmt.Sprintf("tenant %s accessed resource %s owned by %s", tenantID, resourceID, owner))
			continue
		}
		receipt.ChecksPassed++
	}

	hash, err := canonicalize.CanonicalHash(struct {
		TenantID  string    `json:"tenant_id"`
		Resources []string  `json:"resources"`
		Passed    int       `json:"passed"`
		Failed    int       `json:"failed"`
		Timestamp time.Time `json:"timestamp"`
	}{tenantID, resourceIDs, receipt.ChecksPassed, receipt.ChecksFailed, receipt.Timestamp})
	if err == nil {
		receipt.ContentHash = "sha256:" + hash
	}
	return receipt
}

// Audit sweeps the registry for resources claimed by more than one
// tenant.
func (c *IsolationChecker) Audit() (bool, []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var violations []string
	for resourceID, claimants := range c.claims {
		if len(claimants) > 1 {
			violations = append(violations,
				fmt.Sprintf("resource %s claimed by %d tenants", resourceID, len(claimants)))
		}
	}
	return len(violations) == 0, violations
}
