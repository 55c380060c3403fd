// Package contracts defines the shared domain and wire types of the
// governance engine: intents, decisions, trust signals, policies,
// escalations, and proof events.
package contracts

// Action is a governance decision outcome.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionDeny      Action = "deny"
	ActionEscalate  Action = "escalate"
	ActionLimit     Action = "limit"
	ActionMonitor   Action = "monitor"
	ActionTerminate Action = "terminate"
)

// actionRank orders actions most-restrictive first:
// deny < terminate < escalate < limit < monitor < allow.
var actionRank = map[Action]int{
	ActionDeny:      0,
	ActionTerminate: 1,
	ActionEscalate:  2,
	ActionLimit:     3,
	ActionMonitor:   4,
	ActionAllow:     5,
}

// ValidAction reports whether a is one of the six decision actions.
func ValidAction(a Action) bool {
	_, ok := actionRank[a]
	return ok
}

// MoreRestrictive reports whether a is strictly more restrictive than b.
func MoreRestrictive(a, b Action) bool {
	ra, aok := actionRank[a]
	rb, bok := actionRank[b]
	if !aok || !bok {
		return false
	}
	return ra < rb
}

// CombineActions returns the most restrictive of two actions. Combining is
// associative and commutative, so folding any number of actions is
// order-independent.
func CombineActions(a, b Action) Action {
	if MoreRestrictive(b, a) {
		return b
	}
	return a
}

// AllActions lists every valid action, most restrictive first.
var AllActions = []Action{
	ActionDeny, ActionTerminate, ActionEscalate,
	ActionLimit, ActionMonitor, ActionAllow,
}
