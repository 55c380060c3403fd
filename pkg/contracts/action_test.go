package contracts

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombineActions_MostRestrictiveWins(t *testing.T) {
	cases := []struct {
		a, b, want Action
	}{
		{ActionAllow, ActionDeny, ActionDeny},
		{ActionMonitor, ActionLimit, ActionLimit},
		{ActionEscalate, ActionAllow, ActionEscalate},
		{ActionTerminate, ActionEscalate, ActionTerminate},
		{ActionDeny, ActionTerminate, ActionDeny},
		{ActionAllow, ActionAllow, ActionAllow},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CombineActions(c.a, c.b))
		assert.Equal(t, c.want, CombineActions(c.b, c.a), "must be commutative")
	}
}

func TestCombineActions_OrderIndependent(t *testing.T) {
	// Folding any permutation of the same multiset yields the same result.
	actions := []Action{
		ActionMonitor, ActionAllow, ActionLimit,
		ActionEscalate, ActionMonitor, ActionAllow,
	}

	fold := func(in []Action) Action {
		out := ActionAllow
		for _, a := range in {
			out = CombineActions(out, a)
		}
		return out
	}

	want := fold(actions)
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		shuffled := append([]Action(nil), actions...)
		r.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		assert.Equal(t, want, fold(shuffled))
	}
}

func TestMoreRestrictive_StrictOrder(t *testing.T) {
	for i, a := range AllActions {
		assert.False(t, MoreRestrictive(a, a))
		for _, b := range AllActions[i+1:] {
			assert.True(t, MoreRestrictive(a, b), "%s < %s", a, b)
			assert.False(t, MoreRestrictive(b, a))
		}
	}
}

func TestValidAction(t *testing.T) {
	for _, a := range AllActions {
		assert.True(t, ValidAction(a))
	}
	assert.False(t, ValidAction(Action("block")))
	assert.False(t, ValidAction(Action("")))
}
