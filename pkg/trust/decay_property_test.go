//go:build property
// +build property

package trust

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRetentionProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("retention stays in [0.5, 1.0]", prop.ForAll(
		func(days float64) bool {
			r := Retention(days)
			return r >= 0.5 && r <= 1.0
		},
		gen.Float64Range(0, 10000),
	))

	properties.Property("retention is non-increasing", prop.ForAll(
		func(a, b float64) bool {
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			return Retention(lo) >= Retention(hi)
		},
		gen.Float64Range(0, 1000),
		gen.Float64Range(0, 1000),
	))

	properties.Property("composite stays in [0, 1000]", prop.ForAll(
		func(b, c, i, x float64) bool {
			s := Composite(b, c, i, x)
			return s >= 0 && s <= 1000
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
