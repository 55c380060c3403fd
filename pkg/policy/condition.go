package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/tiers"
)

// ConditionEvaluator evaluates the structured condition tree. Every
// condition is total: unresolved paths make ordered comparisons false, and
// exists/not_exists answer path presence directly.
type ConditionEvaluator struct {
	logger *slog.Logger
}

// NewConditionEvaluator creates an evaluator. A nil logger means
// slog.Default().
func NewConditionEvaluator(logger *slog.Logger) *ConditionEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConditionEvaluator{logger: logger}
}

// Evaluate runs a condition against the evaluation context.
func (e *ConditionEvaluator) Evaluate(cond contracts.Condition, ctx *EvaluationContext) bool {
	return e.evaluate(cond, ctx, ctx.AsMap())
}

func (e *ConditionEvaluator) evaluate(cond contracts.Condition, ctx *EvaluationContext, ctxMap map[string]interface{}) bool {
	switch cond.Type {
	case contracts.ConditionField:
		return e.evalField(cond, ctxMap)
	case contracts.ConditionCompound:
		return e.evalCompound(cond, ctx, ctxMap)
	case contracts.ConditionTrust:
		return e.evalTrust(cond, ctx)
	case contracts.ConditionTime:
		return e.evalTime(cond, ctx)
	default:
		e.logger.Warn("unknown condition type", "type", string(cond.Type))
		return false
	}
}

func (e *ConditionEvaluator) evalCompound(cond contracts.Condition, ctx *EvaluationContext, ctxMap map[string]interface{}) bool {
	switch strings.ToLower(cond.Operator) {
	case "and":
		for _, nested := range cond.Conditions {
			if !e.evaluate(nested, ctx, ctxMap) {
				return false
			}
		}
		return true
	case "or":
		for _, nested := range cond.Conditions {
			if e.evaluate(nested, ctx, ctxMap) {
				return true
			}
		}
		return false
	case "not":
		if len(cond.Conditions) == 0 {
			return false
		}
		return !e.evaluate(cond.Conditions[0], ctx, ctxMap)
	default:
		e.logger.Warn("unknown compound operator", "operator", cond.Operator)
		return false
	}
}

func (e *ConditionEvaluator) evalField(cond contracts.Condition, ctxMap map[string]interface{}) bool {
	value, present := lookupPath(cond.Field, ctxMap)

	switch cond.Operator {
	case contracts.OpExists:
		return present && value != nil
	case contracts.OpNotExists:
		return !present || value == nil
	}

	switch cond.Operator {
	case contracts.OpEquals:
		return looseEquals(value, cond.Value)
	case contracts.OpNotEquals:
		return !looseEquals(value, cond.Value)
	case contracts.OpGreaterThan, contracts.OpLessThan,
		contracts.OpGreaterThanOrEqual, contracts.OpLessThanOrEqual:
		if !present || value == nil || cond.Value == nil {
			return false
		}
		return orderedCompare(cond.Operator, value, cond.Value)
	case contracts.OpIn:
		return valueIn(value, cond.Value)
	case contracts.OpNotIn:
		return !valueIn(value, cond.Value)
	case contracts.OpContains:
		return containsValue(value, cond.Value)
	case contracts.OpNotContains:
		return !containsValue(value, cond.Value)
	case contracts.OpStartsWith:
		return present && strings.HasPrefix(stringify(value), stringify(cond.Value))
	case contracts.OpEndsWith:
		return present && strings.HasSuffix(stringify(value), stringify(cond.Value))
	case contracts.OpMatches:
		if !present || value == nil {
			return false
		}
		re, err := regexp.Compile(stringify(cond.Value))
		if err != nil {
			e.logger.Warn("invalid regex in policy condition",
				"field", cond.Field, "pattern", stringify(cond.Value), "error", err)
			return false
		}
		return re.MatchString(stringify(value))
	default:
		e.logger.Warn("unknown field operator", "operator", cond.Operator)
		return false
	}
}

func (e *ConditionEvaluator) evalTrust(cond contracts.Condition, ctx *EvaluationContext) bool {
	current, err := tiers.ParseBandAlias(ctx.Entity.TrustBand)
	if err != nil {
		e.logger.Warn("unparseable trust band in context", "band", ctx.Entity.TrustBand)
		return false
	}
	target, err := tiers.ParseBandAlias(cond.Band)
	if err != nil {
		e.logger.Warn("unparseable trust band in condition", "band", cond.Band)
		return false
	}

	switch cond.Operator {
	case contracts.OpEquals:
		return current == target
	case contracts.OpNotEquals:
		return current != target
	case contracts.OpGreaterThan:
		return current > target
	case contracts.OpLessThan:
		return current < target
	case contracts.OpGreaterThanOrEqual:
		return current >= target
	case contracts.OpLessThanOrEqual:
		return current <= target
	default:
		return false
	}
}

// timeLocation resolves the evaluation timezone: condition timezone first,
// then the context timezone, then UTC.
func (e *ConditionEvaluator) timeLocation(cond contracts.Condition, ctx *EvaluationContext) *time.Location {
	for _, name := range []string{cond.Timezone, ctx.Environment.Timezone} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
		e.logger.Warn("unknown timezone, falling back", "timezone", name)
	}
	return time.UTC
}

func (e *ConditionEvaluator) evalTime(cond contracts.Condition, ctx *EvaluationContext) bool {
	ts := ctx.Environment.Timestamp
	if ts.IsZero() {
		return false
	}
	local := ts.In(e.timeLocation(cond, ctx))

	var materialized interface{}
	switch cond.Field {
	case "hour":
		materialized = local.Hour()
	case "dayOfWeek", "day_of_week":
		materialized = int(local.Weekday()) // 0=Sunday .. 6=Saturday
	case "date":
		materialized = local.Format("2006-01-02")
	default:
		e.logger.Warn("unknown time field", "field", cond.Field)
		return false
	}

	switch cond.Operator {
	case contracts.OpEquals:
		return looseEquals(materialized, cond.Value)
	case contracts.OpNotEquals:
		return !looseEquals(materialized, cond.Value)
	case contracts.OpGreaterThan, contracts.OpLessThan,
		contracts.OpGreaterThanOrEqual, contracts.OpLessThanOrEqual:
		return orderedCompare(cond.Operator, materialized, cond.Value)
	case contracts.OpIn:
		return valueIn(materialized, cond.Value)
	case contracts.OpNotIn:
		return !valueIn(materialized, cond.Value)
	default:
		return false
	}
}

// lookupPath walks a dotted path through nested maps, reporting presence.
func lookupPath(path string, ctx map[string]interface{}) (interface{}, bool) {
	var current interface{} = ctx
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEquals mirrors the DSL coercion rules: numeric when either side is a
// number and both parse, null equals only null, string compare otherwise.
func looseEquals(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aNum := toNumber(a)
	bn, bNum := toNumber(b)
	if (isNumeric(a) || isNumeric(b)) && aNum && bNum {
		return an == bn
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return stringify(a) == stringify(b)
}

func orderedCompare(op string, a, b interface{}) bool {
	if a == nil || b == nil {
		return false
	}
	an, aNum := toNumber(a)
	bn, bNum := toNumber(b)
	if (isNumeric(a) || isNumeric(b)) && aNum && bNum {
		switch op {
		case contracts.OpGreaterThan:
			return an > bn
		case contracts.OpLessThan:
			return an < bn
		case contracts.OpGreaterThanOrEqual:
			return an >= bn
		case contracts.OpLessThanOrEqual:
			return an <= bn
		}
		return false
	}

	as, bs := stringify(a), stringify(b)
	switch op {
	case contracts.OpGreaterThan:
		return as > bs
	case contracts.OpLessThan:
		return as < bs
	case contracts.OpGreaterThanOrEqual:
		return as >= bs
	case contracts.OpLessThanOrEqual:
		return as <= bs
	}
	return false
}

func valueIn(needle, haystack interface{}) bool {
	arr, ok := haystack.([]interface{})
	if !ok {
		return false
	}
	for _, elem := range arr {
		if looseEquals(needle, elem) {
			return true
		}
	}
	return false
}

// containsValue: arrays contain an equal element; strings contain a
// substring.
func containsValue(value, needle interface{}) bool {
	switch t := value.(type) {
	case []interface{}:
		for _, elem := range t {
			if looseEquals(elem, needle) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(t, stringify(needle))
	default:
		return false
	}
}

func isNumeric(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
