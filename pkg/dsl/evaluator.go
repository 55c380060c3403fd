package dsl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// EvaluatorError reports an unknown node kind. Unreachable when the AST
// came from Parse.
type EvaluatorError struct {
	Node *Node
}

func (e *EvaluatorError) Error() string {
	if e.Node == nil {
		return "evaluator error: nil node"
	}
	return fmt.Sprintf("evaluator error: unknown node kind %q", e.Node.Kind)
}

// Evaluate runs an AST against a nested context map and returns the
// truthiness of the result.
func Evaluate(node *Node, context map[string]interface{}) (bool, error) {
	v, err := eval(node, context)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func parseNumber(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func eval(node *Node, ctx map[string]interface{}) (interface{}, error) {
	if node == nil {
		return nil, &EvaluatorError{Node: nil}
	}

	switch node.Kind {
	case NodeLiteral:
		return node.Value, nil

	case NodeIdentifier:
		return resolvePath(node.Name, ctx), nil

	case NodeArray:
		elems := make([]interface{}, 0, len(node.Elems))
		for _, e := range node.Elems {
			v, err := eval(e, ctx)
			if err != nil {
				return nil, err
			}
			elems = append(elems, v)
		}
		return elems, nil

	case NodeNot:
		v, err := eval(node.Operand, ctx)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil

	case NodeBinary:
		return evalBinary(node, ctx)

	default:
		return nil, &EvaluatorError{Node: node}
	}
}

func evalBinary(node *Node, ctx map[string]interface{}) (interface{}, error) {
	// AND/OR short-circuit on the left operand's truthiness.
	switch node.Op {
	case "AND":
		left, err := eval(node.Left, ctx)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return false, nil
		}
		right, err := eval(node.Right, ctx)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil

	case "OR":
		left, err := eval(node.Left, ctx)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return true, nil
		}
		right, err := eval(node.Right, ctx)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := eval(node.Left, ctx)
	if err != nil {
		return nil, err
	}
	right, err := eval(node.Right, ctx)
	if err != nil {
		return nil, err
	}

	switch node.Op {
	case "==":
		return looseEquals(left, right), nil
	case "!=":
		return !looseEquals(left, right), nil
	case ">", "<", ">=", "<=":
		return orderedCompare(node.Op, left, right), nil
	case "IN":
		return evalIn(left, right), nil
	case "LIKE":
		return evalLike(left, right), nil
	default:
		return nil, &EvaluatorError{Node: node}
	}
}

// resolvePath walks a dotted path through nested maps. Any null or missing
// segment yields nil.
func resolvePath(path string, ctx map[string]interface{}) interface{} {
	var current interface{} = ctx
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}

// looseEquals applies the coercion rules: numeric when either side is a
// number and both parse; null equals only null; otherwise string compare.
func looseEquals(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, aIsNum := asNumber(a); aIsNum || isNumber(b) {
		bn, bOK := asNumber(b)
		if aIsNum && bOK {
			return an == bn
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return stringify(a) == stringify(b)
}

// orderedCompare is false whenever either side is null or not comparable.
func orderedCompare(op string, a, b interface{}) bool {
	if a == nil || b == nil {
		return false
	}

	an, aOK := asNumber(a)
	bn, bOK := asNumber(b)
	if (isNumber(a) || isNumber(b)) && aOK && bOK {
		switch op {
		case ">":
			return an > bn
		case "<":
			return an < bn
		case ">=":
			return an >= bn
		case "<=":
			return an <= bn
		}
	}

	as, bs := stringify(a), stringify(b)
	switch op {
	case ">":
		return as > bs
	case "<":
		return as < bs
	case ">=":
		return as >= bs
	case "<=":
		return as <= bs
	}
	return false
}

// evalIn matches on string equality, or numeric equality when both sides
// are numeric.
func evalIn(needle, haystack interface{}) bool {
	arr, ok := haystack.([]interface{})
	if !ok {
		return false
	}
	for _, elem := range arr {
		if needle == nil && elem == nil {
			return true
		}
		if needle == nil || elem == nil {
			continue
		}
		if nn, nOK := asNumber(needle); nOK {
			if en, eOK := asNumber(elem); eOK && isNumber(needle) && isNumber(elem) {
				if nn == en {
					return true
				}
				continue
			}
		}
		if stringify(needle) == stringify(elem) {
			return true
		}
	}
	return false
}

// evalLike matches SQL-style patterns: % = any run, _ = one character.
// Case-insensitive, anchored full-match.
func evalLike(value, pattern interface{}) bool {
	if value == nil || pattern == nil {
		return false
	}

	var sb strings.Builder
	sb.WriteString("(?i)^")
	for _, r := range stringify(pattern) {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(stringify(value))
}

// truthy: booleans as-is, non-zero numbers, non-empty strings and arrays;
// null and everything unresolvable is false.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	default:
		if n, ok := asNumber(v); ok {
			return n != 0
		}
		return true
	}
}

// isNumber reports whether v is a numeric type (not a numeric string).
func isNumber(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

// asNumber converts numeric types and parseable numeric strings to float64.
func asNumber(v interface{}) (float64, bool) {
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
