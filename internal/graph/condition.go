package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// EvaluateCondition evaluates a sequence-flow condition expression against
// instance variables. The grammar is a single comparison:
//
//	<variable> <op> <literal>      op: == != > >= < <=
//	<variable>                     truthiness of the variable
//	true | false
//
// Literals are numbers, single- or double-quoted strings, true/false and
// null. Variables come from JSON, so numbers compare as float64. An unknown
// variable evaluates comparisons as non-matching rather than erroring, which
// lets a default flow pick up the token.
func EvaluateCondition(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(expr[:idx])
		right := strings.TrimSpace(expr[idx+len(op):])
		if left == "" || right == "" {
			return false, fmt.Errorf("malformed condition %q", expr)
		}
		lv, lok := resolveOperand(left, vars)
		rv, rok := resolveOperand(right, vars)
		if !lok || !rok {
			return false, nil
		}
		return compare(lv, rv, op)
	}

	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	v, ok := vars[expr]
	if !ok {
		return false, nil
	}
	return truthy(v), nil
}

// resolveOperand interprets a token as a literal first, then as a variable
// reference. The second return reports whether the operand resolved.
func resolveOperand(token string, vars map[string]any) (any, bool) {
	if len(token) >= 2 {
		if (token[0] == '"' && token[len(token)-1] == '"') || (token[0] == '\'' && token[len(token)-1] == '\'') {
			return token[1 : len(token)-1], true
		}
	}
	switch token {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null":
		return nil, true
	}
	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return n, true
	}
	v, ok := vars[token]
	return v, ok
}

func compare(left, right any, op string) (bool, error) {
	ln, lIsNum := asNumber(left)
	rn, rIsNum := asNumber(right)
	if lIsNum && rIsNum {
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		}
	}

	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}

	ls, lIsStr := left.(string)
	rs, rIsStr := right.(string)
	if lIsStr && rIsStr {
		switch op {
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}
	return false, fmt.Errorf("cannot order %T against %T", left, right)
}

// equal must handle object- and array-valued variables; the == operator on
// any panics for uncomparable types.
func equal(left, right any) bool {
	return reflect.DeepEqual(left, right)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}
