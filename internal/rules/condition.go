package rules

import (
	"errors"
	"fmt"
	"strings"

	"ontoflow/internal/domain"
)

// Condition evaluation errors. Malformed trees fail loudly instead of
// silently evaluating to false.
var (
	ErrMalformedCondition = errors.New("malformed condition expression")
	ErrEmptyLogical       = errors.New("logical node requires at least one expression")
)

// Evaluate walks a condition tree against a document and returns the boolean
// outcome. The tree is pure data: a node is either logical (Operator plus
// Expressions) or a comparison leaf (Path plus Comparison), never both.
func Evaluate(cond *domain.ConditionExpression, doc domain.Metadata) (bool, error) {
	if cond == nil {
		return false, ErrMalformedCondition
	}
	logical := cond.Operator != ""
	leaf := cond.Comparison != ""
	switch {
	case logical && leaf, !logical && !leaf:
		return false, ErrMalformedCondition
	case logical:
		return evalLogical(cond, doc)
	default:
		return evalComparison(cond, doc)
	}
}

func evalLogical(cond *domain.ConditionExpression, doc domain.Metadata) (bool, error) {
	if len(cond.Expressions) == 0 {
		return false, fmt.Errorf("%w: %s", ErrEmptyLogical, cond.Operator)
	}
	switch cond.Operator {
	case "AND":
		for _, e := range cond.Expressions {
			ok, err := Evaluate(e, doc)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case "OR":
		for _, e := range cond.Expressions {
			ok, err := Evaluate(e, doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case "NOT":
		if len(cond.Expressions) != 1 {
			return false, fmt.Errorf("%w: NOT takes exactly one expression, got %d", ErrMalformedCondition, len(cond.Expressions))
		}
		ok, err := Evaluate(cond.Expressions[0], doc)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrMalformedCondition, cond.Operator)
	}
}

func evalComparison(cond *domain.ConditionExpression, doc domain.Metadata) (bool, error) {
	if cond.Path == "" {
		return false, fmt.Errorf("%w: comparison without path", ErrMalformedCondition)
	}
	val, present := resolvePath(doc, cond.Path)
	switch cond.Comparison {
	case "EQUALS":
		return present && looseEqual(val, cond.Value), nil
	case "NOT_EQUALS":
		return present && !looseEqual(val, cond.Value), nil
	case "GREATER_THAN":
		a, aok := toFloat(val)
		b, bok := toFloat(cond.Value)
		return present && aok && bok && a > b, nil
	case "LESS_THAN":
		a, aok := toFloat(val)
		b, bok := toFloat(cond.Value)
		return present && aok && bok && a < b, nil
	case "CONTAINS":
		return present && contains(val, cond.Value), nil
	case "EXISTS":
		exists := present && val != nil
		if want, ok := cond.Value.(bool); ok {
			return exists == want, nil
		}
		return exists, nil
	default:
		return false, fmt.Errorf("%w: unknown comparison %q", ErrMalformedCondition, cond.Comparison)
	}
}

// resolvePath follows a dot-separated path through nested maps. The second
// return is false when any segment is missing or a non-map is traversed into.
func resolvePath(doc domain.Metadata, path string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares with numeric normalization so 2 == 2.0 regardless of
// how JSON decoding typed the operands.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// contains handles the two shapes CONTAINS supports: substring on strings
// and membership on arrays.
func contains(val, want any) bool {
	switch v := val.(type) {
	case string:
		s, ok := want.(string)
		return ok && strings.Contains(v, s)
	case []any:
		for _, e := range v {
			if looseEqual(e, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
