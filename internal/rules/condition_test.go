package rules_test

import (
	"errors"
	"testing"

	"ontoflow/internal/domain"
	"ontoflow/internal/rules"
)

func leaf(path, comparison string, value any) *domain.ConditionExpression {
	return &domain.ConditionExpression{Path: path, Comparison: comparison, Value: value}
}

func doc() domain.Metadata {
	return domain.Metadata{
		"id":      "server-1",
		"type_id": "server",
		"attributes": map[string]any{
			"status":    "active",
			"cpu_usage": float64(95),
			"tags":      []any{"prod", "eu-west"},
			"owner":     map[string]any{"team": "platform"},
		},
	}
}

func TestComparisons(t *testing.T) {
	cases := []struct {
		name string
		cond *domain.ConditionExpression
		want bool
	}{
		{"equals match", leaf("attributes.status", "EQUALS", "active"), true},
		{"equals miss", leaf("attributes.status", "EQUALS", "retired"), false},
		{"equals numeric normalization", leaf("attributes.cpu_usage", "EQUALS", 95), true},
		{"not equals", leaf("attributes.status", "NOT_EQUALS", "retired"), true},
		{"greater than", leaf("attributes.cpu_usage", "GREATER_THAN", 90), true},
		{"greater than false at boundary", leaf("attributes.cpu_usage", "GREATER_THAN", 95), false},
		{"less than", leaf("attributes.cpu_usage", "LESS_THAN", 99), true},
		{"greater than non-numeric", leaf("attributes.status", "GREATER_THAN", 1), false},
		{"contains substring", leaf("attributes.status", "CONTAINS", "act"), true},
		{"contains array member", leaf("attributes.tags", "CONTAINS", "prod"), true},
		{"contains array miss", leaf("attributes.tags", "CONTAINS", "us-east"), false},
		{"exists", leaf("attributes.owner.team", "EXISTS", nil), true},
		{"exists missing path", leaf("attributes.owner.name", "EXISTS", nil), false},
		{"exists negated", leaf("attributes.owner.name", "EXISTS", false), true},
		{"nested path", leaf("attributes.owner.team", "EQUALS", "platform"), true},
		{"missing path equals", leaf("attributes.missing", "EQUALS", "x"), false},
		{"missing path not equals", leaf("attributes.missing", "NOT_EQUALS", "x"), false},
		{"traverse into scalar", leaf("attributes.status.deep", "EQUALS", "x"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := rules.Evaluate(tc.cond, doc())
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLogicalOperators(t *testing.T) {
	active := leaf("attributes.status", "EQUALS", "active")
	hot := leaf("attributes.cpu_usage", "GREATER_THAN", 90)
	cold := leaf("attributes.cpu_usage", "LESS_THAN", 10)

	and := &domain.ConditionExpression{Operator: "AND", Expressions: []*domain.ConditionExpression{active, hot}}
	if got, err := rules.Evaluate(and, doc()); err != nil || !got {
		t.Fatalf("AND(active, hot) = %v, %v; want true", got, err)
	}
	or := &domain.ConditionExpression{Operator: "OR", Expressions: []*domain.ConditionExpression{cold, hot}}
	if got, err := rules.Evaluate(or, doc()); err != nil || !got {
		t.Fatalf("OR(cold, hot) = %v, %v; want true", got, err)
	}
	not := &domain.ConditionExpression{Operator: "NOT", Expressions: []*domain.ConditionExpression{cold}}
	if got, err := rules.Evaluate(not, doc()); err != nil || !got {
		t.Fatalf("NOT(cold) = %v, %v; want true", got, err)
	}
	nested := &domain.ConditionExpression{Operator: "AND", Expressions: []*domain.ConditionExpression{
		active,
		{Operator: "NOT", Expressions: []*domain.ConditionExpression{cold}},
	}}
	if got, err := rules.Evaluate(nested, doc()); err != nil || !got {
		t.Fatalf("nested = %v, %v; want true", got, err)
	}
}

func TestMalformedConditions(t *testing.T) {
	cases := []struct {
		name string
		cond *domain.ConditionExpression
	}{
		{"nil", nil},
		{"empty node", &domain.ConditionExpression{}},
		{"both logical and leaf", &domain.ConditionExpression{
			Operator:   "AND",
			Comparison: "EQUALS",
			Path:       "attributes.status",
			Expressions: []*domain.ConditionExpression{
				leaf("attributes.status", "EQUALS", "active"),
			},
		}},
		{"empty logical", &domain.ConditionExpression{Operator: "AND"}},
		{"not with two children", &domain.ConditionExpression{Operator: "NOT", Expressions: []*domain.ConditionExpression{
			leaf("attributes.status", "EQUALS", "a"),
			leaf("attributes.status", "EQUALS", "b"),
		}}},
		{"unknown operator", &domain.ConditionExpression{Operator: "XOR", Expressions: []*domain.ConditionExpression{
			leaf("attributes.status", "EQUALS", "a"),
		}}},
		{"unknown comparison", leaf("attributes.status", "MATCHES", "a")},
		{"comparison without path", &domain.ConditionExpression{Comparison: "EQUALS", Value: "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := rules.Evaluate(tc.cond, doc()); err == nil {
				t.Fatal("expected error")
			} else if !errors.Is(err, rules.ErrMalformedCondition) && !errors.Is(err, rules.ErrEmptyLogical) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
