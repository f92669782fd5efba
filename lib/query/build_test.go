package query

import (
	"reflect"
	"testing"

	"github.com/ValentinKolb/deposit/lib/schema"
)

func TestBuildEqualsChain(t *testing.T) {
	teamA := func(r schema.Record) bool { return r["team"] == "a" }

	tests := []struct {
		name  string
		conds []Condition
		chain func(b *Builder) *Builder
	}{
		{
			name:  "Filters",
			conds: []Condition{{Type: "equals", Field: "age", Value: 17}, {Type: "startsWith", Field: "name", Prefix: "d", IgnoreCase: true}},
			chain: func(b *Builder) *Builder { return b.Equals("age", 17).StartsWith("name", "d", true) },
		},
		{
			name:  "OrderAndPage",
			conds: []Condition{{Type: "orderBy", Field: "name", Direction: Desc}, {Type: "page", Page: 2, Size: 2}},
			chain: func(b *Builder) *Builder { return b.OrderBy("name", Desc).Page(2, 2) },
		},
		{
			name:  "Slicing",
			conds: []Condition{{Type: "reverse"}, {Type: "offset", N: 1}, {Type: "limit", N: -1}},
			chain: func(b *Builder) *Builder { return b.Reverse().Offset(1).Limit(-1) },
		},
		{
			name:  "Between",
			conds: []Condition{{Type: "between", Field: "age", Lower: 17, Upper: 40}},
			chain: func(b *Builder) *Builder { return b.Between("age", 17, 40) },
		},
		{
			name:  "Logic",
			conds: []Condition{{Type: "not", Match: teamA}, {Type: "or", Conditions: []Condition{{Type: "equals", Field: "id", Value: 2}, {Type: "equals", Field: "id", Value: 4}}}},
			chain: func(b *Builder) *Builder {
				return b.Not(teamA).Or(equalsPredicate("id", 2), equalsPredicate("id", 4))
			},
		},
		{
			name:  "GroupBy",
			conds: []Condition{{Type: "search", Query: "e"}, {Type: "groupBy", Field: "team"}},
			chain: func(b *Builder) *Builder { return b.Search("e", false).GroupBy("team") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			built, err := New(users(), "users").Build(tt.conds)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			chained := tt.chain(New(users(), "users"))
			if built.sig != chained.sig {
				t.Errorf("signature %q, want %q", built.sig, chained.sig)
			}
			if got, want := mustArray(t, built), mustArray(t, chained); !reflect.DeepEqual(got, want) {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

func TestBuildExpr(t *testing.T) {
	b, err := New(users(), "users").Build([]Condition{{Type: "expr", Expr: `team == "a" && age > 40`}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := ids(mustArray(t, b)); !reflect.DeepEqual(got, []any{3.0}) {
		t.Errorf("got %v", got)
	}

	// a nested expression inside and
	b, err = New(users(), "users").Build([]Condition{{Type: "and", Conditions: []Condition{
		{Type: "expr", Expr: `age == 17`},
		{Type: "equals", Field: "team", Value: "b"},
	}}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := ids(mustArray(t, b)); !reflect.DeepEqual(got, []any{2.0}) {
		t.Errorf("got %v", got)
	}
}

func TestBuildInvalidLeavesPipelineUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		conds []Condition
	}{
		{"UnknownType", []Condition{{Type: "equals", Field: "id", Value: 1}, {Type: "shuffle"}}},
		{"BadExpr", []Condition{{Type: "limit", N: 1}, {Type: "expr", Expr: "age >="}}},
		{"EmptyExpr", []Condition{{Type: "expr"}}},
		{"BadBounds", []Condition{{Type: "between", Field: "age", Lower: "x", Upper: 3}}},
		{"BadDirection", []Condition{{Type: "orderBy", Field: "age", Direction: "sideways"}}},
		{"WhereWithoutPredicate", []Condition{{Type: "where", Field: "age"}}},
		{"NotWithoutOperand", []Condition{{Type: "not"}}},
		{"NonPredicateOperand", []Condition{{Type: "or", Conditions: []Condition{{Type: "limit", N: 2}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(users(), "users").Equals("team", "b")
			sig := b.sig
			if _, err := b.Build(tt.conds); err == nil {
				t.Fatal("expected an error")
			}
			if b.sig != sig || len(b.ops) != 1 {
				t.Errorf("pipeline changed to %q", b.sig)
			}
		})
	}
}

func TestCompileExprUndefinedField(t *testing.T) {
	pred, err := CompileExpr(`missing == nil`)
	if err != nil {
		t.Fatalf("CompileExpr failed: %v", err)
	}
	if !pred(schema.Record{"id": 1.0}) {
		t.Error("an unknown field should evaluate to nil")
	}
}
