package query

import (
	"fmt"

	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Condition is a declarative description of one pipeline operation.
// Type selects the operation, the remaining fields are its arguments.
//
// Function valued arguments (Pred, Match) can not be expressed in JSON, use Expr instead.
type Condition struct {
	Type       string         `json:"type"`
	Field      string         `json:"field,omitempty"`
	Value      any            `json:"value,omitempty"`
	Lower      any            `json:"lower,omitempty"`
	Upper      any            `json:"upper,omitempty"`
	Prefix     string         `json:"prefix,omitempty"`
	IgnoreCase bool           `json:"ignoreCase,omitempty"`
	Direction  Direction      `json:"direction,omitempty"`
	N          int            `json:"n,omitempty"`
	Page       int            `json:"page,omitempty"`
	Size       int            `json:"size,omitempty"`
	Query      string         `json:"query,omitempty"`
	Tone       bool           `json:"tone,omitempty"`
	Expr       string         `json:"expr,omitempty"`
	Conditions []Condition    `json:"conditions,omitempty"` // operands of and, or and not
	Pred       ValuePredicate `json:"-"`                    // where
	Match      Predicate      `json:"-"`                    // filter, not
}

// Build appends the operations described by conditions. If any condition is invalid
// an error is returned and the pipeline is left unchanged.
func (b *Builder) Build(conditions []Condition) (*Builder, error) {
	steps := make([]func(), 0, len(conditions))
	for i, c := range conditions {
		step, err := b.compile(c)
		if err != nil {
			return b, fmt.Errorf("condition %d (%s): %w", i, c.Type, err)
		}
		steps = append(steps, step)
	}
	for _, step := range steps {
		step()
	}
	return b, nil
}

// compile validates c and returns the call that appends it
func (b *Builder) compile(c Condition) (func(), error) {
	switch c.Type {
	case "where":
		if c.Pred == nil {
			return nil, fmt.Errorf("missing predicate")
		}
		return func() { b.Where(c.Field, c.Pred) }, nil
	case "equals":
		return func() { b.Equals(c.Field, c.Value) }, nil
	case "between":
		if _, err := betweenPredicate(c.Field, c.Lower, c.Upper); err != nil {
			return nil, err
		}
		return func() { b.Between(c.Field, c.Lower, c.Upper) }, nil
	case "startsWith":
		return func() { b.StartsWith(c.Field, c.Prefix, c.IgnoreCase) }, nil
	case "filter":
		if c.Match == nil {
			return nil, fmt.Errorf("missing predicate")
		}
		return func() { b.Filter(c.Match) }, nil
	case "expr":
		pred, err := CompileExpr(c.Expr)
		if err != nil {
			return nil, err
		}
		return func() { b.add(exprOperation(c.Expr, pred)) }, nil
	case "not":
		pred, err := notPredicate(c)
		if err != nil {
			return nil, err
		}
		return func() { b.Not(pred) }, nil
	case "and", "or":
		preds, err := predicates(c.Conditions)
		if err != nil {
			return nil, err
		}
		if c.Type == "and" {
			return func() { b.And(preds...) }, nil
		}
		return func() { b.Or(preds...) }, nil
	case "orderBy":
		dir, err := ParseDirection(string(c.Direction))
		if err != nil {
			return nil, err
		}
		return func() { b.OrderBy(c.Field, dir) }, nil
	case "limit":
		return func() { b.Limit(c.N) }, nil
	case "offset":
		return func() { b.Offset(c.N) }, nil
	case "page":
		return func() { b.Page(c.Page, c.Size) }, nil
	case "reverse":
		return func() { b.Reverse() }, nil
	case "groupBy":
		return func() { b.GroupBy(c.Field) }, nil
	case "search":
		return func() { b.Search(c.Query, c.Tone) }, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", c.Type)
	}
}

// predicate turns a filtering condition into a record predicate
func predicate(c Condition) (Predicate, error) {
	switch c.Type {
	case "where":
		if c.Pred == nil {
			return nil, fmt.Errorf("where: missing predicate")
		}
		return func(r schema.Record) bool { return c.Pred(r[c.Field]) }, nil
	case "equals":
		return equalsPredicate(c.Field, c.Value), nil
	case "between":
		return betweenPredicate(c.Field, c.Lower, c.Upper)
	case "startsWith":
		return startsWithPredicate(c.Field, c.Prefix, c.IgnoreCase), nil
	case "filter":
		if c.Match == nil {
			return nil, fmt.Errorf("filter: missing predicate")
		}
		return c.Match, nil
	case "expr":
		return CompileExpr(c.Expr)
	case "not":
		pred, err := notPredicate(c)
		if err != nil {
			return nil, err
		}
		return func(r schema.Record) bool { return !pred(r) }, nil
	case "and":
		preds, err := predicates(c.Conditions)
		if err != nil {
			return nil, err
		}
		return allOf(preds), nil
	case "or":
		preds, err := predicates(c.Conditions)
		if err != nil {
			return nil, err
		}
		return anyOf(preds), nil
	default:
		return nil, fmt.Errorf("condition type %q is not a predicate", c.Type)
	}
}

func predicates(conds []Condition) ([]Predicate, error) {
	preds := make([]Predicate, len(conds))
	for i, c := range conds {
		p, err := predicate(c)
		if err != nil {
			return nil, err
		}
		preds[i] = p
	}
	return preds, nil
}

// notPredicate returns the predicate a "not" negates: Match, or its single operand
func notPredicate(c Condition) (Predicate, error) {
	if c.Match != nil {
		return c.Match, nil
	}
	if len(c.Conditions) != 1 {
		return nil, fmt.Errorf("not needs a predicate or exactly one operand, got %d", len(c.Conditions))
	}
	return predicate(c.Conditions[0])
}

// --------------------------------------------------------------------------
// Expressions
// --------------------------------------------------------------------------

// CompileExpr compiles a boolean expression evaluated with the record as environment,
// e.g. `age >= 18 && name startsWith "A"`. Unknown fields evaluate to nil.
// Evaluation errors count as a non-match.
func CompileExpr(code string) (Predicate, error) {
	if code == "" {
		return nil, fmt.Errorf("empty expression")
	}
	program, err := expr.Compile(code, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", code, err)
	}
	return exprPredicate(code, program), nil
}

func exprPredicate(code string, program *vm.Program) Predicate {
	return func(r schema.Record) bool {
		out, err := expr.Run(program, map[string]any(r))
		if err != nil {
			plog.Debugf("expression %q failed: %v", code, err)
			return false
		}
		match, _ := out.(bool)
		return match
	}
}

// Expr keeps records matching a compiled expression, see CompileExpr
func (b *Builder) Expr(code string) (*Builder, error) {
	pred, err := CompileExpr(code)
	if err != nil {
		return b, err
	}
	return b.add(exprOperation(code, pred)), nil
}

func exprOperation(code string, pred Predicate) operation {
	return operation{name: "expr", sig: signature("expr", code), fn: filter(pred)}
}
