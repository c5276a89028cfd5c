package validate

import (
	"encoding/json"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/model"
)

// Rule is a business rule evaluated against every SKU item. Expression is a
// CEL expression over `item` (the item's JSON form) and `floor` (the
// configured minimum unit price) that is true when the item violates the
// rule.
type Rule struct {
	Code       string
	Field      string
	Message    string
	Expression string
}

// DefaultRules are always evaluated.
var DefaultRules = []Rule{
	{
		Code:       "negative_quantity",
		Field:      "quantity_ordered",
		Message:    "quantity ordered is negative",
		Expression: `has(item.quantity_ordered) && item.quantity_ordered < 0.0`,
	},
	{
		Code:       "price_below_floor",
		Field:      "unit_price",
		Message:    "unit price is below the minimum allowed price",
		Expression: `has(item.unit_price) && item.unit_price < floor`,
	},
}

// Rules holds compiled business rule programs.
type Rules struct {
	env   *cel.Env
	floor float64
	rules []Rule

	mu    sync.RWMutex
	progs map[string]cel.Program
}

// NewRules compiles rules against the item environment. A rule that does
// not compile or does not yield a bool is a configuration error.
func NewRules(floor float64, rules []Rule) (*Rules, error) {
	env, err := cel.NewEnv(
		cel.Variable("item", cel.DynType),
		cel.Variable("floor", cel.DoubleType),
	)
	if err != nil {
		return nil, eris.Wrap(err, "validate: create cel env")
	}
	r := &Rules{env: env, floor: floor, rules: rules, progs: make(map[string]cel.Program, len(rules))}
	for _, rule := range rules {
		if _, err := r.program(rule.Expression); err != nil {
			return nil, eris.Wrapf(err, "validate: rule %s", rule.Code)
		}
	}
	return r, nil
}

func (r *Rules) program(expr string) (cel.Program, error) {
	r.mu.RLock()
	prg, ok := r.progs[expr]
	r.mu.RUnlock()
	if ok {
		return prg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prg, ok = r.progs[expr]; ok {
		return prg, nil
	}
	ast, iss := r.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, eris.Wrap(iss.Err(), "compile")
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, eris.Errorf("expression yields %s, want bool", ast.OutputType())
	}
	prg, err := r.env.Program(ast)
	if err != nil {
		return nil, eris.Wrap(err, "program")
	}
	r.progs[expr] = prg
	return prg, nil
}

// Check evaluates every rule against every item. Violations come back in
// item order, then rule order.
func (r *Rules) Check(items []model.SKUItem) ([]model.Issue, error) {
	var out []model.Issue
	for _, it := range items {
		doc, err := itemDoc(it)
		if err != nil {
			return nil, err
		}
		activation := map[string]any{"item": doc, "floor": r.floor}
		for _, rule := range r.rules {
			prg, err := r.program(rule.Expression)
			if err != nil {
				return nil, eris.Wrapf(err, "validate: rule %s", rule.Code)
			}
			val, _, err := prg.Eval(activation)
			if err != nil {
				// A rule referencing an absent field does not apply to the item.
				continue
			}
			violated, ok := val.Value().(bool)
			if !ok {
				return nil, eris.Errorf("validate: rule %s did not return bool", rule.Code)
			}
			if violated {
				out = append(out, model.Issue{
					Field:   itemPath(it, rule.Field),
					Code:    rule.Code,
					Message: rule.Message,
				})
			}
		}
	}
	return out, nil
}

func itemDoc(it model.SKUItem) (map[string]any, error) {
	b, err := json.Marshal(it)
	if err != nil {
		return nil, eris.Wrap(err, "validate: marshal item")
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, eris.Wrap(err, "validate: unmarshal item")
	}
	return doc, nil
}
