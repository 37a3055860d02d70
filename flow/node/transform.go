package node

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/canalhq/canal/flow/expression"
)

// Set writes named values into the payload. With keepOnlySet the output
// contains only the assigned values; otherwise assignments overlay a copy
// of the input.
type Set struct{}

func (*Set) Definition() Definition {
	return Definition{
		Key:      KeySet,
		Name:     "Set",
		Category: CategoryData,
		Outputs:  mainOutputs(),
		Params: []ParamSpec{
			{Name: "values", Label: "Values", Type: ParamCollection, Required: true},
			{Name: "keepOnlySet", Label: "Keep Only Set", Type: ParamBoolean, Default: false},
		},
	}
}

func (*Set) Execute(ctx context.Context, p Params, rc *RunContext) Result {
	out := map[string]any{}
	if !p.Bool("keepOnlySet") {
		if in, ok := rc.Input.(map[string]any); ok {
			for k, v := range in {
				out[k] = v
			}
		}
	}
	for i, e := range p.Slice("values") {
		m, ok := e.(map[string]any)
		if !ok {
			return Fail(ValidationKind, "values[%d] must be an object with name and value", i)
		}
		name := strings.TrimSpace(expression.ToString(m["name"]))
		if name == "" {
			return Fail(ValidationKind, "values[%d] is missing a name", i)
		}
		out[name] = m["value"]
	}
	return Success(out)
}

// Code evaluates a script in the expression sandbox; its result becomes
// the node output.
type Code struct{}

func (*Code) Definition() Definition {
	return Definition{
		Key:      KeyCode,
		Name:     "Code",
		Category: CategoryAction,
		Outputs:  mainOutputs(),
		Params: []ParamSpec{
			{Name: "code", Label: "Code", Type: ParamCode, Required: true},
		},
	}
}

func (*Code) Execute(ctx context.Context, p Params, rc *RunContext) Result {
	src := p.String("code")
	if strings.TrimSpace(src) == "" {
		return Fail(ValidationKind, "code is required")
	}
	v, err := rc.Eval(ctx, src)
	if err != nil {
		return Result{Err: evalError("running script", err, ExecutionKind)}
	}
	return Success(v)
}

// Function applies an expression across an array: map, filter, reduce or
// sort. The expression sees each element as $item (also $json) with its
// position as $index; reduce additionally sees $accumulator.
type Function struct{}

func (*Function) Definition() Definition {
	return Definition{
		Key:      KeyFunction,
		Name:     "Function",
		Category: CategoryData,
		Outputs:  mainOutputs(),
		Params: []ParamSpec{
			{
				Name: "operation", Label: "Operation", Type: ParamSelect, Required: true,
				Options: []string{"map", "filter", "reduce", "sort"},
			},
			{Name: "expression", Label: "Expression", Type: ParamCode, Required: true},
			{Name: "items", Label: "Items", Type: ParamArray},
			{
				Name: "sortOrder", Label: "Sort Order", Type: ParamSelect,
				Options: []string{"asc", "desc"}, Default: "asc",
				VisibleWhen: &Condition{Param: "operation", In: []any{"sort"}},
			},
		},
	}
}

func (f *Function) Execute(ctx context.Context, p Params, rc *RunContext) Result {
	src := p.String("expression")
	if strings.TrimSpace(src) == "" {
		return Fail(ValidationKind, "expression is required")
	}
	items, res := f.items(p, rc)
	if res != nil {
		return *res
	}

	eval := func(i int, ec *expression.Context) (any, *Error) {
		if ctx.Err() != nil {
			return nil, Errorf(CanceledKind, "canceled while processing items")
		}
		v, err := rc.Evaluator.Evaluate(ctx, src, ec)
		if err != nil {
			return nil, evalError(fmt.Sprintf("applying expression to item %d", i), err, EvaluationKind)
		}
		return v, nil
	}

	switch strings.ToLower(p.String("operation")) {
	case "map":
		out := make([]any, len(items))
		for i, it := range items {
			v, nerr := eval(i, rc.Expr.WithItem(it, i))
			if nerr != nil {
				return Result{Err: nerr}
			}
			out[i] = v
		}
		return Success(out)

	case "filter":
		out := make([]any, 0, len(items))
		for i, it := range items {
			v, nerr := eval(i, rc.Expr.WithItem(it, i))
			if nerr != nil {
				return Result{Err: nerr}
			}
			if expression.Truthy(v) {
				out = append(out, it)
			}
		}
		return Success(out)

	case "reduce":
		acc := p.Raw("initial")
		for i, it := range items {
			v, nerr := eval(i, rc.Expr.WithItem(it, i).WithAccumulator(acc))
			if nerr != nil {
				return Result{Err: nerr}
			}
			acc = v
		}
		return Success(acc)

	case "sort":
		keys := make([]any, len(items))
		for i, it := range items {
			v, nerr := eval(i, rc.Expr.WithItem(it, i))
			if nerr != nil {
				return Result{Err: nerr}
			}
			keys[i] = v
		}
		idx := make([]int, len(items))
		for i := range idx {
			idx[i] = i
		}
		desc := strings.EqualFold(p.StringOr("sortOrder", "asc"), "desc")
		sort.SliceStable(idx, func(a, b int) bool {
			c := compareValues(keys[idx[a]], keys[idx[b]])
			if desc {
				return c > 0
			}
			return c < 0
		})
		out := make([]any, len(items))
		for i, j := range idx {
			out[i] = items[j]
		}
		return Success(out)
	}
	return Fail(ValidationKind, "unknown operation %q", p.String("operation"))
}

func (*Function) items(p Params, rc *RunContext) ([]any, *Result) {
	if p.Has("items") {
		items, ok := p.Raw("items").([]any)
		if !ok {
			res := Fail(ExecutionKind, "items must resolve to an array")
			return nil, &res
		}
		return items, nil
	}
	items, ok := rc.Input.([]any)
	if !ok {
		res := Fail(ExecutionKind, "function requires an array input")
		return nil, &res
	}
	return items, nil
}

// compareValues orders two sort keys: numerically when both coerce to
// numbers, by string form otherwise.
func compareValues(a, b any) int {
	fa, ea := expression.ToNumber(a)
	fb, eb := expression.ToNumber(b)
	if ea == nil && eb == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(expression.ToString(a), expression.ToString(b))
}
