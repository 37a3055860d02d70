package node

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/canalhq/canal/flow/expression"
	"github.com/canalhq/canal/flow/journal"
)

// If routes its input to the true or false output by the boolean coercion
// of its condition.
type If struct{}

func (*If) Definition() Definition {
	return Definition{
		Key:      KeyIf,
		Name:     "If",
		Category: CategoryLogic,
		Outputs: []OutputSpec{
			{Name: "true", Label: "True"},
			{Name: "false", Label: "False"},
		},
		Params: []ParamSpec{
			{Name: "condition", Label: "Condition", Type: ParamCode, Required: true},
		},
	}
}

func (*If) Execute(ctx context.Context, p Params, rc *RunContext) Result {
	src := p.String("condition")
	if strings.TrimSpace(src) == "" {
		return Fail(ValidationKind, "condition is required")
	}
	v, err := rc.ResolveValue(ctx, src)
	if err != nil {
		return Result{Err: evalError("evaluating condition", err, EvaluationKind)}
	}
	b := conditionTruth(v)
	if rc.Log != nil {
		rc.Log(journal.LevelDebug, "condition evaluated", map[string]any{"result": b})
	}
	if b {
		return RouteTo(rc.Input, "true")
	}
	return RouteTo(rc.Input, "false")
}

// Switch compares its evaluated value against each case in order and
// routes to the matching case's output index. Comparison is by string
// form, case-insensitively.
type Switch struct{}

func (*Switch) Definition() Definition {
	return Definition{
		Key:            KeySwitch,
		Name:           "Switch",
		Category:       CategoryLogic,
		DynamicOutputs: true,
		Params: []ParamSpec{
			{Name: "value", Label: "Value", Type: ParamCode, Required: true},
			{Name: "cases", Label: "Cases", Type: ParamCollection, Required: true},
			{Name: "fallbackOutput", Label: "Fallback Output", Type: ParamNumber},
		},
	}
}

func (*Switch) Execute(ctx context.Context, p Params, rc *RunContext) Result {
	src := p.String("value")
	if strings.TrimSpace(src) == "" {
		return Fail(ValidationKind, "value is required")
	}
	v, err := rc.ResolveValue(ctx, src)
	if err != nil {
		return Result{Err: evalError("evaluating switch value", err, EvaluationKind)}
	}
	got := expression.ToString(v)

	for i, c := range p.Slice("cases") {
		m, ok := c.(map[string]any)
		if !ok {
			return Fail(ValidationKind, "case %d must be an object with value and outputIndex", i)
		}
		if !strings.EqualFold(got, expression.ToString(m["value"])) {
			continue
		}
		idx := i
		if oi, present := m["outputIndex"]; present {
			n, err := expression.ToInt(oi)
			if err != nil {
				return Fail(ValidationKind, "case %d has a non-numeric outputIndex", i)
			}
			idx = n
		}
		return switchResult(v, idx, false)
	}

	if p.Has("fallbackOutput") {
		if idx := p.Int("fallbackOutput", -1); idx >= 0 {
			return switchResult(v, idx, true)
		}
	}
	return Fail(ExecutionKind, "no case matched %q and no fallback output is configured", got)
}

func switchResult(v any, idx int, fallback bool) Result {
	return Result{
		Data: map[string]any{
			"value":       v,
			"outputIndex": idx,
			"isFallback":  fallback,
		},
		Route: &Route{Outputs: []string{strconv.Itoa(idx)}},
	}
}

// conditionTruth coerces an evaluated condition for routing. Strings use
// literal boolean forms ("false", "0", "no", "off" and empty are false);
// other values follow boolean-context rules.
func conditionTruth(v any) bool {
	if s, ok := v.(string); ok {
		return expression.ToBool(s)
	}
	return expression.Truthy(v)
}

// evalError classifies an expression failure. Sandbox and compile
// rejections are validation errors and never retried; runtime failures
// take the caller's kind; cancellation passes through.
func evalError(msg string, err error, runtimeKind ErrorKind) *Error {
	var ee *expression.Error
	if errors.As(err, &ee) {
		switch ee.Code {
		case expression.CodeCanceled:
			return WrapErr(CanceledKind, msg, err)
		case expression.CodeRuntime, expression.CodeTimeout, expression.CodeTooLarge:
			return WrapErr(runtimeKind, msg, err)
		default:
			return WrapErr(ValidationKind, msg, err)
		}
	}
	return WrapErr(runtimeKind, msg, err)
}
