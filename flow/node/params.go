package node

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/canalhq/canal/flow/expression"
)

// Params holds a node's parameters after template resolution and schema
// validation. Getters coerce leniently; executors rely on the schema pass
// for hard guarantees.
type Params map[string]any

// Has reports whether name is present.
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// String returns the parameter coerced to a string, or "" when absent.
func (p Params) String(name string) string {
	v, ok := p[name]
	if !ok || v == nil {
		return ""
	}
	return expression.ToString(v)
}

// StringOr returns the parameter as a string, or def when absent or empty.
func (p Params) StringOr(name, def string) string {
	if s := p.String(name); s != "" {
		return s
	}
	return def
}

// Int returns the parameter coerced to an int, or def when absent or not
// numeric.
func (p Params) Int(name string, def int) int {
	v, ok := p[name]
	if !ok || v == nil {
		return def
	}
	n, err := expression.ToInt(v)
	if err != nil {
		return def
	}
	return n
}

// Float returns the parameter coerced to a float64, or def when absent.
func (p Params) Float(name string, def float64) float64 {
	v, ok := p[name]
	if !ok || v == nil {
		return def
	}
	f, err := expression.ToNumber(v)
	if err != nil {
		return def
	}
	return f
}

// Bool returns the parameter coerced to a bool; absent means false.
func (p Params) Bool(name string) bool {
	v, ok := p[name]
	if !ok || v == nil {
		return false
	}
	return expression.ToBool(v)
}

// Map returns the parameter as a map, or nil.
func (p Params) Map(name string) map[string]any {
	m, _ := p[name].(map[string]any)
	return m
}

// Slice returns the parameter as a slice, or nil.
func (p Params) Slice(name string) []any {
	s, _ := p[name].([]any)
	return s
}

// Raw returns the untyped value.
func (p Params) Raw(name string) any { return p[name] }

// visible reports whether spec applies given the other parameter values.
func visible(spec ParamSpec, params map[string]any) bool {
	if spec.VisibleWhen == nil {
		return true
	}
	actual, ok := params[spec.VisibleWhen.Param]
	if !ok {
		return false
	}
	got := expression.ToString(actual)
	for _, want := range spec.VisibleWhen.In {
		if strings.EqualFold(got, expression.ToString(want)) {
			return true
		}
	}
	return false
}

// ResolveParams applies template resolution and schema validation to a
// node's raw parameters. Declared code-typed parameters pass through
// verbatim; everything else (declared or not) is resolved. Failures are
// validation errors and are never retried.
func ResolveParams(ctx context.Context, def Definition, raw map[string]any, rc *RunContext) (Params, *Error) {
	out := make(Params, len(raw))
	for k, v := range raw {
		out[k] = v
	}

	declared := make(map[string]bool, len(def.Params))
	for _, spec := range def.Params {
		declared[spec.Name] = true
		if !visible(spec, out) {
			continue
		}

		v, present := out[spec.Name]
		if !present || v == nil {
			if spec.Default != nil {
				out[spec.Name] = spec.Default
				v, present = spec.Default, true
			}
		}
		if !present || v == nil {
			if spec.Required {
				return nil, Errorf(ValidationKind, "missing required parameter %q", spec.Name)
			}
			continue
		}

		if spec.Type == ParamCode {
			if _, ok := v.(string); !ok {
				return nil, Errorf(ValidationKind, "parameter %q must be a string of code", spec.Name)
			}
			continue
		}

		resolved, err := rc.ResolveValue(ctx, v)
		if err != nil {
			return nil, WrapErr(ValidationKind, fmt.Sprintf("resolving parameter %q", spec.Name), err)
		}
		coerced, cerr := coerceParam(spec, resolved)
		if cerr != nil {
			return nil, cerr
		}
		if verr := checkParam(spec, coerced); verr != nil {
			return nil, verr
		}
		out[spec.Name] = coerced
	}

	// Parameters outside the schema still get their templates resolved.
	for k, v := range out {
		if declared[k] {
			continue
		}
		resolved, err := rc.ResolveValue(ctx, v)
		if err != nil {
			return nil, WrapErr(ValidationKind, fmt.Sprintf("resolving parameter %q", k), err)
		}
		out[k] = resolved
	}
	return out, nil
}

func coerceParam(spec ParamSpec, v any) (any, *Error) {
	switch spec.Type {
	case ParamString, ParamSelect:
		s := expression.ToString(v)
		if spec.Type == ParamSelect && !optionAllowed(spec.Options, s) {
			return nil, Errorf(ValidationKind, "parameter %q: %q is not one of %s", spec.Name, s, strings.Join(spec.Options, ", "))
		}
		return s, nil
	case ParamNumber:
		f, err := expression.ToNumber(v)
		if err != nil {
			return nil, WrapErr(ValidationKind, fmt.Sprintf("parameter %q must be a number", spec.Name), err)
		}
		return f, nil
	case ParamBoolean:
		return expression.ToBool(v), nil
	case ParamObject:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, Errorf(ValidationKind, "parameter %q must be an object", spec.Name)
		}
		return m, nil
	case ParamArray, ParamCollection:
		s, ok := v.([]any)
		if !ok {
			return nil, Errorf(ValidationKind, "parameter %q must be an array", spec.Name)
		}
		return s, nil
	case ParamMultiSelect:
		s, ok := v.([]any)
		if !ok {
			return nil, Errorf(ValidationKind, "parameter %q must be an array", spec.Name)
		}
		for _, item := range s {
			if !optionAllowed(spec.Options, expression.ToString(item)) {
				return nil, Errorf(ValidationKind, "parameter %q contains a value outside its options", spec.Name)
			}
		}
		return s, nil
	}
	return v, nil
}

func checkParam(spec ParamSpec, v any) *Error {
	val := spec.Validation
	if val == nil {
		return nil
	}
	switch tv := v.(type) {
	case string:
		n := utf8.RuneCountInString(tv)
		if val.MinLength > 0 && n < val.MinLength {
			return Errorf(ValidationKind, "parameter %q is shorter than %d characters", spec.Name, val.MinLength)
		}
		if val.MaxLength > 0 && n > val.MaxLength {
			return Errorf(ValidationKind, "parameter %q is longer than %d characters", spec.Name, val.MaxLength)
		}
		if val.Pattern != "" {
			re, err := regexp.Compile(val.Pattern)
			if err != nil {
				return WrapErr(ValidationKind, fmt.Sprintf("parameter %q has an invalid pattern", spec.Name), err)
			}
			if !re.MatchString(tv) {
				return Errorf(ValidationKind, "parameter %q does not match pattern %s", spec.Name, val.Pattern)
			}
		}
	case float64:
		if val.Min != nil && tv < *val.Min {
			return Errorf(ValidationKind, "parameter %q is below minimum %v", spec.Name, *val.Min)
		}
		if val.Max != nil && tv > *val.Max {
			return Errorf(ValidationKind, "parameter %q is above maximum %v", spec.Name, *val.Max)
		}
	}
	return nil
}

func optionAllowed(options []string, v string) bool {
	if len(options) == 0 {
		return true
	}
	for _, o := range options {
		if strings.EqualFold(o, v) {
			return true
		}
	}
	return false
}

// StaticCheck validates literal parameter values against the schema at
// workflow validation time. Values containing expressions are skipped;
// they can only be judged at runtime. Conditionally visible parameters are
// checked only when their gate is a decided literal.
func StaticCheck(def Definition, raw map[string]any) error {
	for _, spec := range def.Params {
		if spec.VisibleWhen != nil {
			gate, ok := raw[spec.VisibleWhen.Param]
			if !ok {
				continue
			}
			if s, isStr := gate.(string); isStr && expression.HasExpression(s) {
				continue
			}
			if !visible(spec, raw) {
				continue
			}
		}

		v, present := raw[spec.Name]
		if !present || v == nil {
			if spec.Required && spec.Default == nil {
				return fmt.Errorf("missing required parameter %q", spec.Name)
			}
			continue
		}
		if s, ok := v.(string); ok && expression.HasExpression(s) {
			continue
		}
		if spec.Type == ParamCode {
			if _, ok := v.(string); !ok {
				return fmt.Errorf("parameter %q must be a string of code", spec.Name)
			}
			continue
		}
		coerced, cerr := coerceParam(spec, v)
		if cerr != nil {
			return fmt.Errorf("%s", cerr.Message)
		}
		if verr := checkParam(spec, coerced); verr != nil {
			return fmt.Errorf("%s", verr.Message)
		}
	}
	return nil
}
