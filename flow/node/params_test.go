package node_test

import (
	"context"
	"strings"
	"testing"

	"github.com/canalhq/canal/flow/expression"
	"github.com/canalhq/canal/flow/node"
)

func testRunContext() *node.RunContext {
	return &node.RunContext{
		Evaluator: expression.New(),
		Expr:      &expression.Context{},
	}
}

func TestResolveParamsDefaults(t *testing.T) {
	def := node.Definition{Params: []node.ParamSpec{
		{Name: "method", Type: node.ParamSelect, Options: []string{"GET", "POST"}, Default: "GET"},
		{Name: "timeout", Type: node.ParamNumber, Default: float64(30)},
	}}
	p, nerr := node.ResolveParams(context.Background(), def, map[string]any{}, testRunContext())
	if nerr != nil {
		t.Fatalf("ResolveParams: %v", nerr)
	}
	if got := p.String("method"); got != "GET" {
		t.Errorf("method = %q, want GET", got)
	}
	if got := p.Float("timeout", 0); got != 30 {
		t.Errorf("timeout = %v, want 30", got)
	}
}

func TestResolveParamsRequired(t *testing.T) {
	def := node.Definition{Params: []node.ParamSpec{
		{Name: "url", Type: node.ParamString, Required: true},
	}}
	_, nerr := node.ResolveParams(context.Background(), def, map[string]any{}, testRunContext())
	if nerr == nil {
		t.Fatal("expected error for missing required parameter")
	}
	if nerr.Kind != node.ValidationKind {
		t.Errorf("kind = %s, want validation", nerr.Kind)
	}
}

func TestResolveParamsTemplates(t *testing.T) {
	def := node.Definition{Params: []node.ParamSpec{
		{Name: "url", Type: node.ParamString},
		{Name: "count", Type: node.ParamNumber},
	}}
	raw := map[string]any{
		"url":   "https://api.test/items/{{ 1 + 1 }}",
		"count": "{{ 2 + 3 }}",
	}
	p, nerr := node.ResolveParams(context.Background(), def, raw, testRunContext())
	if nerr != nil {
		t.Fatalf("ResolveParams: %v", nerr)
	}
	if got := p.String("url"); got != "https://api.test/items/2" {
		t.Errorf("url = %q", got)
	}
	if got := p.Float("count", 0); got != 5 {
		t.Errorf("count = %v, want 5", got)
	}
}

func TestResolveParamsSelect(t *testing.T) {
	def := node.Definition{Params: []node.ParamSpec{
		{Name: "mode", Type: node.ParamSelect, Options: []string{"append", "merge"}},
	}}
	if _, nerr := node.ResolveParams(context.Background(), def, map[string]any{"mode": "merge"}, testRunContext()); nerr != nil {
		t.Fatalf("valid option rejected: %v", nerr)
	}
	_, nerr := node.ResolveParams(context.Background(), def, map[string]any{"mode": "shuffle"}, testRunContext())
	if nerr == nil || nerr.Kind != node.ValidationKind {
		t.Fatalf("expected validation error for unknown option, got %v", nerr)
	}
}

func TestResolveParamsVisibility(t *testing.T) {
	def := node.Definition{Params: []node.ParamSpec{
		{Name: "auth", Type: node.ParamSelect, Options: []string{"none", "basic"}, Default: "none"},
		{Name: "user", Type: node.ParamString, Required: true,
			VisibleWhen: &node.Condition{Param: "auth", In: []any{"basic"}}},
	}}

	// Hidden parameters are exempt from their required check.
	if _, nerr := node.ResolveParams(context.Background(), def, map[string]any{}, testRunContext()); nerr != nil {
		t.Fatalf("hidden required parameter should not fail: %v", nerr)
	}

	_, nerr := node.ResolveParams(context.Background(), def, map[string]any{"auth": "basic"}, testRunContext())
	if nerr == nil {
		t.Fatal("visible required parameter should fail when missing")
	}
	if !strings.Contains(nerr.Message, "user") {
		t.Errorf("error should name the parameter: %v", nerr)
	}
}

func TestResolveParamsValidation(t *testing.T) {
	tests := []struct {
		name    string
		spec    node.ParamSpec
		value   any
		wantErr bool
	}{
		{
			name:  "within bounds",
			spec:  node.ParamSpec{Name: "n", Type: node.ParamNumber, Validation: &node.Validation{Min: fptr(1), Max: fptr(10)}},
			value: float64(5),
		},
		{
			name:    "above max",
			spec:    node.ParamSpec{Name: "n", Type: node.ParamNumber, Validation: &node.Validation{Max: fptr(10)}},
			value:   float64(11),
			wantErr: true,
		},
		{
			name:    "too short",
			spec:    node.ParamSpec{Name: "s", Type: node.ParamString, Validation: &node.Validation{MinLength: 3}},
			value:   "ab",
			wantErr: true,
		},
		{
			name:  "pattern match",
			spec:  node.ParamSpec{Name: "s", Type: node.ParamString, Validation: &node.Validation{Pattern: `^[a-z]+$`}},
			value: "abc",
		},
		{
			name:    "pattern mismatch",
			spec:    node.ParamSpec{Name: "s", Type: node.ParamString, Validation: &node.Validation{Pattern: `^[a-z]+$`}},
			value:   "ABC",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := node.Definition{Params: []node.ParamSpec{tt.spec}}
			raw := map[string]any{tt.spec.Name: tt.value}
			_, nerr := node.ResolveParams(context.Background(), def, raw, testRunContext())
			if (nerr != nil) != tt.wantErr {
				t.Errorf("ResolveParams error = %v, wantErr %v", nerr, tt.wantErr)
			}
		})
	}
}

func TestStaticCheck(t *testing.T) {
	def := node.Definition{Params: []node.ParamSpec{
		{Name: "url", Type: node.ParamString, Required: true},
		{Name: "method", Type: node.ParamSelect, Options: []string{"GET", "POST"}},
		{Name: "timeout", Type: node.ParamNumber, Validation: &node.Validation{Max: fptr(300)}},
	}}
	tests := []struct {
		name    string
		raw     map[string]any
		wantErr bool
	}{
		{"valid literals", map[string]any{"url": "https://x.test", "method": "GET"}, false},
		{"missing required", map[string]any{}, true},
		{"unknown option", map[string]any{"url": "https://x.test", "method": "FETCH"}, true},
		{"number above max", map[string]any{"url": "https://x.test", "timeout": float64(301)}, true},
		{"expression deferred", map[string]any{"url": "https://x.test", "method": "{{ $json.m }}"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := node.StaticCheck(def, tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("StaticCheck = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParamsGetters(t *testing.T) {
	p := node.Params{
		"s":   "hello",
		"n":   float64(7),
		"sn":  "12",
		"b":   true,
		"m":   map[string]any{"k": "v"},
		"arr": []any{1, 2},
	}
	if got := p.String("s"); got != "hello" {
		t.Errorf("String = %q", got)
	}
	if got := p.Int("n", 0); got != 7 {
		t.Errorf("Int = %d", got)
	}
	if got := p.Int("sn", 0); got != 12 {
		t.Errorf("Int from string = %d", got)
	}
	if got := p.Int("missing", 42); got != 42 {
		t.Errorf("Int default = %d", got)
	}
	if !p.Bool("b") {
		t.Error("Bool = false, want true")
	}
	if m := p.Map("m"); m["k"] != "v" {
		t.Errorf("Map = %v", m)
	}
	if s := p.Slice("arr"); len(s) != 2 {
		t.Errorf("Slice = %v", s)
	}
}

func fptr(f float64) *float64 { return &f }
