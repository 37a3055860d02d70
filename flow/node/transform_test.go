package node_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/canalhq/canal/flow/expression"
	"github.com/canalhq/canal/flow/node"
)

func TestSetOverlaysInput(t *testing.T) {
	rc := runContextWithItem(map[string]any{"a": float64(1)})
	p := node.Params{
		"values": []any{
			map[string]any{"name": "x", "value": float64(3)},
		},
	}
	res := (&node.Set{}).Execute(context.Background(), p, rc)
	if !res.OK() {
		t.Fatalf("Execute failed: %v", res.Err)
	}
	out := res.Data.(map[string]any)
	if out["a"] != float64(1) || out["x"] != float64(3) {
		t.Errorf("Data = %v, want input plus assignments", out)
	}
}

func TestSetKeepOnlySet(t *testing.T) {
	rc := runContextWithItem(map[string]any{"a": float64(1)})
	p := node.Params{
		"values":      []any{map[string]any{"name": "x", "value": "y"}},
		"keepOnlySet": true,
	}
	res := (&node.Set{}).Execute(context.Background(), p, rc)
	if !res.OK() {
		t.Fatalf("Execute failed: %v", res.Err)
	}
	out := res.Data.(map[string]any)
	if len(out) != 1 || out["x"] != "y" {
		t.Errorf("Data = %v, want only assigned values", out)
	}
}

func TestSetRejectsUnnamedValue(t *testing.T) {
	rc := runContextWithItem(nil)
	p := node.Params{"values": []any{map[string]any{"value": 1}}}
	res := (&node.Set{}).Execute(context.Background(), p, rc)
	if res.OK() || res.Err.Kind != node.ValidationKind {
		t.Fatalf("expected validation error, got %+v", res)
	}
}

func TestCodeResult(t *testing.T) {
	rc := runContextWithItem(map[string]any{"n": float64(4)})
	res := (&node.Code{}).Execute(context.Background(), node.Params{"code": "$json.n * 2"}, rc)
	if !res.OK() {
		t.Fatalf("Execute failed: %v", res.Err)
	}
	got, err := expression.ToNumber(res.Data)
	if err != nil || got != 8 {
		t.Errorf("Data = %v, want 8", res.Data)
	}
}

func TestCodeSandboxRejection(t *testing.T) {
	rc := runContextWithItem(nil)
	res := (&node.Code{}).Execute(context.Background(), node.Params{"code": "os.exit(1)"}, rc)
	if res.OK() {
		t.Fatal("expected sandbox rejection")
	}
	if res.Err.Kind != node.ValidationKind {
		t.Errorf("kind = %s, want validation", res.Err.Kind)
	}
}

func TestFunctionOperations(t *testing.T) {
	items := []any{float64(3), float64(1), float64(2)}
	tests := []struct {
		name   string
		params node.Params
		want   []any
	}{
		{
			name: "map doubles",
			params: node.Params{
				"operation": "map", "expression": "$item * 2", "items": items,
			},
			want: []any{float64(6), float64(2), float64(4)},
		},
		{
			name: "filter keeps matches",
			params: node.Params{
				"operation": "filter", "expression": "$item > 1", "items": items,
			},
			want: []any{float64(3), float64(2)},
		},
		{
			name: "sort ascending",
			params: node.Params{
				"operation": "sort", "expression": "$item", "items": items,
			},
			want: []any{float64(1), float64(2), float64(3)},
		},
		{
			name: "sort descending",
			params: node.Params{
				"operation": "sort", "expression": "$item", "items": items, "sortOrder": "desc",
			},
			want: []any{float64(3), float64(2), float64(1)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := runContextWithItem(nil)
			res := (&node.Function{}).Execute(context.Background(), tt.params, rc)
			if !res.OK() {
				t.Fatalf("Execute failed: %v", res.Err)
			}
			got := res.Data.([]any)
			if len(got) != len(tt.want) {
				t.Fatalf("Data = %v, want %v", got, tt.want)
			}
			for i := range got {
				gn, _ := expression.ToNumber(got[i])
				wn, _ := expression.ToNumber(tt.want[i])
				if gn != wn {
					t.Errorf("Data[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFunctionReduce(t *testing.T) {
	rc := runContextWithItem(nil)
	p := node.Params{
		"operation":  "reduce",
		"expression": "$accumulator + $item",
		"items":      []any{float64(1), float64(2), float64(3)},
		"initial":    float64(0),
	}
	res := (&node.Function{}).Execute(context.Background(), p, rc)
	if !res.OK() {
		t.Fatalf("Execute failed: %v", res.Err)
	}
	got, err := expression.ToNumber(res.Data)
	if err != nil || got != 6 {
		t.Errorf("Data = %v, want 6", res.Data)
	}
}

func TestFunctionUsesInputWhenItemsAbsent(t *testing.T) {
	rc := runContextWithItem(nil)
	rc.Input = []any{float64(1), float64(2)}
	p := node.Params{"operation": "map", "expression": "$item + 1"}
	res := (&node.Function{}).Execute(context.Background(), p, rc)
	if !res.OK() {
		t.Fatalf("Execute failed: %v", res.Err)
	}
	want := []any{float64(2), float64(3)}
	got := res.Data.([]any)
	for i := range got {
		gn, _ := expression.ToNumber(got[i])
		if gn != want[i] {
			t.Errorf("Data = %v, want %v", got, want)
			break
		}
	}
}

func TestFunctionRequiresArray(t *testing.T) {
	rc := runContextWithItem(map[string]any{"k": "v"})
	p := node.Params{"operation": "map", "expression": "$item"}
	res := (&node.Function{}).Execute(context.Background(), p, rc)
	if res.OK() || res.Err.Kind != node.ExecutionKind {
		t.Fatalf("expected execution error, got %+v", res)
	}
}

func TestFunctionFilterPreservesItems(t *testing.T) {
	items := []any{
		map[string]any{"id": float64(1), "keep": true},
		map[string]any{"id": float64(2), "keep": false},
	}
	rc := runContextWithItem(nil)
	p := node.Params{"operation": "filter", "expression": "$item.keep", "items": items}
	res := (&node.Function{}).Execute(context.Background(), p, rc)
	if !res.OK() {
		t.Fatalf("Execute failed: %v", res.Err)
	}
	want := []any{items[0]}
	if !reflect.DeepEqual(res.Data, want) {
		t.Errorf("Data = %v, want %v", res.Data, want)
	}
}
