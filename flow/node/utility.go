package node

import (
	"context"
	"errors"
	"time"

	"github.com/canalhq/canal/flow/expression"
	"github.com/canalhq/canal/flow/journal"
)

// Merge joins multiple inbound branches. It runs once all inbound
// connections have settled; pruned branches simply deliver no data.
type Merge struct{}

func (*Merge) Definition() Definition {
	return Definition{
		Key:      KeyMerge,
		Name:     "Merge",
		Category: CategoryLogic,
		Outputs:  mainOutputs(),
		Params: []ParamSpec{
			{
				Name: "mode", Label: "Mode", Type: ParamSelect,
				Options: []string{"append", "merge", "keepKeyMatches", "chooseBranch"},
				Default: "append",
			},
			{
				Name: "mergeKey", Label: "Merge Key", Type: ParamString,
				VisibleWhen: &Condition{Param: "mode", In: []any{"keepKeyMatches"}},
			},
			{
				Name: "branchIndex", Label: "Branch Index", Type: ParamNumber,
				VisibleWhen: &Condition{Param: "mode", In: []any{"chooseBranch"}},
			},
		},
	}
}

func (*Merge) Execute(ctx context.Context, p Params, rc *RunContext) Result {
	live := rc.LiveInputs()
	switch p.StringOr("mode", "append") {
	case "append":
		out := make([]any, 0, len(live))
		for _, in := range live {
			out = append(out, in.Data)
		}
		return Success(out)

	case "merge":
		out := map[string]any{}
		for _, in := range live {
			if m, ok := in.Data.(map[string]any); ok {
				for k, v := range m {
					out[k] = v
				}
			} else if in.Data != nil {
				out[in.NodeName] = in.Data
			}
		}
		return Success(out)

	case "keepKeyMatches":
		key := p.String("mergeKey")
		if key == "" {
			return Fail(ValidationKind, "keepKeyMatches requires a mergeKey")
		}
		if len(live) < 2 {
			return Fail(ExecutionKind, "keepKeyMatches needs at least two live inputs")
		}
		base, ok := live[0].Data.([]any)
		if !ok {
			return Fail(ExecutionKind, "keepKeyMatches requires array inputs")
		}
		seen := map[string]bool{}
		for _, in := range live[1:] {
			arr, ok := in.Data.([]any)
			if !ok {
				return Fail(ExecutionKind, "keepKeyMatches requires array inputs")
			}
			for _, item := range arr {
				if m, ok := item.(map[string]any); ok {
					seen[expression.ToString(m[key])] = true
				}
			}
		}
		out := make([]any, 0, len(base))
		for _, item := range base {
			m, ok := item.(map[string]any)
			if ok && seen[expression.ToString(m[key])] {
				out = append(out, item)
			}
		}
		return Success(out)

	case "chooseBranch":
		idx := p.Int("branchIndex", 0)
		if idx < 0 || idx >= len(rc.Inputs) {
			return Fail(ValidationKind, "branchIndex %d is out of range for %d inputs", idx, len(rc.Inputs))
		}
		chosen := rc.Inputs[idx]
		if !chosen.Live {
			if rc.Log != nil {
				rc.Log(journal.LevelWarn, "chosen branch delivered no data", map[string]any{"branch": idx})
			}
			return Success(nil)
		}
		return Success(chosen.Data)
	}
	return Fail(ValidationKind, "unknown merge mode %q", p.String("mode"))
}

// Split slices an array input into batches.
type Split struct{}

func (*Split) Definition() Definition {
	return Definition{
		Key:      KeySplit,
		Name:     "Split",
		Category: CategoryLogic,
		Outputs:  mainOutputs(),
		Params: []ParamSpec{
			{
				Name: "mode", Label: "Mode", Type: ParamSelect,
				Options: []string{"itemPerOutput", "batchSize", "byProperty"},
				Default: "itemPerOutput",
			},
			{
				Name: "batchSize", Label: "Batch Size", Type: ParamNumber, Default: float64(10),
				Validation:  &Validation{Min: floatPtr(1), Max: floatPtr(10000)},
				VisibleWhen: &Condition{Param: "mode", In: []any{"batchSize"}},
			},
			{
				Name: "property", Label: "Property", Type: ParamString,
				VisibleWhen: &Condition{Param: "mode", In: []any{"byProperty"}},
			},
		},
	}
}

func (*Split) Execute(ctx context.Context, p Params, rc *RunContext) Result {
	items, ok := rc.Input.([]any)
	if !ok {
		return Fail(ExecutionKind, "split requires an array input")
	}
	switch p.StringOr("mode", "itemPerOutput") {
	case "itemPerOutput":
		batches := make([]any, len(items))
		for i, it := range items {
			batches[i] = []any{it}
		}
		return Success(batches)

	case "batchSize":
		size := p.Int("batchSize", 10)
		if size < 1 {
			size = 1
		}
		batches := make([]any, 0, (len(items)+size-1)/size)
		for start := 0; start < len(items); start += size {
			end := start + size
			if end > len(items) {
				end = len(items)
			}
			batch := make([]any, end-start)
			copy(batch, items[start:end])
			batches = append(batches, batch)
		}
		return Success(batches)

	case "byProperty":
		prop := p.String("property")
		if prop == "" {
			return Fail(ValidationKind, "byProperty requires a property")
		}
		var order []string
		groups := map[string][]any{}
		for _, it := range items {
			key := ""
			if m, ok := it.(map[string]any); ok {
				key = expression.ToString(m[prop])
			}
			if _, exists := groups[key]; !exists {
				order = append(order, key)
			}
			groups[key] = append(groups[key], it)
		}
		batches := make([]any, len(order))
		for i, key := range order {
			batches[i] = groups[key]
		}
		return Success(batches)
	}
	return Fail(ValidationKind, "unknown split mode %q", p.String("mode"))
}

// NoOp passes its input through, optionally after a delay. It exists for
// wiring tests and as a cooperative cancellation point.
type NoOp struct{}

func (*NoOp) Definition() Definition {
	return Definition{
		Key:      KeyNoOp,
		Name:     "No Operation",
		Category: CategoryUtility,
		Outputs:  mainOutputs(),
		Params: []ParamSpec{
			{
				Name: "delay", Label: "Delay (ms)", Type: ParamNumber, Default: float64(0),
				Validation: &Validation{Min: floatPtr(0), Max: floatPtr(60000)},
			},
			{Name: "note", Label: "Note", Type: ParamString},
		},
	}
}

func (*NoOp) Execute(ctx context.Context, p Params, rc *RunContext) Result {
	if d := p.Int("delay", 0); d > 0 {
		wait := time.Duration(d) * time.Millisecond
		var fired <-chan time.Time
		if rc.Clock != nil {
			fired = rc.Clock.After(wait)
		} else {
			fired = time.After(wait)
		}
		select {
		case <-fired:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Fail(TimeoutKind, "timed out after %s of delay", wait)
			}
			return Fail(CanceledKind, "canceled during delay")
		}
	}
	return Success(rc.Input)
}
