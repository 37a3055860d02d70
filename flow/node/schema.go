package node

// ParamType declares how a parameter is rendered, resolved and validated.
// Code-typed parameters are handed to the executor verbatim; every other
// type passes through template resolution first.
type ParamType string

const (
	ParamString      ParamType = "string"
	ParamNumber      ParamType = "number"
	ParamBoolean     ParamType = "boolean"
	ParamObject      ParamType = "object"
	ParamArray       ParamType = "array"
	ParamCode        ParamType = "code"
	ParamCollection  ParamType = "collection"
	ParamSelect      ParamType = "select"
	ParamMultiSelect ParamType = "multiselect"
)

// Definition describes a node kind: identity, parameter schema and output
// connectors. It is static metadata; one Definition serves all instances.
type Definition struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Category string `json:"category"`

	Params  []ParamSpec  `json:"parameters,omitempty"`
	Outputs []OutputSpec `json:"outputs,omitempty"`

	// Trigger kinds may start executions and take no inbound connections.
	Trigger bool `json:"trigger,omitempty"`
	// Webhook kinds additionally accept HTTP delivery.
	Webhook bool `json:"webhook,omitempty"`

	// DynamicOutputs marks kinds whose output connectors depend on
	// parameters (switch cases) rather than the static Outputs list.
	DynamicOutputs bool `json:"dynamic_outputs,omitempty"`
}

// ParamSpec is one declared parameter.
type ParamSpec struct {
	Name     string    `json:"name"`
	Label    string    `json:"label,omitempty"`
	Type     ParamType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Default  any       `json:"default,omitempty"`

	// Options enumerates legal values for select and multiselect.
	Options []string `json:"options,omitempty"`

	Validation *Validation `json:"validation,omitempty"`

	// VisibleWhen hides the parameter (and suspends its validation)
	// unless the condition holds.
	VisibleWhen *Condition `json:"visible_when,omitempty"`
}

// Validation constrains a resolved parameter value.
type Validation struct {
	MinLength int      `json:"min_length,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
}

// Condition gates parameter visibility on a sibling parameter's value.
type Condition struct {
	Param string `json:"param"`
	In    []any  `json:"in"`
}

// OutputSpec names one output connector.
type OutputSpec struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
}

// Param returns the parameter declaration for name, if present.
func (d Definition) Param(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// OutputNames lists the static output connector names in declared order.
// Kinds with no declared outputs expose the single default connector.
func (d Definition) OutputNames() []string {
	if len(d.Outputs) == 0 {
		return []string{"main"}
	}
	names := make([]string, len(d.Outputs))
	for i, o := range d.Outputs {
		names[i] = o.Name
	}
	return names
}

func mainOutputs() []OutputSpec {
	return []OutputSpec{{Name: "main"}}
}

func floatPtr(f float64) *float64 { return &f }
