package expression

import "time"

// Clock is the time source for the date helpers. flow.Clock satisfies it.
type Clock interface {
	Now() time.Time
}

// EnvSource supplies named variables for $env lookups ahead of the process
// environment. flow.EnvironmentProvider satisfies it.
type EnvSource interface {
	Get(name string) (string, bool)
}

// Context is the data an expression can see. The scheduler assembles one
// per resolution from the execution's accumulated state; nodes that iterate
// derive child contexts via WithItem.
type Context struct {
	WorkflowID   string
	WorkflowName string
	// Variables are the workflow-scoped scalars ($workflow.variables.<name>).
	Variables map[string]any
	// Nodes maps a node display-name to its last output data ($node.<name>).
	Nodes map[string]any
	// Item is the current item for iterating nodes ($json).
	Item any
	// Bindings adds per-call names such as $item, $index, $accumulator.
	Bindings map[string]any
	// Location resolves today() and formatDate; nil means UTC.
	Location *time.Location
}

// WithItem returns a copy of the context whose $json (and $item binding) is
// item and whose $index is idx. The parent context is not modified.
func (c *Context) WithItem(item any, idx int) *Context {
	child := *c
	child.Item = item
	child.Bindings = make(map[string]any, len(c.Bindings)+2)
	for k, v := range c.Bindings {
		child.Bindings[k] = v
	}
	child.Bindings["$item"] = item
	child.Bindings["$index"] = idx
	return &child
}

// WithAccumulator adds the $accumulator binding for reduce steps.
func (c *Context) WithAccumulator(acc any) *Context {
	child := *c
	child.Bindings = make(map[string]any, len(c.Bindings)+1)
	for k, v := range c.Bindings {
		child.Bindings[k] = v
	}
	child.Bindings["$accumulator"] = acc
	return &child
}

func (c *Context) loc() *time.Location {
	if c != nil && c.Location != nil {
		return c.Location
	}
	return time.UTC
}
