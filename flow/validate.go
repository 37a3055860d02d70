package flow

import (
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/canalhq/canal/flow/node"
)

// definitionSchema is the JSON Schema for the serialized Definition
// document. Structural semantics (cycles, dangling references, kind
// resolution) are checked separately by Validate; the schema guards the
// shapes an external author can get wrong before a Definition even parses.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "kind": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "parameters": {"type": "object"},
          "credentials": {"type": "object", "additionalProperties": {"type": "string"}},
          "position": {
            "type": "object",
            "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
          },
          "retry": {
            "type": "object",
            "properties": {
              "max_retries": {"type": "integer", "minimum": 0},
              "base_ms": {"type": "integer", "minimum": 0},
              "max_ms": {"type": "integer", "minimum": 0}
            }
          },
          "timeout_seconds": {"type": "integer", "minimum": 0},
          "disabled": {"type": "boolean"}
        }
      }
    },
    "connections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "output": {"type": "string"},
          "input": {"type": "string"}
        }
      }
    },
    "variables": {"type": "object"},
    "settings": {
      "type": "object",
      "properties": {
        "execution_mode": {"enum": ["sequential", "parallel"]},
        "max_concurrency": {"type": "integer", "minimum": 1},
        "timeout_seconds": {"type": "integer", "minimum": 0},
        "timezone": {"type": "string"},
        "error_workflow_id": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce       sync.Once
	compiledSchema   *gojsonschema.Schema
	schemaCompileErr error
)

func definitionSchemaCompiled() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaCompileErr = gojsonschema.NewSchema(
			gojsonschema.NewStringLoader(definitionSchema))
	})
	return compiledSchema, schemaCompileErr
}

// ValidateDocument checks a serialized definition against the definition
// schema before it is parsed. Rejections carry CodeBadDocument.
func ValidateDocument(raw []byte) error {
	schema, err := definitionSchemaCompiled()
	if err != nil {
		return err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return definitionErr(CodeBadDocument, "", "unparseable document: %v", err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		problems = append(problems, re.String())
		if len(problems) == 5 {
			break
		}
	}
	return definitionErr(CodeBadDocument, "", "%s", strings.Join(problems, "; "))
}

// Validate checks a workflow against the registry: graph structure, kind
// resolution, static parameter schemas, cron expressions, connection
// output names, and settings. It returns the dependency graph so callers
// do not build it twice. Any failure is a DefinitionError; no execution
// state exists when one is returned.
func Validate(wf *Workflow, reg *node.Registry) (*Graph, error) {
	if wf == nil {
		return nil, ErrNilWorkflow
	}
	g, err := BuildGraph(&wf.Definition)
	if err != nil {
		return nil, err
	}
	if tz := wf.Definition.Settings.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, definitionErr(CodeInvalidParameter, "", "unknown timezone %q", tz)
		}
	}
	for i := range wf.Definition.Nodes {
		n := &wf.Definition.Nodes[i]
		kind, ok := reg.Get(n.Kind)
		if !ok {
			return nil, definitionErr(CodeUnknownKind, n.ID, "no node kind %q is registered", n.Kind)
		}
		def := kind.Definition()
		if def.Trigger && len(g.Inbound(n.ID)) > 0 {
			return nil, definitionErr(CodeInvalidConnection, n.ID, "trigger node cannot have inbound connections")
		}
		if err := node.StaticCheck(def, n.Parameters); err != nil {
			return nil, definitionErr(CodeInvalidParameter, n.ID, "%v", err)
		}
		if sv, ok := kind.(node.StaticValidator); ok {
			if err := sv.ValidateStatic(n.Parameters); err != nil {
				code := CodeInvalidParameter
				if n.Kind == node.KeySchedule {
					code = CodeInvalidCron
				}
				return nil, definitionErr(code, n.ID, "%v", err)
			}
		}
		if err := checkOutputNames(g, n, def); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// checkOutputNames rejects connections leaving a node through an output
// connector its kind does not declare. Kinds with dynamic outputs (switch)
// are exempt; the error output exists on every kind.
func checkOutputNames(g *Graph, n *Node, def node.Definition) error {
	if def.DynamicOutputs {
		return nil
	}
	allowed := make(map[string]bool, len(def.Outputs)+1)
	for _, o := range def.Outputs {
		allowed[o.Name] = true
	}
	if len(def.Outputs) == 0 {
		allowed[OutputMain] = true
	}
	for _, e := range g.Outbound(n.ID) {
		if e.Output == OutputError || allowed[e.Output] {
			continue
		}
		return definitionErr(CodeInvalidConnection, n.ID, "node has no output %q", e.Output)
	}
	return nil
}
