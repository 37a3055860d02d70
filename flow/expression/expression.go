// Package expression evaluates user-authored expressions embedded in
// workflow parameters. A string parameter may contain {{ … }} substitutions
// referencing prior node outputs ($node), workflow metadata and variables
// ($workflow), environment variables ($env), and the current item ($json),
// plus a fixed module of helper functions. Every expression passes a safety
// validator before compilation and runs under wall-clock, size, and
// statement bounds.
package expression

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultTimeout bounds a single evaluation unless overridden.
const DefaultTimeout = 5 * time.Second

// Evaluator compiles and runs expressions. It is safe for concurrent use;
// compiled programs are cached by source.
type Evaluator struct {
	envSource EnvSource
	clock     Clock
	timeout   time.Duration

	mu       sync.Mutex
	programs map[string]*cacheEntry
	cacheCap int
}

type cacheEntry struct {
	prog *vm.Program
	// envRefs are the names pulled through $env by this source, resolved
	// against the env source and process environment at run time.
	envRefs []string
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithEnvSource installs the provider consulted by $env before the process
// environment.
func WithEnvSource(src EnvSource) Option {
	return func(e *Evaluator) { e.envSource = src }
}

// WithClock substitutes the time source for now/utcNow/today.
func WithClock(c Clock) Option {
	return func(e *Evaluator) { e.clock = c }
}

// WithTimeout overrides the per-evaluation wall-clock bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithCacheSize bounds the compiled-program cache.
func WithCacheSize(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.cacheCap = n
		}
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// New returns an Evaluator with the default bounds.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		clock:    wallClock{},
		timeout:  DefaultTimeout,
		programs: make(map[string]*cacheEntry),
		cacheCap: 256,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var envRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$env\.([A-Za-z_][A-Za-z0-9_]*)`),
	regexp.MustCompile(`\$env\[\s*["']([^"']+)["']\s*\]`),
}

func (e *Evaluator) entry(src string) (*cacheEntry, error) {
	e.mu.Lock()
	entry, ok := e.programs[src]
	e.mu.Unlock()
	if ok {
		return entry, nil
	}

	opts := make([]expr.Option, 0, len(builtinOverrides))
	for _, name := range builtinOverrides {
		opts = append(opts, expr.DisableBuiltin(name))
	}
	prog, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, &Error{Code: CodeCompile, Expr: src, Message: err.Error(), Cause: err}
	}

	var refs []string
	seen := map[string]bool{}
	for _, pat := range envRefPatterns {
		for _, m := range pat.FindAllStringSubmatch(src, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				refs = append(refs, m[1])
			}
		}
	}

	entry = &cacheEntry{prog: prog, envRefs: refs}
	e.mu.Lock()
	if len(e.programs) >= e.cacheCap {
		e.programs = make(map[string]*cacheEntry, e.cacheCap)
	}
	e.programs[src] = entry
	e.mu.Unlock()
	return entry, nil
}

// buildEnv assembles the evaluation environment: helpers, context
// accessors, and the environment variables this source references.
func (e *Evaluator) buildEnv(entry *cacheEntry, c *Context) map[string]any {
	env := make(map[string]any, len(staticHelpers)+len(entry.envRefs)+8)
	for k, v := range staticHelpers {
		env[k] = v
	}

	loc := c.loc()
	clock := e.clock
	env["now"] = func() time.Time { return clock.Now().In(loc) }
	env["utcNow"] = func() time.Time { return clock.Now().UTC() }
	env["today"] = func() time.Time {
		t := clock.Now().In(loc)
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	}

	nodes := c.Nodes
	if nodes == nil {
		nodes = map[string]any{}
	}
	env["$node"] = nodes
	env["$workflow"] = map[string]any{
		"id":        c.WorkflowID,
		"name":      c.WorkflowName,
		"variables": orEmpty(c.Variables),
	}
	env["$json"] = c.Item
	for k, v := range c.Bindings {
		env[k] = v
	}

	// $env carries every variable this source references, resolved through
	// the provider first and the process environment second. Unresolved
	// names stay absent and read as nil.
	envVars := make(map[string]any, len(entry.envRefs))
	for _, name := range entry.envRefs {
		if e.envSource != nil {
			if v, ok := e.envSource.Get(name); ok {
				envVars[name] = v
				continue
			}
		}
		if v, ok := (ProcessEnvSource{}).Get(name); ok {
			envVars[name] = v
		}
	}
	env["$env"] = envVars
	return env
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Evaluate runs a single expression (without the {{ }} envelope) against
// the context and returns its typed result.
func (e *Evaluator) Evaluate(ctx context.Context, src string, c *Context) (any, error) {
	if c == nil {
		c = &Context{}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Code: CodeCanceled, Expr: src, Message: "evaluation canceled", Cause: err}
	}
	if err := Validate(src); err != nil {
		return nil, err
	}
	entry, err := e.entry(src)
	if err != nil {
		return nil, err
	}
	env := e.buildEnv(entry, c)

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("evaluation panic: %v", r)}
			}
		}()
		v, err := expr.Run(entry.prog, env)
		done <- result{v: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &Error{Code: CodeRuntime, Expr: src, Message: res.err.Error(), Cause: res.err}
		}
		if err := checkResultSize(src, res.v); err != nil {
			return nil, err
		}
		return res.v, nil
	case <-time.After(e.timeout):
		return nil, newError(CodeTimeout, src, "evaluation exceeded %s", e.timeout)
	case <-ctx.Done():
		return nil, &Error{Code: CodeCanceled, Expr: src, Message: "evaluation canceled", Cause: ctx.Err()}
	}
}

// HasExpression reports whether a string embeds at least one {{ … }}.
func HasExpression(s string) bool {
	return strings.Contains(s, "{{")
}

// Resolve applies the template rules to a string parameter: a value that is
// one substitution spanning the whole string yields the typed result; a
// value with embedded substitutions evaluates each one, coerces it to text,
// and splices; a value without substitutions passes through unchanged.
func (e *Evaluator) Resolve(ctx context.Context, value string, c *Context) (any, error) {
	spans, err := scanTemplate(value)
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return value, nil
	}
	if len(spans) == 1 &&
		strings.TrimSpace(value[:spans[0].start]) == "" &&
		strings.TrimSpace(value[spans[0].end:]) == "" {
		return e.Evaluate(ctx, spans[0].inner, c)
	}

	var b strings.Builder
	last := 0
	for _, sp := range spans {
		b.WriteString(value[last:sp.start])
		v, err := e.Evaluate(ctx, sp.inner, c)
		if err != nil {
			return nil, err
		}
		b.WriteString(ToString(v))
		last = sp.end
	}
	b.WriteString(value[last:])
	return b.String(), nil
}

// ResolveValue applies template resolution through nested maps and slices,
// returning a new structure with every string resolved. Non-template
// values pass through unchanged.
func (e *Evaluator) ResolveValue(ctx context.Context, value any, c *Context) (any, error) {
	switch v := value.(type) {
	case string:
		return e.Resolve(ctx, v, c)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := e.ResolveValue(ctx, item, c)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := e.ResolveValue(ctx, item, c)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

type span struct {
	start, end int // byte offsets of "{{" and past "}}"
	inner      string
}

// scanTemplate locates {{ … }} spans, tracking brace depth and string
// literals so object literals inside an expression do not end the span
// early.
func scanTemplate(s string) ([]span, error) {
	var spans []span
	i := 0
	for i < len(s)-1 {
		if s[i] != '{' || s[i+1] != '{' {
			i++
			continue
		}
		start := i
		j := i + 2
		depth := 0
		var inString byte
		escaped := false
		closed := false
		for j < len(s) {
			ch := s[j]
			if inString != 0 {
				if escaped {
					escaped = false
				} else if ch == '\\' {
					escaped = true
				} else if ch == inString {
					inString = 0
				}
				j++
				continue
			}
			switch ch {
			case '"', '\'', '`':
				inString = ch
			case '{':
				depth++
			case '}':
				if depth > 0 {
					depth--
				} else if j+1 < len(s) && s[j+1] == '}' {
					spans = append(spans, span{
						start: start,
						end:   j + 2,
						inner: strings.TrimSpace(s[start+2 : j]),
					})
					i = j + 2
					closed = true
				} else {
					return nil, newError(CodeUnbalanced, s, "stray '}' inside substitution")
				}
			}
			if closed {
				break
			}
			j++
		}
		if !closed {
			return nil, newError(CodeUnbalanced, s, "unterminated {{ substitution")
		}
	}
	return spans, nil
}

func checkResultSize(src string, v any) error {
	switch x := v.(type) {
	case nil, bool, int, int64, float64, time.Time:
		return nil
	case string:
		if len(x) > MaxResultSize {
			return newError(CodeTooLarge, src, "result is %d bytes, limit %d", len(x), MaxResultSize)
		}
		return nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			// Not marshalable (func values and the like); size cannot grow
			// unbounded for such results.
			return nil
		}
		if len(raw) > MaxResultSize {
			return newError(CodeTooLarge, src, "result is %d bytes, limit %d", len(raw), MaxResultSize)
		}
		return nil
	}
}

// ProcessEnvSource reads the process environment; the terminal fallback for
// $env lookups.
type ProcessEnvSource struct{}

// Get implements EnvSource.
func (ProcessEnvSource) Get(name string) (string, bool) {
	return os.LookupEnv(name)
}
