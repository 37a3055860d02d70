// Package flow executes workflow definitions: directed acyclic graphs of
// typed nodes wired by named outputs. The engine validates a definition,
// clones it, and schedules ready nodes sequentially or in parallel,
// resolving {{ … }} parameter expressions against the accumulated outputs
// of earlier nodes. Every run is recorded in a journal store and streamed
// over a broadcast hub; failures retry per node policy, route to error
// outputs when wired, and otherwise abort the run.
package flow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/canalhq/canal/flow/broadcast"
	"github.com/canalhq/canal/flow/expression"
	"github.com/canalhq/canal/flow/journal"
	"github.com/canalhq/canal/flow/node"
)

// Internal cancellation causes, distinguished when the terminal status is
// decided.
var (
	errCanceledByCaller = errors.New("canceled by caller")
	errEngineShutdown   = errors.New("engine shutting down")
	errNodeFailed       = errors.New("a node failed without an error route")
)

// timeoutCause marks an execution-level deadline so it is told apart from
// cancellation cascading in from an outer context.
type timeoutCause struct{ budget time.Duration }

func (t timeoutCause) Error() string {
	return fmt.Sprintf("execution exceeded its %s budget", t.budget)
}

// Engine runs workflows. It is safe for concurrent use; one engine serves
// the whole process.
type Engine struct {
	registry *node.Registry
	store    journal.Store
	hub      *broadcast.Hub
	ownsHub  bool
	eval     *expression.Evaluator

	log     zerolog.Logger
	clock   Clock
	creds   CredentialProvider
	env     EnvironmentProvider
	metrics *Metrics
	onError ErrorHandler
	cfg     Config

	writerOpts journal.WriterOptions

	// sem caps concurrently running executions when configured.
	sem chan struct{}

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup

	logDrops atomic.Int64
}

// New builds an engine over a node registry, a journal store, and a
// broadcast hub. A nil registry means the builtin kinds; a nil hub gets a
// private one that Close tears down.
func New(registry *node.Registry, store journal.Store, hub *broadcast.Hub, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		store:    store,
		hub:      hub,
		log:      zerolog.Nop(),
		clock:    SystemClock(),
		cfg:      DefaultConfig(),
		runs:     make(map[string]*run),
	}
	if e.registry == nil {
		e.registry = node.Builtin()
	}
	if e.hub == nil {
		e.hub = broadcast.NewHub()
		e.ownsHub = true
	}
	for _, opt := range opts {
		opt(e)
	}

	exprOpts := []expression.Option{expression.WithClock(e.clock)}
	if e.env != nil {
		exprOpts = append(exprOpts, expression.WithEnvSource(e.env))
	}
	if e.cfg.ExpressionTimeout > 0 {
		exprOpts = append(exprOpts, expression.WithTimeout(e.cfg.ExpressionTimeout))
	}
	e.eval = expression.New(exprOpts...)

	if e.cfg.MaxConcurrentExecutions > 0 {
		e.sem = make(chan struct{}, e.cfg.MaxConcurrentExecutions)
	}
	if e.writerOpts.Logger == nil {
		e.writerOpts.Logger = &e.log
	}
	if e.writerOpts.Now == nil {
		e.writerOpts.Now = e.clock.Now
	}
	e.metrics.observeDrops(
		func() float64 { return float64(e.hub.Dropped()) },
		func() float64 { return float64(e.logDrops.Load()) },
	)
	return e
}

// Hub returns the broadcast hub executions publish to.
func (e *Engine) Hub() *broadcast.Hub { return e.hub }

// Evaluator returns the shared expression evaluator.
func (e *Engine) Evaluator() *expression.Evaluator { return e.eval }

// Execute validates wf, runs it with the given trigger payload, and
// returns the terminal execution snapshot. Definition problems surface as
// a DefinitionError before any state is written. Canceling ctx cancels
// the run.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, trigger map[string]any) (*journal.Execution, error) {
	r, err := e.start(ctx, wf, trigger)
	if err != nil {
		return nil, err
	}
	<-r.finished
	return r.exec, nil
}

// Submit starts wf in the background and returns its execution id as soon
// as the Running row exists. The run outlives ctx; use Cancel to stop it.
func (e *Engine) Submit(ctx context.Context, wf *Workflow, trigger map[string]any) (string, error) {
	r, err := e.start(context.WithoutCancel(ctx), wf, trigger)
	if err != nil {
		return "", err
	}
	return r.exec.ID, nil
}

// Cancel stops a running execution. It returns ErrExecutionNotFound when
// the id is unknown or the execution has already settled.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()
	if !ok {
		return ErrExecutionNotFound
	}
	r.cancel(errCanceledByCaller)
	return nil
}

// Close cancels every in-flight execution, waits for them to finalize,
// and rejects further Execute calls. The store is the caller's to close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	active := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		active = append(active, r)
	}
	e.mu.Unlock()

	for _, r := range active {
		r.cancel(errEngineShutdown)
	}
	e.wg.Wait()
	if e.ownsHub {
		e.hub.Close()
	}
	return nil
}

func (e *Engine) start(parent context.Context, wf *Workflow, trigger map[string]any) (*run, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrEngineClosed
	}

	if _, err := Validate(wf, e.registry); err != nil {
		return nil, err
	}
	def, err := wf.Definition.Clone()
	if err != nil {
		return nil, err
	}
	g, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}
	kinds := make(map[string]node.Kind, len(def.Nodes))
	for i := range def.Nodes {
		k, _ := e.registry.Get(def.Nodes[i].Kind)
		kinds[def.Nodes[i].ID] = k
	}

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
		case <-parent.Done():
			return nil, context.Cause(parent)
		}
	}

	r := e.newRun(parent, wf, def, g, kinds, maps.Clone(trigger))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		r.cancel(errEngineShutdown)
		r.writer.Close()
		e.releaseSlot()
		return nil, ErrEngineClosed
	}
	e.runs[r.exec.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	if err := r.begin(); err != nil {
		e.forget(r.exec.ID)
		e.wg.Done()
		r.cancel(errEngineShutdown)
		r.writer.Close()
		return nil, err
	}
	go r.run()
	return r, nil
}

// forget drops the run from the active set and frees its concurrency
// slot. After this, Cancel reports the execution as not found.
func (e *Engine) forget(executionID string) {
	e.mu.Lock()
	delete(e.runs, executionID)
	e.mu.Unlock()
	e.releaseSlot()
}

func (e *Engine) releaseSlot() {
	if e.sem != nil {
		<-e.sem
	}
}

// triggerMode derives the journal's trigger label from the first root
// node's kind.
func triggerMode(g *Graph) string {
	roots := g.Roots()
	if len(roots) == 0 {
		return "manual"
	}
	switch n := g.NodeByID(roots[0]); n.Kind {
	case node.KeyWebhook:
		return "webhook"
	case node.KeySchedule:
		return "schedule"
	case node.KeyStart:
		return "manual"
	default:
		return n.Kind
	}
}

// newExecutionID returns the id for a fresh execution row.
func newExecutionID() string { return uuid.NewString() }
