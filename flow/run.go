package flow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/canalhq/canal/flow/broadcast"
	"github.com/canalhq/canal/flow/expression"
	"github.com/canalhq/canal/flow/journal"
	"github.com/canalhq/canal/flow/node"
)

// settleGrace is how long a canceled execution waits for in-flight nodes
// before finalizing without them.
const settleGrace = 5 * time.Second

// Skip reasons recorded on NodeExecution rows that never ran.
const (
	skipReasonDisabled = "disabled"
	skipReasonPruned   = "pruned-by-branch"
)

// nodeDone is a worker's report back to the scheduler loop.
type nodeDone struct {
	id  string
	row *journal.NodeExecution
	res node.Result
}

// nodeFailure captures the first terminal node failure that had no error
// route; it decides the execution's terminal status.
type nodeFailure struct {
	nodeID   string
	nodeName string
	message  string
	retries  int
}

// run is one execution in flight. The loop goroutine owns all scheduler
// state; workers only run node attempts and report through doneCh.
type run struct {
	eng   *Engine
	wf    *Workflow
	def   *Definition
	graph *Graph
	kinds map[string]node.Kind

	trigger  map[string]any
	parallel bool
	conc     int
	loc      *time.Location

	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopTimer context.CancelFunc
	// jctx is the context for journal writes; it must survive execution
	// cancellation so terminal rows still land.
	jctx context.Context

	writer *journal.Writer
	log    zerolog.Logger

	// pubMu pairs each journal write with its broadcast event so the
	// per-execution event order matches journal insertion order.
	pubMu sync.Mutex

	exec *journal.Execution

	completed  map[string]bool
	dispatched map[string]bool
	statuses   map[string]journal.NodeStatus
	outputs    map[string]any
	routes     map[string]map[string]bool
	// nodeEnv feeds $node lookups: display-name -> {"data": output}.
	nodeEnv map[string]any

	order    int
	inflight int
	doneCh   chan nodeDone
	path     []string
	executed int
	skipped  int
	failed   int
	failure  *nodeFailure

	finished chan struct{}
}

func (e *Engine) newRun(parent context.Context, wf *Workflow, def *Definition, g *Graph, kinds map[string]node.Kind, trigger map[string]any) *run {
	execID := newExecutionID()
	loc := time.UTC
	if tz := def.Settings.Timezone; tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}

	ctx, cancel := context.WithCancelCause(parent)
	stopTimer := context.CancelFunc(func() {})
	if budget := def.Settings.Timeout(e.cfg.ExecutionTimeout); budget > 0 {
		ctx, stopTimer = context.WithTimeoutCause(ctx, budget, timeoutCause{budget})
	}

	r := &run{
		eng:        e,
		wf:         wf,
		def:        def,
		graph:      g,
		kinds:      kinds,
		trigger:    trigger,
		parallel:   def.Settings.ExecMode() == ModeParallel,
		conc:       def.Settings.Concurrency(),
		loc:        loc,
		ctx:        ctx,
		cancel:     cancel,
		stopTimer:  stopTimer,
		jctx:       context.WithoutCancel(parent),
		writer:     journal.NewWriter(e.store, e.writerOpts),
		log:        e.log.With().Str("execution_id", execID).Str("workflow_id", wf.ID).Logger(),
		completed:  make(map[string]bool, g.Len()),
		dispatched: make(map[string]bool, g.Len()),
		statuses:   make(map[string]journal.NodeStatus, g.Len()),
		outputs:    make(map[string]any, g.Len()),
		routes:     make(map[string]map[string]bool, g.Len()),
		nodeEnv:    make(map[string]any, g.Len()),
		doneCh:     make(chan nodeDone, g.Len()),
		finished:   make(chan struct{}),
	}
	r.exec = &journal.Execution{
		ID:           execID,
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Environment:  string(wf.Environment),
		Status:       journal.StatusRunning,
		StartedAt:    e.clock.Now().UTC(),
		TriggerMode:  triggerMode(g),
		TriggerData:  trigger,
	}
	return r
}

// begin writes the Running execution row and announces it. Called before
// the loop goroutine starts so Submit returns with the row in place.
func (r *run) begin() error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if err := r.writer.CreateExecution(r.jctx, r.exec); err != nil {
		return fmt.Errorf("create execution row: %w", err)
	}
	snap := *r.exec
	ev := r.event(broadcast.TypeExecutionStarted)
	ev.Execution = &snap
	r.eng.hub.Publish(ev)
	r.eng.metrics.execStarted()
	r.log.Info().Str("workflow", r.wf.Name).Str("trigger_mode", r.exec.TriggerMode).Msg("execution started")
	return nil
}

func (r *run) run() {
	defer r.eng.wg.Done()
	left := r.loop()
	r.finalize(left)
	r.eng.forget(r.exec.ID)
	close(r.finished)
	r.stopTimer()
	r.cancel(nil)
	if left > 0 {
		r.eng.wg.Add(1)
		go func() {
			defer r.eng.wg.Done()
			r.drain(left)
		}()
		return
	}
	r.teardown()
}

// loop dispatches ready nodes and settles completions until the execution
// has nothing left to do. It returns how many workers were still in
// flight when the grace window elapsed; 0 in every other case.
func (r *run) loop() int {
	for {
		r.dispatch()
		if r.inflight == 0 {
			return 0
		}
		select {
		case d := <-r.doneCh:
			r.settle(d)
		case <-r.ctx.Done():
			return r.grace()
		}
	}
}

// grace drains in-flight nodes after cancellation, for at most
// settleGrace.
func (r *run) grace() int {
	deadline := r.eng.clock.After(settleGrace)
	for r.inflight > 0 {
		select {
		case d := <-r.doneCh:
			r.settle(d)
		case <-deadline:
			r.log.Warn().Int("stragglers", r.inflight).Msg("grace window elapsed with nodes still in flight")
			return r.inflight
		}
	}
	return 0
}

// dispatch starts or skips every ready node the mode's concurrency
// allows. Skipping completes nodes, which can make successors ready, so
// it iterates to a fixed point.
func (r *run) dispatch() {
	if r.failure != nil || r.ctx.Err() != nil {
		return
	}
	for changed := true; changed; {
		changed = false
		for _, id := range r.graph.Ready(r.completed) {
			if r.dispatched[id] {
				continue
			}
			n := r.graph.NodeByID(id)
			switch {
			case n.Disabled:
				r.skipNode(n, skipReasonDisabled)
				changed = true
			case len(r.graph.Inbound(id)) > 0 && !r.anyLiveInbound(id):
				r.skipNode(n, skipReasonPruned)
				changed = true
			case r.canStart():
				r.startNode(n)
				changed = true
			}
		}
	}
}

func (r *run) canStart() bool {
	if r.parallel {
		return r.inflight < r.conc
	}
	return r.inflight == 0
}

// skipNode records a node that will never run. Disabled nodes pass their
// live input through so dependents still fire; pruned nodes deliver
// nothing and prune their own successors in turn.
func (r *run) skipNode(n *Node, reason string) {
	id := n.ID
	r.dispatched[id] = true
	now := r.now()
	row := &journal.NodeExecution{
		ID:           uuid.NewString(),
		ExecutionID:  r.exec.ID,
		NodeID:       id,
		NodeName:     n.DisplayName(),
		Status:       journal.NodeSkipped,
		StartedAt:    now,
		FinishedAt:   &now,
		ErrorMessage: reason,
		Order:        r.nextOrder(),
	}
	if reason == skipReasonDisabled {
		data := primaryOf(r.buildInputs(id))
		row.Output = data
		r.outputs[id] = data
		r.nodeEnv[n.DisplayName()] = map[string]any{"data": data}
	} else {
		r.routes[id] = map[string]bool{}
	}
	r.statuses[id] = journal.NodeSkipped
	r.completed[id] = true
	r.skipped++

	r.pubMu.Lock()
	if err := r.writer.CreateNodeExecution(r.jctx, row); err != nil {
		r.log.Error().Err(err).Str("node_id", id).Msg("journal create failed for skipped node")
	}
	snap := *row
	started := r.event(broadcast.TypeNodeStarted)
	started.Node = &snap
	r.eng.hub.Publish(started)
	done := r.event(broadcast.TypeNodeCompleted)
	done.Node = &snap
	r.eng.hub.Publish(done)
	r.pubMu.Unlock()

	r.eng.metrics.nodeFinished(n.Kind, string(journal.NodeSkipped), 0)
}

// startNode snapshots the node's inputs and expression context, writes
// the Pending row, announces the start, and hands the attempt to a
// worker.
func (r *run) startNode(n *Node) {
	id := n.ID
	r.dispatched[id] = true
	r.inflight++

	inputs := r.buildInputs(id)
	primary := primaryOf(inputs)
	if len(inputs) == 0 && r.trigger != nil {
		primary = r.trigger
	}
	exprCtx := r.exprContext(primary)

	// Order is assigned when the row turns terminal so Path stays ordered
	// by it even when parallel nodes finish out of dispatch order.
	row := &journal.NodeExecution{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ID,
		NodeID:      id,
		NodeName:    n.DisplayName(),
		Status:      journal.NodePending,
		StartedAt:   r.now(),
		Input:       primary,
	}
	r.pubMu.Lock()
	if err := r.writer.CreateNodeExecution(r.jctx, row); err != nil {
		r.log.Error().Err(err).Str("node_id", id).Msg("journal create failed for node")
	}
	snap := *row
	ev := r.event(broadcast.TypeNodeStarted)
	ev.Node = &snap
	r.eng.hub.Publish(ev)
	r.pubMu.Unlock()

	go r.worker(n, row, inputs, primary, exprCtx)
}

func (r *run) worker(n *Node, row *journal.NodeExecution, inputs []node.Input, primary any, exprCtx *expression.Context) {
	res := r.attempt(n, row, inputs, primary, exprCtx)
	r.doneCh <- nodeDone{id: n.ID, row: row, res: res}
}

// attempt resolves the node's parameters and runs it, retrying per the
// node's policy. Resolution failures are terminal; they never retry.
func (r *run) attempt(n *Node, row *journal.NodeExecution, inputs []node.Input, primary any, exprCtx *expression.Context) node.Result {
	kind := r.kinds[n.ID]
	rc := &node.RunContext{
		ExecutionID:    r.exec.ID,
		WorkflowID:     r.wf.ID,
		WorkflowName:   r.wf.Name,
		Environment:    string(r.wf.Environment),
		NodeID:         n.ID,
		NodeName:       n.DisplayName(),
		Variables:      r.def.Variables,
		Trigger:        r.trigger,
		Input:          primary,
		Inputs:         inputs,
		Evaluator:      r.eng.eval,
		Expr:           exprCtx,
		CredentialRefs: n.Credentials,
		Credentials:    r.eng.creds,
		Clock:          r.eng.clock,
		Log:            r.nodeLog(n),
	}

	params, perr := node.ResolveParams(r.ctx, kind.Definition(), n.Parameters, rc)
	if perr != nil {
		return node.Result{Err: perr}
	}
	row.Status = journal.NodeRunning
	r.updateRow(row)

	retries := n.Retry.Retries()
	for attempt := 0; ; attempt++ {
		rc.Attempt = attempt
		res := r.invoke(n, kind, params, rc)
		if res.OK() {
			return res
		}
		if !res.Err.Retryable() || attempt >= retries || r.ctx.Err() != nil {
			return res
		}
		row.RetryCount = attempt + 1
		r.updateRow(row)
		r.eng.metrics.nodeRetried()
		delay := retryDelay(n.Retry, attempt)
		r.log.Debug().Str("node_id", n.ID).Int("attempt", attempt).
			Dur("delay", delay).Str("error", res.Err.Message).Msg("retrying node")
		select {
		case <-r.eng.clock.After(delay):
		case <-r.ctx.Done():
			return res
		}
	}
}

// invoke runs a single attempt under the tighter of the node's own
// timeout and the execution budget. Panics become retryable execution
// errors with the stack preserved in log metadata.
func (r *run) invoke(n *Node, kind node.Kind, params node.Params, rc *node.RunContext) (res node.Result) {
	defer func() {
		if p := recover(); p != nil {
			r.appendLog(journal.LogEntry{
				ExecutionID: r.exec.ID,
				Timestamp:   r.now(),
				Level:       journal.LevelError,
				Message:     "node panicked",
				NodeID:      n.ID,
				NodeName:    n.DisplayName(),
				Metadata:    map[string]any{"panic": fmt.Sprint(p), "stack": string(debug.Stack())},
			})
			res = node.FailWith(node.ExecutionKind, "node panicked", fmt.Errorf("%v", p))
		}
	}()

	ctx := r.ctx
	if d := n.Timeout(); d > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(r.ctx, d)
		defer stop()
	}
	return kind.Execute(ctx, params, rc)
}

// settle folds a worker's result into the scheduler state and decides
// whether the execution continues.
func (r *run) settle(d nodeDone) {
	r.inflight--
	n := r.graph.NodeByID(d.id)
	name := n.DisplayName()
	row, res := d.row, d.res
	now := r.now()
	row.FinishedAt = &now
	row.DurationMS = now.Sub(row.StartedAt).Milliseconds()
	row.Order = r.nextOrder()

	switch {
	case res.OK():
		row.Status = journal.NodeSuccess
		row.Output = res.Data
		r.outputs[d.id] = res.Data
		r.routes[d.id] = routeSet(res.Route)
		r.nodeEnv[name] = map[string]any{"data": res.Data}
		r.executed++
		r.path = append(r.path, d.id)
	case r.ctx.Err() != nil:
		row.Status = journal.NodeCanceled
		row.ErrorMessage = errMessage(res.Err)
		r.failed++
		r.path = append(r.path, d.id)
	default:
		row.Status = journal.NodeError
		row.ErrorMessage = errMessage(res.Err)
		r.failed++
		r.path = append(r.path, d.id)
		payload := errorPayload(n, row, res.Err)
		r.outputs[d.id] = payload
		r.nodeEnv[name] = map[string]any{"data": payload}
	}
	r.statuses[d.id] = row.Status
	r.completed[d.id] = true

	r.pubMu.Lock()
	if err := r.writer.UpdateNodeExecution(r.jctx, row); err != nil {
		r.log.Error().Err(err).Str("node_id", d.id).Msg("journal update failed for node")
	}
	snap := *row
	ev := r.event(broadcast.TypeNodeCompleted)
	ev.Node = &snap
	r.eng.hub.Publish(ev)
	r.pubMu.Unlock()

	r.eng.metrics.nodeFinished(n.Kind, string(row.Status), time.Duration(row.DurationMS)*time.Millisecond)

	if row.Status != journal.NodeError {
		return
	}
	if r.hasErrorRoute(d.id) {
		r.log.Warn().Str("node_id", d.id).Str("error", row.ErrorMessage).Msg("node failed, continuing on error route")
		return
	}
	r.failure = &nodeFailure{nodeID: d.id, nodeName: name, message: row.ErrorMessage, retries: row.RetryCount}
	if r.parallel && r.inflight > 0 {
		r.cancel(errNodeFailed)
	}
}

// finalize writes the terminal execution snapshot and emits the completed
// event, which also closes per-execution subscriptions. Stragglers still
// in flight are counted as failed; drain settles their rows afterward.
func (r *run) finalize(stragglers int) {
	now := r.now()
	ex := r.exec
	ex.FinishedAt = &now
	ex.DurationMS = now.Sub(ex.StartedAt).Milliseconds()
	ex.NodesExecuted = r.executed
	ex.NodesSkipped = r.skipped
	ex.NodesFailed = r.failed + stragglers
	ex.Path = r.path

	cause := context.Cause(r.ctx)
	var budget timeoutCause
	switch {
	case r.failure != nil:
		ex.Status = journal.StatusError
		ex.ErrorMessage = fmt.Sprintf("node %q failed: %s", r.failure.nodeName, r.failure.message)
	case cause != nil && errors.As(cause, &budget):
		ex.Status = journal.StatusTimeout
		ex.ErrorMessage = budget.Error()
	case r.ctx.Err() != nil:
		ex.Status = journal.StatusCanceled
		if cause != nil && !errors.Is(cause, context.Canceled) {
			ex.ErrorMessage = cause.Error()
		} else {
			ex.ErrorMessage = "execution canceled"
		}
	default:
		ex.Status = journal.StatusSuccess
	}

	r.pubMu.Lock()
	if err := r.writer.FinishExecution(r.jctx, ex); err != nil {
		r.log.Error().Err(err).Msg("journal finish failed, execution stays running in the store")
	}
	snap := *ex
	ev := r.event(broadcast.TypeExecutionCompleted)
	ev.Execution = &snap
	r.eng.hub.Publish(ev)
	r.pubMu.Unlock()

	r.eng.metrics.execFinished(string(ex.Status))
	r.log.Info().Str("status", string(ex.Status)).Int64("duration_ms", ex.DurationMS).
		Int("nodes_executed", ex.NodesExecuted).Int("nodes_skipped", ex.NodesSkipped).
		Int("nodes_failed", ex.NodesFailed).Msg("execution finished")

	if ex.Status == journal.StatusError && r.def.Settings.ErrorWorkflowID != "" && r.eng.onError != nil {
		f := Failure{
			ExecutionID:  ex.ID,
			WorkflowID:   ex.WorkflowID,
			WorkflowName: ex.WorkflowName,
			Message:      ex.ErrorMessage,
			FinishedAt:   now,
		}
		if r.failure != nil {
			f.NodeID = r.failure.nodeID
			f.NodeName = r.failure.nodeName
			f.RetryCount = r.failure.retries
		}
		go r.eng.onError(r.jctx, r.def.Settings.ErrorWorkflowID, f)
	}
}

// drain settles stragglers after finalize. The events channel is closed
// by then, so these rows reach the journal only.
func (r *run) drain(stragglers int) {
	for i := 0; i < stragglers; i++ {
		d := <-r.doneCh
		now := r.now()
		row := d.row
		row.Status = journal.NodeCanceled
		row.FinishedAt = &now
		row.DurationMS = now.Sub(row.StartedAt).Milliseconds()
		row.Order = r.nextOrder()
		if d.res.Err != nil {
			row.ErrorMessage = errMessage(d.res.Err)
		}
		r.updateRow(row)
		r.writer.Log(journal.LogEntry{
			ExecutionID: r.exec.ID,
			Timestamp:   now,
			Level:       journal.LevelWarn,
			Message:     "node settled after execution finalized",
			NodeID:      row.NodeID,
			NodeName:    row.NodeName,
		})
		r.log.Warn().Str("node_id", row.NodeID).Msg("straggler node settled after finalize")
	}
	r.teardown()
}

func (r *run) teardown() {
	r.writer.Release(r.exec.ID)
	if err := r.writer.Close(); err != nil {
		r.log.Error().Err(err).Msg("journal writer close failed")
	}
	r.eng.logDrops.Add(r.writer.Dropped())
}

func (r *run) updateRow(row *journal.NodeExecution) {
	if err := r.writer.UpdateNodeExecution(r.jctx, row); err != nil {
		r.log.Error().Err(err).Str("node_id", row.NodeID).Msg("journal update failed for node")
	}
}

// appendLog journals one line and mirrors it onto the event stream.
func (r *run) appendLog(entry journal.LogEntry) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.writer.Log(entry)
	ev := r.event(broadcast.TypeLog)
	ev.Entry = &entry
	r.eng.hub.Publish(ev)
}

func (r *run) nodeLog(n *Node) node.LogFunc {
	return func(level journal.Level, msg string, meta map[string]any) {
		r.appendLog(journal.LogEntry{
			ExecutionID: r.exec.ID,
			Timestamp:   r.now(),
			Level:       level,
			Message:     msg,
			NodeID:      n.ID,
			NodeName:    n.DisplayName(),
			Metadata:    meta,
		})
	}
}

func (r *run) event(t broadcast.Type) broadcast.Event {
	return broadcast.Event{
		Type:        t,
		ExecutionID: r.exec.ID,
		WorkflowID:  r.exec.WorkflowID,
		Timestamp:   r.now(),
	}
}

// edgeLive reports whether a decided edge carries data. Success and
// disabled-skip route by the source's selected outputs; terminal failure
// lights only error-named edges; pruned and canceled sources light none.
func (r *run) edgeLive(e Edge) bool {
	switch r.statuses[e.From] {
	case journal.NodeSuccess, journal.NodeSkipped:
		return e.Output != OutputError && r.routed(e.From, e.Output)
	case journal.NodeError:
		return e.Output == OutputError
	default:
		return false
	}
}

func (r *run) routed(id, output string) bool {
	set := r.routes[id]
	if set == nil {
		return true
	}
	return set[output]
}

func (r *run) anyLiveInbound(id string) bool {
	for _, e := range r.graph.Inbound(id) {
		if r.edgeLive(e) {
			return true
		}
	}
	return false
}

func (r *run) hasErrorRoute(id string) bool {
	for _, e := range r.graph.Outbound(id) {
		if e.Output == OutputError {
			return true
		}
	}
	return false
}

// buildInputs snapshots every inbound connection's payload, live or not,
// in declaration order.
func (r *run) buildInputs(id string) []node.Input {
	edges := r.graph.Inbound(id)
	if len(edges) == 0 {
		return nil
	}
	ins := make([]node.Input, 0, len(edges))
	for _, e := range edges {
		src := r.graph.NodeByID(e.From)
		ins = append(ins, node.Input{
			NodeID:   e.From,
			NodeName: src.DisplayName(),
			Output:   e.Output,
			Data:     r.outputs[e.From],
			Live:     r.edgeLive(e),
		})
	}
	return ins
}

func primaryOf(inputs []node.Input) any {
	for _, in := range inputs {
		if in.Live {
			return in.Data
		}
	}
	return nil
}

func (r *run) exprContext(item any) *expression.Context {
	nodes := make(map[string]any, len(r.nodeEnv))
	for k, v := range r.nodeEnv {
		nodes[k] = v
	}
	return &expression.Context{
		WorkflowID:   r.wf.ID,
		WorkflowName: r.wf.Name,
		Variables:    r.def.Variables,
		Nodes:        nodes,
		Item:         item,
		Location:     r.loc,
	}
}

func (r *run) now() time.Time { return r.eng.clock.Now().UTC() }

func (r *run) nextOrder() int {
	o := r.order
	r.order++
	return o
}

func routeSet(rt *node.Route) map[string]bool {
	if rt == nil {
		return nil
	}
	set := make(map[string]bool, len(rt.Outputs))
	for _, o := range rt.Outputs {
		set[o] = true
	}
	return set
}

// errMessage renders a node error as its message plus the first line of
// any cause.
func errMessage(err *node.Error) string {
	if err == nil {
		return ""
	}
	if err.Cause == nil {
		return err.Message
	}
	line := err.Cause.Error()
	for i := 0; i < len(line); i++ {
		if line[i] == '\n' {
			line = line[:i]
			break
		}
	}
	return err.Message + ": " + line
}

// errorPayload is the data a terminally failed node hands to successors
// on its error output.
func errorPayload(n *Node, row *journal.NodeExecution, err *node.Error) map[string]any {
	return map[string]any{
		"error":       errMessage(err),
		"kind":        string(err.Kind),
		"node_id":     n.ID,
		"node_name":   n.DisplayName(),
		"retry_count": row.RetryCount,
	}
}
