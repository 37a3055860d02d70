package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canalhq/canal/flow"
	"github.com/canalhq/canal/flow/broadcast"
	"github.com/canalhq/canal/flow/journal"
	"github.com/canalhq/canal/flow/node"
	"github.com/canalhq/canal/webhook"
)

type rig struct {
	ts     *httptest.Server
	engine *flow.Engine
	store  *journal.MemoryStore
}

func newRig(t *testing.T, registry *node.Registry, source webhook.WorkflowSource, opts ...webhook.Option) *rig {
	t.Helper()
	store := journal.NewMemoryStore()
	eng := flow.New(registry, store, nil)
	ts := httptest.NewServer(webhook.NewServer(eng, source, opts...).Handler())
	t.Cleanup(func() {
		ts.Close()
		eng.Close()
		store.Close()
	})
	return &rig{ts: ts, engine: eng, store: store}
}

// hookWorkflow is a webhook trigger feeding a Set node. An empty method
// accepts any verb.
func hookWorkflow(method string) *flow.Workflow {
	params := map[string]any{"path": "orders"}
	if method != "" {
		params["method"] = method
	}
	return &flow.Workflow{
		ID:          "wf-orders",
		Name:        "Orders",
		Environment: flow.EnvTesting,
		Definition: flow.Definition{
			Nodes: []flow.Node{
				{ID: "hook", Kind: node.KeyWebhook, Name: "Hook", Parameters: params},
				{ID: "ack", Kind: node.KeySet, Name: "Ack", Parameters: map[string]any{
					"values": []any{map[string]any{"name": "ok", "value": true}},
				}},
			},
			Connections: []flow.Connection{
				{From: "hook", To: "ack"},
			},
		},
	}
}

func post(t *testing.T, url, contentType, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, contentType, strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func waitForTerminal(t *testing.T, store *journal.MemoryStore, id string) *journal.Execution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ex, err := store.Execution(context.Background(), id, journal.LoadOpts{WithNodes: true})
		if err == nil && ex.Status.Terminal() {
			return ex
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never finished", id)
	return nil
}

func TestHookSubmitsExecution(t *testing.T) {
	rig := newRig(t, node.Builtin(), webhook.StaticSource{"orders": hookWorkflow("")})

	resp := post(t, rig.ts.URL+"/hooks/orders?source=api", "application/json", `{"order_id": 7}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var ack struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
	}
	decodeBody(t, resp, &ack)
	if ack.ExecutionID == "" || ack.Status != "running" {
		t.Fatalf("ack = %+v", ack)
	}

	ex := waitForTerminal(t, rig.store, ack.ExecutionID)
	if ex.Status != journal.StatusSuccess {
		t.Fatalf("Status = %q: %s", ex.Status, ex.ErrorMessage)
	}
	if ex.TriggerMode != "webhook" {
		t.Errorf("TriggerMode = %q, want webhook", ex.TriggerMode)
	}
	if ex.TriggerData["method"] != "POST" || ex.TriggerData["path"] != "orders" {
		t.Errorf("trigger envelope = %v", ex.TriggerData)
	}
	body, _ := ex.TriggerData["body"].(map[string]any)
	if body["order_id"] != float64(7) {
		t.Errorf("trigger body = %v", ex.TriggerData["body"])
	}
	query, _ := ex.TriggerData["query"].(map[string]any)
	if query["source"] != "api" {
		t.Errorf("trigger query = %v", ex.TriggerData["query"])
	}
	headers, _ := ex.TriggerData["headers"].(map[string]any)
	if ct, _ := headers["Content-Type"].(string); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("trigger headers = %v", ex.TriggerData["headers"])
	}
}

func TestHookWaitReturnsFinishedExecution(t *testing.T) {
	rig := newRig(t, node.Builtin(), webhook.StaticSource{"orders": hookWorkflow("")})

	resp := post(t, rig.ts.URL+"/hooks/orders?wait=true", "application/json", `{"value": 1}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var ex journal.Execution
	decodeBody(t, resp, &ex)
	if ex.Status != journal.StatusSuccess {
		t.Fatalf("Status = %q: %s", ex.Status, ex.ErrorMessage)
	}
	if ex.NodesExecuted != 2 {
		t.Errorf("NodesExecuted = %d, want 2", ex.NodesExecuted)
	}
	if len(ex.Path) != 2 || ex.Path[0] != "hook" || ex.Path[1] != "ack" {
		t.Errorf("Path = %v, want [hook ack]", ex.Path)
	}

	stored, err := rig.store.Execution(context.Background(), ex.ID, journal.LoadOpts{WithNodes: true})
	if err != nil {
		t.Fatalf("loading execution: %v", err)
	}
	var hookOut map[string]any
	for _, row := range stored.Nodes {
		if row.NodeID == "hook" {
			hookOut, _ = row.Output.(map[string]any)
		}
	}
	if hookOut == nil {
		t.Fatal("no output recorded for the webhook node")
	}
	payload, _ := hookOut["body"].(map[string]any)
	if hookOut["method"] != "POST" || payload["value"] != float64(1) {
		t.Errorf("webhook node output = %v", hookOut)
	}
}

func TestHookKeepsNonJSONBodyAsString(t *testing.T) {
	rig := newRig(t, node.Builtin(), webhook.StaticSource{"orders": hookWorkflow("")})

	resp := post(t, rig.ts.URL+"/hooks/orders?wait=true", "text/plain", "hello world")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var ex journal.Execution
	decodeBody(t, resp, &ex)
	if body := ex.TriggerData["body"]; body != "hello world" {
		t.Errorf("trigger body = %#v, want the raw string", body)
	}
}

func TestHookUnknownPath(t *testing.T) {
	rig := newRig(t, node.Builtin(), webhook.StaticSource{})

	for _, path := range []string{"/hooks/ghost", "/hooks/"} {
		resp := post(t, rig.ts.URL+path, "application/json", `{}`)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("POST %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestHookEnforcesDeclaredMethod(t *testing.T) {
	rig := newRig(t, node.Builtin(), webhook.StaticSource{
		"orders": hookWorkflow("POST"),
		"open":   hookWorkflow(""),
	})

	resp, err := http.Get(rig.ts.URL + "/hooks/orders")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "POST" {
		t.Errorf("Allow = %q, want POST", allow)
	}

	// A workflow that declares no method takes any verb. The open fixture
	// shares the declared path, but lookup goes by URL, not by parameter.
	req, _ := http.NewRequest(http.MethodDelete, rig.ts.URL+"/hooks/open", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer del.Body.Close()
	if del.StatusCode != http.StatusAccepted {
		t.Errorf("DELETE status = %d, want 202", del.StatusCode)
	}
}

func TestHookRejectsOversizedBody(t *testing.T) {
	rig := newRig(t, node.Builtin(), webhook.StaticSource{"orders": hookWorkflow("")},
		webhook.WithMaxBody(16))

	resp := post(t, rig.ts.URL+"/hooks/orders", "application/json",
		`{"padding": "0123456789abcdef"}`)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestHookWorkflowWithoutWebhookTrigger(t *testing.T) {
	wf := &flow.Workflow{
		ID:          "wf-manual",
		Name:        "Manual",
		Environment: flow.EnvTesting,
		Definition: flow.Definition{
			Nodes: []flow.Node{{ID: "start", Kind: node.KeyStart, Name: "Start"}},
		},
	}
	rig := newRig(t, node.Builtin(), webhook.StaticSource{"manual": wf})

	resp := post(t, rig.ts.URL+"/hooks/manual", "application/json", `{}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestHookSurfacesDefinitionErrors(t *testing.T) {
	wf := hookWorkflow("")
	wf.Definition.Nodes = append(wf.Definition.Nodes, flow.Node{ID: "mystery", Kind: "no_such_kind"})
	wf.Definition.Connections = append(wf.Definition.Connections, flow.Connection{From: "ack", To: "mystery"})
	rig := newRig(t, node.Builtin(), webhook.StaticSource{"orders": wf})

	resp := post(t, rig.ts.URL+"/hooks/orders", "application/json", `{}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	decodeBody(t, resp, &body)
	if body.Code != string(flow.CodeUnknownKind) {
		t.Errorf("code = %q, want %q", body.Code, flow.CodeUnknownKind)
	}
	if !strings.Contains(body.Error, "no_such_kind") {
		t.Errorf("error = %q, should name the unknown kind", body.Error)
	}
}

func TestHookAfterEngineClose(t *testing.T) {
	rig := newRig(t, node.Builtin(), webhook.StaticSource{"orders": hookWorkflow("")})
	rig.engine.Close()

	resp := post(t, rig.ts.URL+"/hooks/orders", "application/json", `{}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

// hold blocks mid-workflow until released, giving tests a window to attach
// a WebSocket before the remaining events flow.
type hold struct {
	entered chan struct{}
	release chan struct{}
}

func newHold() *hold {
	return &hold{entered: make(chan struct{}), release: make(chan struct{})}
}

func (*hold) Definition() node.Definition {
	return node.Definition{
		Key:      "hold",
		Name:     "Hold",
		Category: node.CategoryUtility,
		Outputs:  []node.OutputSpec{{Name: "main"}},
	}
}

func (h *hold) Execute(ctx context.Context, _ node.Params, _ *node.RunContext) node.Result {
	close(h.entered)
	select {
	case <-h.release:
		return node.Success(map[string]any{"held": true})
	case <-ctx.Done():
		return node.Fail(node.CanceledKind, "canceled while holding")
	}
}

func TestEventsStreamUntilExecutionCompletes(t *testing.T) {
	h := newHold()
	registry := node.Builtin()
	registry.MustRegister(h)

	wf := hookWorkflow("")
	wf.Definition.Nodes = append(wf.Definition.Nodes, flow.Node{ID: "hold", Kind: "hold", Name: "Hold"})
	wf.Definition.Connections = append(wf.Definition.Connections, flow.Connection{From: "ack", To: "hold"})
	rig := newRig(t, registry, webhook.StaticSource{"orders": wf})

	resp := post(t, rig.ts.URL+"/hooks/orders", "application/json", `{}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var ack struct {
		ExecutionID string `json:"execution_id"`
	}
	decodeBody(t, resp, &ack)

	select {
	case <-h.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("workflow never reached the hold node")
	}

	wsURL := "ws" + strings.TrimPrefix(rig.ts.URL, "http") + "/executions/" + ack.ExecutionID + "/events"
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	close(h.release)

	var events []broadcast.Event
	for {
		var ev broadcast.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("reading events: %v", err)
			}
			break
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("no events arrived before the close frame")
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence != events[i-1].Sequence+1 {
			t.Errorf("sequence gap between events %d and %d: %d -> %d",
				i-1, i, events[i-1].Sequence, events[i].Sequence)
		}
	}
	var sawHold bool
	for _, ev := range events {
		if ev.Type == broadcast.TypeNodeCompleted && ev.Node != nil && ev.Node.NodeID == "hold" {
			sawHold = true
		}
	}
	if !sawHold {
		t.Error("stream is missing node.completed for the held node")
	}
	last := events[len(events)-1]
	if last.Type != broadcast.TypeExecutionCompleted {
		t.Fatalf("last event = %s, want %s", last.Type, broadcast.TypeExecutionCompleted)
	}
	if last.Execution == nil || last.Execution.Status != journal.StatusSuccess {
		t.Errorf("completion snapshot = %+v", last.Execution)
	}
}

func TestEventsUpgradeRequired(t *testing.T) {
	rig := newRig(t, node.Builtin(), webhook.StaticSource{})

	resp, err := http.Get(rig.ts.URL + "/executions/whatever/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("plain GET status = %d, want 400 from the upgrader", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
}
