// Package webhook exposes workflow triggers over HTTP and streams live
// execution events over WebSocket. Requests to /hooks/{path} are packaged
// into the trigger envelope webhook nodes unwrap; authentication and TLS
// are the embedding server's concern.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/canalhq/canal/flow"
	"github.com/canalhq/canal/flow/broadcast"
	"github.com/canalhq/canal/flow/journal"
	"github.com/canalhq/canal/flow/node"
)

// ErrNoWorkflow is returned by a WorkflowSource when no workflow is
// registered for a webhook path.
var ErrNoWorkflow = errors.New("no workflow registered for path")

// DefaultMaxBody caps how much of a hook request body is read.
const DefaultMaxBody = 10 << 20

// writeWait bounds a single WebSocket write.
const writeWait = 10 * time.Second

// WorkflowSource resolves a webhook path to the workflow it triggers.
// Sources see the path with the /hooks/ prefix and surrounding slashes
// stripped.
type WorkflowSource interface {
	FindByWebhook(ctx context.Context, path string) (*flow.Workflow, error)
}

// StaticSource is a fixed path-to-workflow table, enough for tests and
// single-process deployments.
type StaticSource map[string]*flow.Workflow

func (s StaticSource) FindByWebhook(_ context.Context, path string) (*flow.Workflow, error) {
	wf, ok := s[path]
	if !ok {
		return nil, ErrNoWorkflow
	}
	return wf, nil
}

// Engine is the slice of the execution engine the server drives.
type Engine interface {
	Execute(ctx context.Context, wf *flow.Workflow, trigger map[string]any) (*journal.Execution, error)
	Submit(ctx context.Context, wf *flow.Workflow, trigger map[string]any) (string, error)
	Hub() *broadcast.Hub
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// WithMaxBody caps accepted hook request bodies in bytes.
func WithMaxBody(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithEventBuffer sets the per-socket subscription buffer; 0 keeps the
// hub default.
func WithEventBuffer(n int) Option {
	return func(s *Server) { s.buffer = n }
}

// Server terminates webhook triggers and the live event feed.
type Server struct {
	engine   Engine
	source   WorkflowSource
	log      zerolog.Logger
	maxBody  int64
	buffer   int
	upgrader websocket.Upgrader
}

// NewServer builds a webhook server over an engine and a workflow source.
func NewServer(engine Engine, source WorkflowSource, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		source:  source,
		log:     zerolog.Nop(),
		maxBody: DefaultMaxBody,
		// Origin enforcement belongs to the wrapper, with the rest of
		// authentication.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the route table: every method on /hooks/{path} and
// GET /executions/{id}/events.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/", s.handleHook)
	mux.HandleFunc("GET /executions/{id}/events", s.handleEvents)
	return mux
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/hooks/"), "/")
	if path == "" {
		s.writeError(w, http.StatusNotFound, "missing webhook path")
		return
	}

	wf, err := s.source.FindByWebhook(r.Context(), path)
	if err != nil {
		if errors.Is(err, ErrNoWorkflow) {
			s.writeError(w, http.StatusNotFound, "no workflow registered for %q", path)
			return
		}
		s.log.Error().Err(err).Str("path", path).Msg("workflow lookup failed")
		s.writeError(w, http.StatusInternalServerError, "workflow lookup failed")
		return
	}

	hook := webhookNode(wf)
	if hook == nil {
		s.writeError(w, http.StatusUnprocessableEntity, "workflow %q has no webhook trigger", wf.ID)
		return
	}
	if m := declaredMethod(hook); m != "ANY" && m != r.Method {
		w.Header().Set("Allow", m)
		s.writeError(w, http.StatusMethodNotAllowed, "webhook accepts %s, got %s", m, r.Method)
		return
	}

	body, err := readBody(r, s.maxBody)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", s.maxBody)
			return
		}
		s.writeError(w, http.StatusBadRequest, "reading request body: %v", err)
		return
	}

	trigger := map[string]any{
		"method":  r.Method,
		"path":    path,
		"query":   queryMap(r.URL.Query()),
		"headers": headerMap(r.Header),
		"body":    body,
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ex, err := s.engine.Execute(r.Context(), wf, trigger)
		if err != nil {
			s.writeExecuteError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, ex)
		return
	}

	id, err := s.engine.Submit(r.Context(), wf, trigger)
	if err != nil {
		s.writeExecuteError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"execution_id": id,
		"status":       journal.StatusRunning,
	})
}

// handleEvents upgrades to WebSocket and streams one execution's events
// as JSON until the execution completes or the client goes away. An
// execution that already finished streams nothing; callers should read
// the journal instead when the id may be historical.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub := s.engine.Hub().Subscribe(id, s.buffer)
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		s.log.Debug().Err(err).Str("execution_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Surface client disconnects by closing the subscription, which ends
	// the write loop below.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for ev := range sub.Events() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			s.log.Debug().Err(err).Str("execution_id", id).Msg("event write failed, dropping client")
			return
		}
	}

	reason := "execution completed"
	if n := sub.Dropped(); n > 0 {
		reason = fmt.Sprintf("execution completed, %d events dropped", n)
		s.log.Warn().Int64("dropped", n).Str("execution_id", id).Msg("slow websocket client lost events")
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}

func (s *Server) writeExecuteError(w http.ResponseWriter, err error) {
	if de, ok := flow.IsDefinitionError(err); ok {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": de.Error(),
			"code":  de.Code,
		})
		return
	}
	if errors.Is(err, flow.ErrEngineClosed) {
		s.writeError(w, http.StatusServiceUnavailable, "engine is shutting down")
		return
	}
	s.log.Error().Err(err).Msg("execution failed to start")
	s.writeError(w, http.StatusInternalServerError, "starting execution: %v", err)
}

func (s *Server) writeError(w http.ResponseWriter, code int, format string, args ...any) {
	s.writeJSON(w, code, map[string]any{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("response write failed")
	}
}

var errBodyTooLarge = errors.New("request body too large")

// readBody drains up to max bytes and parses JSON payloads when the
// content type declares them; everything else stays a string.
func readBody(r *http.Request, max int64) (any, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > max {
		return nil, errBodyTooLarge
	}
	if len(raw) == 0 {
		return nil, nil
	}
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(ct), "application/json") {
		var parsed any
		if json.Unmarshal(raw, &parsed) == nil {
			return parsed, nil
		}
	}
	return string(raw), nil
}

func queryMap(values map[string][]string) map[string]any {
	out := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func headerMap(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

func webhookNode(wf *flow.Workflow) *flow.Node {
	for i := range wf.Definition.Nodes {
		if wf.Definition.Nodes[i].Kind == node.KeyWebhook {
			return &wf.Definition.Nodes[i]
		}
	}
	return nil
}

func declaredMethod(n *flow.Node) string {
	v, ok := n.Parameters["method"]
	if !ok {
		return "ANY"
	}
	m, _ := v.(string)
	m = strings.ToUpper(strings.TrimSpace(m))
	if m == "" {
		return "ANY"
	}
	return m
}
