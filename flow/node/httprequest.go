package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/canalhq/canal/flow/journal"
)

// DefaultMaxResponseBody caps how much of an HTTP response is read.
const DefaultMaxResponseBody = 10 << 20

// HTTPRequest performs an outbound HTTP call. Any received response is a
// node success carrying an isSuccess flag; set failOnError to turn non-2xx
// statuses into retryable failures. Transport errors always fail the node.
type HTTPRequest struct {
	Client  *http.Client
	MaxBody int64
}

// NewHTTPRequest returns the kind with a default client and response cap.
func NewHTTPRequest() *HTTPRequest {
	return &HTTPRequest{Client: &http.Client{}, MaxBody: DefaultMaxResponseBody}
}

func (*HTTPRequest) Definition() Definition {
	return Definition{
		Key:      KeyHTTPRequest,
		Name:     "HTTP Request",
		Category: CategoryAction,
		Outputs:  mainOutputs(),
		Params: []ParamSpec{
			{
				Name: "url", Label: "URL", Type: ParamString, Required: true,
				Validation: &Validation{MinLength: 1, MaxLength: 2000},
			},
			{
				Name: "method", Label: "Method", Type: ParamSelect,
				Options: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
				Default: "GET",
			},
			{Name: "headers", Label: "Headers", Type: ParamObject},
			{Name: "query", Label: "Query Parameters", Type: ParamObject},
			{
				Name: "auth", Label: "Authentication", Type: ParamSelect,
				Options: []string{"none", "basic", "bearer"},
				Default: "none",
			},
			{Name: "user", Label: "User", Type: ParamString, VisibleWhen: &Condition{Param: "auth", In: []any{"basic"}}},
			{Name: "password", Label: "Password", Type: ParamString, VisibleWhen: &Condition{Param: "auth", In: []any{"basic"}}},
			{Name: "token", Label: "Token", Type: ParamString, VisibleWhen: &Condition{Param: "auth", In: []any{"bearer"}}},
			{
				Name: "timeout", Label: "Timeout (s)", Type: ParamNumber,
				Default: float64(30), Validation: &Validation{Min: floatPtr(1), Max: floatPtr(300)},
			},
			{Name: "failOnError", Label: "Fail On Error Status", Type: ParamBoolean, Default: false},
		},
	}
}

func (h *HTTPRequest) Execute(ctx context.Context, p Params, rc *RunContext) Result {
	target, err := url.Parse(p.String("url"))
	if err != nil {
		return FailWith(ValidationKind, "invalid url", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return Fail(ValidationKind, "url scheme must be http or https, got %q", target.Scheme)
	}

	if q := p.Map("query"); len(q) > 0 {
		values := target.Query()
		for k, v := range q {
			values.Set(k, paramText(v))
		}
		target.RawQuery = values.Encode()
	}

	method := strings.ToUpper(p.StringOr("method", http.MethodGet))
	body, contentType, berr := requestBody(p.Raw("body"))
	if berr != nil {
		return FailWith(ValidationKind, "encoding request body", berr)
	}

	timeout := time.Duration(p.Float("timeout", 30) * float64(time.Second))
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, method, target.String(), body)
	if err != nil {
		return FailWith(ValidationKind, "building request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range p.Map("headers") {
		req.Header.Set(k, paramText(v))
	}
	if res := h.applyAuth(ctx, req, p, rc); res != nil {
		return *res
	}

	if rc.Log != nil {
		rc.Log(journal.LevelInfo, fmt.Sprintf("request-attempt-%d", rc.Attempt), map[string]any{
			"url":    target.String(),
			"method": method,
		})
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: classifyTransport(ctx, err)}
	}
	defer resp.Body.Close()

	max := h.MaxBody
	if max <= 0 {
		max = DefaultMaxResponseBody
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return FailWith(NetworkKind, "reading response body", err)
	}
	if int64(len(raw)) > max {
		return Fail(ExecutionKind, "response body exceeds %d bytes", max)
	}

	headers := make(map[string]any, len(resp.Header))
	for k, v := range resp.Header {
		headers[k] = strings.Join(v, ", ")
	}

	var parsed any
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
		if json.Unmarshal(trimmed, &parsed) != nil {
			parsed = string(raw)
		}
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok && p.Bool("failOnError") {
		return Fail(ExecutionKind, "request returned status %d", resp.StatusCode)
	}
	return Success(map[string]any{
		"statusCode": resp.StatusCode,
		"statusText": http.StatusText(resp.StatusCode),
		"headers":    headers,
		"body":       parsed,
		"isSuccess":  ok,
	})
}

// applyAuth sets the Authorization header from inline parameters or the
// node's "auth" credential slot; stored credentials win.
func (h *HTTPRequest) applyAuth(ctx context.Context, req *http.Request, p Params, rc *RunContext) *Result {
	mode := strings.ToLower(p.StringOr("auth", "none"))
	if mode == "none" {
		return nil
	}
	creds, err := rc.Credential(ctx, "auth")
	if err != nil {
		res := FailWith(ValidationKind, "resolving credentials", err)
		return &res
	}
	pick := func(key, param string) string {
		if creds != nil && creds[key] != "" {
			return creds[key]
		}
		return p.String(param)
	}
	switch mode {
	case "basic":
		user := pick("user", "user")
		if user == "" {
			res := Fail(ValidationKind, "basic auth requires a user")
			return &res
		}
		req.SetBasicAuth(user, pick("password", "password"))
	case "bearer":
		token := pick("token", "token")
		if token == "" {
			res := Fail(ValidationKind, "bearer auth requires a token")
			return &res
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// requestBody encodes the body parameter: strings pass through, composites
// are marshaled as JSON with a matching content type.
func requestBody(v any) (io.Reader, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		return strings.NewReader(b), "", nil
	case []byte:
		return bytes.NewReader(b), "", nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}

// paramText renders a header or query value; composites become JSON.
func paramText(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return strings.Trim(string(raw), `"`)
	}
}

// classifyTransport maps a client.Do failure to a node error kind.
// Timeouts stay retryable; an outer cancellation is terminal.
func classifyTransport(ctx context.Context, err error) *Error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return WrapErr(CanceledKind, "request canceled", err)
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return WrapErr(TimeoutKind, "request timed out", err)
	}
	return WrapErr(NetworkKind, "request failed", err)
}
