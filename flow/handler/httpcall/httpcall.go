// Package httpcall implements a reference Handler for "http.request" nodes,
// adapted from the engine's http_request tool: it makes one outbound HTTP
// call per node execution and surfaces status, headers, and body as node
// outputs.
package httpcall

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/flowforge/enginecore/flow"
	"github.com/flowforge/enginecore/flow/handler"
)

// NodeType is the handler type string registered for this handler.
const NodeType = "http.request"

var allowedMethods = map[string]bool{"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true}

// Handler calls an HTTP endpoint using config/resolved-input fields
// "method", "url", "headers", "body".
type Handler struct {
	client *http.Client
}

// New returns a Handler using client, or a default client if nil.
func New(client *http.Client) *Handler {
	if client == nil {
		client = &http.Client{}
	}
	return &Handler{client: client}
}

func (h *Handler) ValidateConfig(config map[string]any) error {
	urlVal, ok := config["url"].(string)
	if !ok || urlVal == "" {
		return &handler.ValidationError{Field: "url", Reason: "required string"}
	}
	if m, ok := config["method"].(string); ok && m != "" {
		if !allowedMethods[strings.ToUpper(m)] {
			return &handler.ValidationError{Field: "method", Reason: "unsupported HTTP method " + m}
		}
	}
	return nil
}

func (h *Handler) DeclareInputs() []handler.PortDecl {
	return []handler.PortDecl{{Name: "url", Required: true}, {Name: "method"}, {Name: "headers"}, {Name: "body"}}
}

func (h *Handler) DeclareOutputs() []handler.PortDecl {
	return []handler.PortDecl{{Name: "status_code"}, {Name: "headers"}, {Name: "body"}}
}

// Execute resolves url/method/headers/body from the resolved inputs,
// falling back to static config, and performs the call under the
// HandlerContext's deadline.
func (h *Handler) Execute(hctx handler.HandlerContext) handler.Result {
	urlStr := stringField(hctx.ResolvedInputs, hctx.NodeConfig, "url")
	if urlStr == "" {
		return handler.Failure(flow.ErrCodeInvalidBinding, "url parameter required", false)
	}

	method := strings.ToUpper(stringField(hctx.ResolvedInputs, hctx.NodeConfig, "method"))
	if method == "" {
		method = "GET"
	}
	if !allowedMethods[method] {
		return handler.Failure("UNSUPPORTED_METHOD", "unsupported HTTP method: "+method, false)
	}

	var body io.Reader
	if b := stringField(hctx.ResolvedInputs, hctx.NodeConfig, "body"); b != "" {
		body = bytes.NewBufferString(b)
	}

	req, err := http.NewRequestWithContext(hctx.Context, method, urlStr, body)
	if err != nil {
		return handler.Failure("REQUEST_BUILD_FAILED", err.Error(), false)
	}
	for key, value := range mapField(hctx.ResolvedInputs, hctx.NodeConfig, "headers") {
		if s, ok := value.(string); ok {
			req.Header.Set(key, s)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		retryable := !isContextErr(hctx.Context)
		return handler.Failure("REQUEST_FAILED", err.Error(), retryable)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return handler.Failure("RESPONSE_READ_FAILED", err.Error(), true)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			anyValues := make([]any, len(values))
			for i, v := range values {
				anyValues[i] = v
			}
			respHeaders[key] = anyValues
		}
	}

	if resp.StatusCode >= 500 {
		return handler.Failure(fmt.Sprintf("HTTP_%d", resp.StatusCode), "server error response: "+resp.Status, true)
	}

	return handler.Success(map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	})
}

func stringField(inputs, config map[string]any, key string) string {
	if v, ok := inputs[key].(string); ok {
		return v
	}
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

func mapField(inputs, config map[string]any, key string) map[string]any {
	if v, ok := inputs[key].(map[string]any); ok {
		return v
	}
	if v, ok := config[key].(map[string]any); ok {
		return v
	}
	return nil
}

func isContextErr(ctx interface{ Err() error }) bool {
	return ctx.Err() != nil
}
