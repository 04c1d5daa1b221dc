package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/refd/internal/zotero"
)

type toolErrorEnvelope struct {
	ErrorCode         string `json:"error_code"`
	Detail            string `json:"detail,omitempty"`
	Hint              string `json:"hint,omitempty"`
	Retryable         bool   `json:"retryable"`
	HTTPStatus        int    `json:"http_status,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

func withStructuredToolErrors[In, Out any](h mcpsdk.ToolHandlerFor[In, Out]) mcpsdk.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input In) (*mcpsdk.CallToolResult, Out, error) {
		res, out, err := h(ctx, req, input)
		if err == nil {
			return res, out, nil
		}
		var zero Out
		return nil, zero, toolError{Envelope: classifyToolError(err)}
	}
}

type toolError struct {
	Envelope toolErrorEnvelope
}

func (e toolError) Error() string {
	envelope := map[string]any{"error": e.Envelope}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return `{"error":{"error_code":"tool_error","detail":"failed to encode error envelope"}}`
	}
	return string(encoded)
}

func classifyToolError(err error) toolErrorEnvelope {
	env := toolErrorEnvelope{ErrorCode: "tool_error", Detail: strings.TrimSpace(err.Error())}
	var apiErr *zotero.APIError
	if errors.As(err, &apiErr) {
		env.HTTPStatus = apiErr.StatusCode
		env.ErrorCode = "zotero_http_" + strconv.Itoa(apiErr.StatusCode)
		env.Hint = zoteroStatusHint(apiErr.StatusCode)
		switch {
		case apiErr.StatusCode == http.StatusConflict,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			env.Retryable = true
		}
		return env
	}
	if errors.Is(err, zotero.ErrItemNotFound) {
		env.ErrorCode = "not_found"
		return env
	}
	if errors.Is(err, context.DeadlineExceeded) {
		env.ErrorCode = "timeout"
		env.Retryable = true
		return env
	}
	lower := strings.ToLower(env.Detail)
	switch {
	case strings.Contains(lower, "required"),
		strings.Contains(lower, "must be"),
		strings.Contains(lower, "invalid"),
		strings.Contains(lower, "unsupported"),
		strings.Contains(lower, "exceed"):
		env.ErrorCode = "invalid_argument"
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"):
		env.ErrorCode = "timeout"
		env.Retryable = true
	case strings.Contains(lower, "temporar"),
		strings.Contains(lower, "try again"),
		strings.Contains(lower, "connection refused"):
		env.ErrorCode = "unavailable"
		env.Retryable = true
	}
	return env
}

// zoteroStatusHint translates the Zotero API status codes with known causes
// into operator guidance.
func zoteroStatusHint(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Invalid type/field or unparseable JSON. Check field names for the item type."
	case http.StatusForbidden:
		return "Insufficient permissions for this library or action. Check API key scopes."
	case http.StatusConflict:
		return "Library is locked. Retry after a short delay."
	case http.StatusPreconditionFailed:
		return "Version mismatch: fetch the latest item and retry with its current version."
	case http.StatusRequestEntityTooLarge:
		return "Request too large or storage quota exceeded."
	case http.StatusTooManyRequests:
		return "Rate limited. Reduce request rate and retry later."
	default:
		return ""
	}
}
