package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"pkt.systems/refd/internal/zotero"
)

func TestClassifyToolErrorZoteroAPIError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("list items: %w", &zotero.APIError{
		StatusCode: 429,
		Status:     "429 Too Many Requests",
		Body:       "slow down",
	})
	env := classifyToolError(err)
	if env.ErrorCode != "zotero_http_429" {
		t.Fatalf("expected error_code=zotero_http_429, got %+v", env)
	}
	if env.HTTPStatus != 429 {
		t.Fatalf("expected http_status=429, got %+v", env)
	}
	if !env.Retryable {
		t.Fatalf("expected 429 to be retryable, got %+v", env)
	}
	if env.Hint != "Rate limited. Reduce request rate and retry later." {
		t.Fatalf("unexpected hint: %+v", env)
	}
}

func TestClassifyToolErrorZoteroServerError(t *testing.T) {
	t.Parallel()

	env := classifyToolError(&zotero.APIError{StatusCode: 503, Status: "503 Service Unavailable"})
	if env.ErrorCode != "zotero_http_503" || !env.Retryable {
		t.Fatalf("expected retryable zotero_http_503, got %+v", env)
	}

	env = classifyToolError(&zotero.APIError{StatusCode: 403, Status: "403 Forbidden"})
	if env.ErrorCode != "zotero_http_403" || env.Retryable {
		t.Fatalf("expected non-retryable zotero_http_403, got %+v", env)
	}
}

func TestClassifyToolErrorNotFound(t *testing.T) {
	t.Parallel()

	env := classifyToolError(fmt.Errorf("item ABCD1234: %w", zotero.ErrItemNotFound))
	if env.ErrorCode != "not_found" {
		t.Fatalf("expected error_code=not_found, got %+v", env)
	}
	if env.Retryable {
		t.Fatalf("expected not_found to be non-retryable, got %+v", env)
	}
}

func TestClassifyToolErrorHeuristics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{
			name: "missing argument",
			err:  errors.New("query is required"),
			code: "invalid_argument",
		},
		{
			name: "unsupported format",
			err:  errors.New(`unsupported format "rtf" (expected bibtex|biblatex|csljson)`),
			code: "invalid_argument",
		},
		{
			name:      "context deadline",
			err:       fmt.Errorf("list items: %w", context.DeadlineExceeded),
			code:      "timeout",
			retryable: true,
		},
		{
			name:      "timeout string",
			err:       errors.New("timeout waiting for pandoc"),
			code:      "timeout",
			retryable: true,
		},
		{
			name:      "connection refused",
			err:       errors.New(`dial tcp 127.0.0.1:23119: connect: connection refused`),
			code:      "unavailable",
			retryable: true,
		},
		{
			name: "fallback",
			err:  errors.New("pandoc exited with status 1"),
			code: "tool_error",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := classifyToolError(tc.err)
			if env.ErrorCode != tc.code {
				t.Fatalf("expected error_code=%q, got %+v", tc.code, env)
			}
			if env.Retryable != tc.retryable {
				t.Fatalf("expected retryable=%v, got %+v", tc.retryable, env)
			}
		})
	}
}

func TestToolErrorEncodesEnvelope(t *testing.T) {
	t.Parallel()

	terr := toolError{Envelope: toolErrorEnvelope{
		ErrorCode:  "zotero_http_409",
		Detail:     "library is locked",
		Hint:       "Library is locked. Retry after a short delay.",
		Retryable:  true,
		HTTPStatus: 409,
	}}
	var decoded struct {
		Error toolErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal([]byte(terr.Error()), &decoded); err != nil {
		t.Fatalf("tool error string not JSON: %v", err)
	}
	if decoded.Error.ErrorCode != "zotero_http_409" {
		t.Fatalf("expected error_code in envelope, got %+v", decoded.Error)
	}
	if !decoded.Error.Retryable || decoded.Error.HTTPStatus != 409 {
		t.Fatalf("envelope lost fields: %+v", decoded.Error)
	}
}
