package mcp

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/refd/internal/uuidv7"
)

// wrap attaches a per-request logger (minted req_id, method, path) to the
// request context and, when tracing is enabled, instruments the handler with
// an otelhttp span.
func (s *server) wrap(operation string, logger pslog.Logger, next http.Handler) http.Handler {
	spanName := "refd.http." + operation
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuidv7.NewString()
		reqLogger := logger.With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx := pslog.ContextWithLogger(r.Context(), reqLogger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
	if !s.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

// handleFileDownload serves GET /files/{token}. Unknown and expired tokens
// collapse into the same 404 so callers cannot probe for expired artifacts.
func (s *server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	logger := pslog.LoggerFromContext(r.Context())
	if logger == nil {
		logger = s.filesLog
	}

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/files/")
	if token == "" || strings.ContainsRune(token, '/') {
		http.Error(w, "file not found or expired", http.StatusNotFound)
		return
	}

	artifact, err := s.registry.Lookup(token)
	if err != nil {
		logger.Debug("download token rejected", "token_prefix", downloadTokenPrefix(token), "reason", err)
		http.Error(w, "file not found or expired", http.StatusNotFound)
		return
	}

	if span := trace.SpanFromContext(r.Context()); span != nil {
		span.SetAttributes(
			attribute.String("refd.artifact.filename", artifact.Filename),
			attribute.String("refd.artifact.format", artifact.Format),
		)
	}

	file, err := os.Open(artifact.Path)
	if err != nil {
		// The registry entry outlived its file. Drop it so the token stops
		// resolving.
		s.registry.Remove(token)
		logger.Warn("artifact file missing, entry removed",
			"filename", artifact.Filename,
			"token_prefix", downloadTokenPrefix(token),
			"error", err,
		)
		http.Error(w, "file no longer available", http.StatusGone)
		return
	}
	defer file.Close()

	s.registry.MarkDownloaded(token)

	w.Header().Set("Content-Type", contentTypeForFormat(artifact.Format))
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename))

	if _, err := io.Copy(w, file); err != nil {
		if r.Context().Err() != nil {
			logger.Debug("client disconnected during download", "filename", artifact.Filename)
		} else {
			logger.Warn("artifact stream failed", "filename", artifact.Filename, "error", err)
		}
		return
	}

	logger.Info("artifact served",
		"filename", artifact.Filename,
		"format", artifact.Format,
		"size", humanize.IBytes(uint64(artifact.Size)),
	)

	if s.registry.DeleteAfterDownload() {
		go s.registry.Remove(token)
	}
}

func contentTypeForFormat(format string) string {
	switch format {
	case "pdf":
		return "application/pdf"
	case "docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}

func downloadTokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
