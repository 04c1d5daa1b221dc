package refd

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"
	"pkt.systems/refd/internal/clock"
	"pkt.systems/refd/internal/svcfields"
)

// Lookup errors distinguishing why a token does not resolve. The delivery
// endpoint maps both onto the same 404 so callers cannot probe for expired
// tokens; logs keep the distinction.
var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrArtifactExpired  = errors.New("artifact expired")
)

// Artifact describes one converter output available for download. The token
// is the sole lookup key; the backing file lives at Path and is owned by the
// registry for as long as the entry exists.
type Artifact struct {
	Token      string
	Path       string
	Filename   string
	Size       int64
	Format     string
	CreatedAt  time.Time
	Downloaded bool
}

// RegistryConfig carries the knobs for NewRegistry.
type RegistryConfig struct {
	// FilesRoot is the directory token directories are created under.
	// Empty selects DefaultFilesRoot().
	FilesRoot string
	// TTL bounds how long entries stay downloadable. Zero or negative
	// selects DefaultFileTTL.
	TTL time.Duration
	// DeleteAfterDownload makes tokens single-use: the entry is removed
	// once the response body has been served.
	DeleteAfterDownload bool
	// Clock injects time for tests. Nil selects the wall clock.
	Clock clock.Clock
	// Logger receives registry events. Nil disables logging.
	Logger pslog.Logger
}

// RegisterRequest names a finished conversion output the registry should take
// ownership of.
type RegisterRequest struct {
	// SourcePath is the file to move under the files root.
	SourcePath string
	// Filename is the human-facing download name, typically
	// "<basename>.<format>".
	Filename string
	// Size is the byte length of the source file.
	Size int64
	// Format is the export format ("docx" or "pdf").
	Format string
}

// Registry maps download tokens to artifacts and owns the files beneath its
// files root. All entries share one TTL measured from registration.
type Registry struct {
	filesRoot           string
	ttl                 time.Duration
	deleteAfterDownload bool
	clock               clock.Clock
	logger              pslog.Logger
	sweepLogger         pslog.Logger

	metrics *registryMetrics

	mu      sync.Mutex
	entries map[string]*Artifact

	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
}

// NewRegistry builds a Registry and creates its files root.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if strings.TrimSpace(cfg.FilesRoot) == "" {
		cfg.FilesRoot = DefaultFilesRoot()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultFileTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if err := os.MkdirAll(cfg.FilesRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create files root %s: %w", cfg.FilesRoot, err)
	}
	registryLogger := svcfields.WithSubsystem(logger, "artifacts.registry")
	return &Registry{
		filesRoot:           cfg.FilesRoot,
		ttl:                 cfg.TTL,
		deleteAfterDownload: cfg.DeleteAfterDownload,
		clock:               cfg.Clock,
		logger:              registryLogger,
		sweepLogger:         svcfields.WithSubsystem(logger, "artifacts.sweeper"),
		metrics:             newRegistryMetrics(registryLogger),
		entries:             make(map[string]*Artifact),
	}, nil
}

// Register mints a token, moves the source file under
// <filesRoot>/<token>/<filename>, and only then makes the entry visible. A
// token never resolves before its backing file is in place.
func (r *Registry) Register(req RegisterRequest) (*Artifact, error) {
	if strings.TrimSpace(req.SourcePath) == "" {
		return nil, errors.New("register artifact: source path required")
	}
	if strings.TrimSpace(req.Filename) == "" {
		return nil, errors.New("register artifact: filename required")
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(r.filesRoot, token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	dst := filepath.Join(dir, req.Filename)
	if err := moveFile(req.SourcePath, dst); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	entry := &Artifact{
		Token:     token,
		Path:      dst,
		Filename:  req.Filename,
		Size:      req.Size,
		Format:    req.Format,
		CreatedAt: r.clock.Now(),
	}
	r.mu.Lock()
	r.entries[token] = entry
	size := len(r.entries)
	r.mu.Unlock()
	r.logger.Debug("artifact registered",
		"token_prefix", tokenPrefix(token),
		"filename", req.Filename,
		"size", humanizeSize(req.Size),
		"registry_size", size,
	)
	r.metrics.recordRegistered(req.Format)
	snapshot := *entry
	return &snapshot, nil
}

// Get returns a copy of the live entry for token, or nil when the token is
// unknown or expired. Expired entries are destroyed on the lookup path.
func (r *Registry) Get(token string) *Artifact {
	entry, _ := r.Lookup(token)
	return entry
}

// Lookup resolves token to a copy of its live entry, reporting
// ErrArtifactNotFound or ErrArtifactExpired when it cannot. Expired entries
// are destroyed on the lookup path.
func (r *Registry) Lookup(token string) (*Artifact, error) {
	r.mu.Lock()
	entry, ok := r.entries[token]
	if !ok {
		r.mu.Unlock()
		return nil, ErrArtifactNotFound
	}
	if r.clock.Now().Sub(entry.CreatedAt) > r.ttl {
		delete(r.entries, token)
		path := entry.Path
		r.mu.Unlock()
		r.removeFiles(path)
		r.logger.Debug("expired artifact removed on lookup", "token_prefix", tokenPrefix(token))
		r.metrics.recordReaped(1)
		return nil, ErrArtifactExpired
	}
	snapshot := *entry
	r.mu.Unlock()
	return &snapshot, nil
}

// MarkDownloaded flags the entry as served at least once. Unknown tokens are
// a no-op. Only the first mark counts as a download.
func (r *Registry) MarkDownloaded(token string) {
	r.mu.Lock()
	entry, ok := r.entries[token]
	first := ok && !entry.Downloaded
	if ok {
		entry.Downloaded = true
	}
	format := ""
	if ok {
		format = entry.Format
	}
	r.mu.Unlock()
	if first {
		r.metrics.recordDownload(format)
	}
}

// Remove deletes the entry and its backing file. Unknown tokens are a no-op
// and filesystem cleanup failures are swallowed, so Remove is safe to call
// from any cleanup path.
func (r *Registry) Remove(token string) {
	r.mu.Lock()
	entry, ok := r.entries[token]
	if ok {
		delete(r.entries, token)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.removeFiles(entry.Path)
	r.logger.Debug("artifact removed", "token_prefix", tokenPrefix(token), "filename", entry.Filename)
}

// SweepExpired removes every entry past the TTL and returns how many were
// removed. File deletion happens outside the map critical section.
func (r *Registry) SweepExpired() int {
	now := r.clock.Now()
	r.mu.Lock()
	var doomed []*Artifact
	for token, entry := range r.entries {
		if now.Sub(entry.CreatedAt) > r.ttl {
			delete(r.entries, token)
			doomed = append(doomed, entry)
		}
	}
	r.mu.Unlock()
	for _, entry := range doomed {
		r.removeFiles(entry.Path)
	}
	r.metrics.recordReaped(len(doomed))
	return len(doomed)
}

// Len reports how many live entries the registry holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// TTL reports the configured artifact lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

// FilesRoot reports the directory artifacts are staged under.
func (r *Registry) FilesRoot() string { return r.filesRoot }

// DeleteAfterDownload reports whether served artifacts are single-use.
func (r *Registry) DeleteAfterDownload() bool { return r.deleteAfterDownload }

// removeFiles unlinks the backing file and best-effort removes its token
// directory. Missing files are not an error.
func (r *Registry) removeFiles(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("artifact file removal failed", "path", path, "error", err)
	}
	if dir := filepath.Dir(path); dir != r.filesRoot {
		_ = os.Remove(dir)
	}
}

// newToken mints a download token: 32 bytes from crypto/rand, URL-safe base64
// without padding.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// tokenPrefix returns the loggable head of a token. Full tokens never appear
// in logs.
func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

func humanizeSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

// moveFile renames src to dst, falling back to copy+remove when the rename
// crosses filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		in.Close()
		return err
	}
	_, copyErr := io.Copy(out, in)
	in.Close()
	if err := out.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		_ = os.Remove(dst)
		return copyErr
	}
	return os.Remove(src)
}
