// Package styles resolves CSL citation styles by id, URL, or local file. A
// watched local directory wins over the network; fetched styles are cached
// in memory until the watcher sees the directory change.
package styles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
	"pkt.systems/refd/internal/svcfields"
)

// DefaultBaseURL is the raw-content root of the CSL styles repository.
const DefaultBaseURL = "https://raw.githubusercontent.com/citation-style-language/styles/master"

// styleLimit caps a fetched style body. The largest styles in the CSL
// repository are well under a megabyte.
const styleLimit = 8 << 20

// Result is one resolved style.
type Result struct {
	// Content is the CSL XML.
	Content string
	// SHA256 is the hex digest of Content.
	SHA256 string
	// ETag is the upstream validator when the style came over HTTP.
	ETag string
	// Source reports where the content came from: "local", "cache", or
	// "remote".
	Source string
}

// Config carries the knobs for New.
type Config struct {
	// BaseURL is the styles repository root. Empty selects DefaultBaseURL.
	BaseURL string
	// LocalDir, when set, is consulted before the network and watched for
	// changes.
	LocalDir string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	// Logger receives store events. Nil disables logging.
	Logger pslog.Logger
}

// Store resolves and caches styles.
type Store struct {
	baseURL    string
	localDir   string
	httpClient *http.Client
	logger     pslog.Logger

	mu    sync.Mutex
	cache map[string]Result

	watcher *fsnotify.Watcher
	stop    chan struct{}
	once    sync.Once
}

// New builds a Store. When cfg.LocalDir exists, a filesystem watcher keeps
// the cache honest; a missing directory just disables the local path.
func New(cfg Config) (*Store, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Store{
		baseURL:    baseURL,
		localDir:   strings.TrimSpace(cfg.LocalDir),
		httpClient: httpClient,
		logger:     svcfields.WithSubsystem(logger, "styles.store"),
		cache:      make(map[string]Result),
		stop:       make(chan struct{}),
	}
	if s.localDir != "" {
		if info, err := os.Stat(s.localDir); err == nil && info.IsDir() {
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, fmt.Errorf("styles: create watcher: %w", err)
			}
			if err := watcher.Add(s.localDir); err != nil {
				watcher.Close()
				return nil, fmt.Errorf("styles: watch %q: %w", s.localDir, err)
			}
			s.watcher = watcher
			go s.watch()
		} else {
			s.logger.Debug("styles dir missing, local lookup disabled", "dir", s.localDir)
			s.localDir = ""
		}
	}
	return s, nil
}

// Close stops the directory watcher. Safe to call more than once.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.stop)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
	return nil
}

// Get resolves a style reference: an http(s) URL is fetched as-is, anything
// else is treated as a style id with ".csl" appended when missing, looked up
// in the local directory first and the styles repository after.
func (s *Store) Get(ctx context.Context, ref string) (*Result, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("styles: style id or URL required")
	}
	if isHTTPURL(ref) {
		return s.resolve(ctx, ref, ref, false)
	}
	filename := ref
	if !strings.HasSuffix(filename, ".csl") {
		filename += ".csl"
	}
	return s.resolve(ctx, filename, s.baseURL+"/"+filename, true)
}

// resolve serves cacheKey from cache, then the local directory (when
// allowed), then target over HTTP.
func (s *Store) resolve(ctx context.Context, cacheKey, target string, tryLocal bool) (*Result, error) {
	s.mu.Lock()
	cached, ok := s.cache[cacheKey]
	s.mu.Unlock()
	if ok {
		cached.Source = "cache"
		return &cached, nil
	}
	if tryLocal && s.localDir != "" {
		path := filepath.Join(s.localDir, cacheKey)
		if data, err := os.ReadFile(path); err == nil {
			result := Result{
				Content: string(data),
				SHA256:  digest(data),
				Source:  "local",
			}
			s.store(cacheKey, result)
			return &result, nil
		}
	}
	result, err := s.fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	s.store(cacheKey, *result)
	return result, nil
}

func (s *Store) store(key string, result Result) {
	s.mu.Lock()
	s.cache[key] = result
	s.mu.Unlock()
}

func (s *Store) fetch(ctx context.Context, target string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("styles: fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, styleLimit))
	if err != nil {
		return nil, fmt.Errorf("styles: read %s: %w", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("styles: fetch %s: %s", target, resp.Status)
	}
	s.logger.Debug("style fetched", "url", target, "bytes", len(body))
	return &Result{
		Content: string(body),
		SHA256:  digest(body),
		ETag:    resp.Header.Get("ETag"),
		Source:  "remote",
	}, nil
}

// watch drops cache entries whose backing file changed, so the next Get
// re-reads the local directory.
func (s *Store) watch() {
	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			s.mu.Lock()
			_, present := s.cache[name]
			delete(s.cache, name)
			s.mu.Unlock()
			if present {
				s.logger.Debug("style cache invalidated", "file", name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("styles watcher error", "error", err)
		}
	}
}

func isHTTPURL(ref string) bool {
	parsed, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return parsed.Scheme == "http" || parsed.Scheme == "https"
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
