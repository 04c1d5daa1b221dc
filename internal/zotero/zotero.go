// Package zotero is a thin client for the Zotero HTTP API, aimed at the
// local API served by the Zotero desktop application. It covers the read
// surface the reference tools need: item lookup, search, children, fulltext,
// collections, and raw bibliography exports, plus the Better BibTeX citekey
// endpoint.
package zotero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/refd/internal/svcfields"
)

const (
	// DefaultBaseURL is the Zotero desktop local API endpoint.
	DefaultBaseURL = "http://127.0.0.1:23119"
	// DefaultTimeout bounds one API call when the config leaves it unset.
	DefaultTimeout = 10 * time.Second

	// bbtTimeout bounds Better BibTeX citekey lookups. The endpoint is
	// local and either answers immediately or is not installed.
	bbtTimeout = 1500 * time.Millisecond

	// responseLimit caps how much of a response body is read. Whole-library
	// CSL exports fit comfortably; anything larger is not a bibliography.
	responseLimit = 64 << 20
)

// ErrItemNotFound is returned for single-item fetches that hit a 404.
var ErrItemNotFound = errors.New("zotero: item not found")

// ErrFulltextUnavailable is returned when an attachment has no extracted
// text to serve.
var ErrFulltextUnavailable = errors.New("zotero: fulltext unavailable")

// APIError reports a non-2xx Zotero response.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("zotero: %s", e.Status)
	}
	return fmt.Sprintf("zotero: %s: %s", e.Status, body)
}

// Creator is one author/editor/contributor entry. Zotero emits either
// firstName/lastName pairs or a single name; CSL exports use family/given.
type Creator struct {
	CreatorType string `json:"creatorType,omitempty"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	Name        string `json:"name,omitempty"`
	Family      string `json:"family,omitempty"`
	Given       string `json:"given,omitempty"`
}

// Tag is one item tag.
type Tag struct {
	Tag string `json:"tag"`
}

// ItemData is the editable payload of an item. Only the fields the tools
// read are mapped; everything else passes through untouched upstream.
type ItemData struct {
	Key              string    `json:"key,omitempty"`
	ItemType         string    `json:"itemType,omitempty"`
	Title            string    `json:"title,omitempty"`
	Date             string    `json:"date,omitempty"`
	DateModified     string    `json:"dateModified,omitempty"`
	Creators         []Creator `json:"creators,omitempty"`
	AbstractNote     string    `json:"abstractNote,omitempty"`
	PublicationTitle string    `json:"publicationTitle,omitempty"`
	BookTitle        string    `json:"bookTitle,omitempty"`
	Publisher        string    `json:"publisher,omitempty"`
	Volume           string    `json:"volume,omitempty"`
	Issue            string    `json:"issue,omitempty"`
	Pages            string    `json:"pages,omitempty"`
	URL              string    `json:"url,omitempty"`
	DOI              string    `json:"DOI,omitempty"`
	ISBN             string    `json:"ISBN,omitempty"`
	ISSN             string    `json:"ISSN,omitempty"`
	Note             string    `json:"note,omitempty"`
	ParentItem       string    `json:"parentItem,omitempty"`
	ContentType      string    `json:"contentType,omitempty"`
	Filename         string    `json:"filename,omitempty"`
	Citekey          string    `json:"citekey,omitempty"`
	Tags             []Tag     `json:"tags,omitempty"`
}

// ItemMeta carries the server-computed item metadata the tools use.
type ItemMeta struct {
	NumChildren int `json:"numChildren,omitempty"`
}

// Item is one library entry as returned by the API.
type Item struct {
	Key  string   `json:"key"`
	Data ItemData `json:"data"`
	Meta ItemMeta `json:"meta"`
}

// ParentKey unmarshals the parentCollection field, which the API encodes as
// false for root collections and as a key string otherwise.
type ParentKey string

// UnmarshalJSON implements json.Unmarshaler.
func (p *ParentKey) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "false" || trimmed == "null" {
		*p = ""
		return nil
	}
	var key string
	if err := json.Unmarshal(data, &key); err != nil {
		return err
	}
	*p = ParentKey(key)
	return nil
}

// CollectionData is the editable payload of a collection.
type CollectionData struct {
	Key              string    `json:"key,omitempty"`
	Name             string    `json:"name,omitempty"`
	ParentCollection ParentKey `json:"parentCollection,omitempty"`
}

// CollectionMeta carries server-computed collection counters.
type CollectionMeta struct {
	NumItems int `json:"numItems,omitempty"`
}

// Collection is one collection as returned by the API.
type Collection struct {
	Key  string         `json:"key"`
	Data CollectionData `json:"data"`
	Meta CollectionMeta `json:"meta"`
}

// Fulltext is the extracted text of an attachment.
type Fulltext struct {
	Content      string `json:"content"`
	IndexedPages int    `json:"indexedPages,omitempty"`
	TotalPages   int    `json:"totalPages,omitempty"`
	IndexedChars int    `json:"indexedChars,omitempty"`
	TotalChars   int    `json:"totalChars,omitempty"`
}

// AttachmentDetails names the attachment chosen for fulltext extraction.
type AttachmentDetails struct {
	Key         string
	ContentType string
}

// BBTEntry is one Better BibTeX CSL entry. CSL JSON is loosely shaped, so
// entries stay raw maps.
type BBTEntry map[string]any

// ItemsQuery narrows an items listing. The zero value lists everything the
// server defaults to (one page of 25).
type ItemsQuery struct {
	// Q is the search phrase.
	Q string
	// QMode is "titleCreatorYear" (server default) or "everything".
	QMode string
	// Tag filters by tag; Zotero boolean tag syntax passes through.
	Tag string
	// Limit is the page size. Zero leaves the server default in place.
	Limit int
	// Start is the offset of the first page.
	Start int
	// FetchAll follows pages until a short page arrives.
	FetchAll bool
}

// Config carries the knobs for New.
type Config struct {
	// BaseURL is the API root. Empty selects DefaultBaseURL.
	BaseURL string
	// APIKey is sent as a bearer token when set. The local API ignores it.
	APIKey string
	// LibraryID selects the library. The local API uses 0.
	LibraryID int
	// LibraryType is "user" or "group".
	LibraryType string
	// Timeout bounds one API call. Zero selects DefaultTimeout.
	Timeout time.Duration
	// UserAgent overrides the request User-Agent when set.
	UserAgent string
	// Logger receives request traces. Nil disables logging.
	Logger pslog.Logger
}

// Client talks to one Zotero library.
type Client struct {
	baseURL    string
	apiKey     string
	prefix     string
	userAgent  string
	httpClient *http.Client
	logger     pslog.Logger
}

// New builds a Client for the configured library.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	libraryType := strings.TrimSpace(cfg.LibraryType)
	if libraryType == "" {
		libraryType = "user"
	}
	var prefix string
	switch libraryType {
	case "user":
		prefix = fmt.Sprintf("/api/users/%d", cfg.LibraryID)
	case "group":
		prefix = fmt.Sprintf("/api/groups/%d", cfg.LibraryID)
	default:
		return nil, fmt.Errorf("zotero: invalid library type %q (want user or group)", cfg.LibraryType)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		prefix:     prefix,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: timeout},
		logger:     svcfields.WithSubsystem(logger, "zotero.client"),
	}, nil
}

// Item fetches a single item by key.
func (c *Client) Item(ctx context.Context, key string) (*Item, error) {
	body, err := c.get(ctx, "/items/"+url.PathEscape(key), nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	var item Item
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("zotero: decode item %s: %w", key, err)
	}
	return &item, nil
}

// Items lists library items. FetchAll follows pages.
func (c *Client) Items(ctx context.Context, query ItemsQuery) ([]Item, error) {
	return c.listItems(ctx, "/items", query)
}

// CollectionItems lists the items of one collection.
func (c *Client) CollectionItems(ctx context.Context, collectionKey string, query ItemsQuery) ([]Item, error) {
	return c.listItems(ctx, "/collections/"+url.PathEscape(collectionKey)+"/items", query)
}

// ItemsRaw fetches library items in an export format (csljson, bibtex,
// biblatex) and returns the raw body. FetchAll merges csljson pages into a
// single array and joins text formats with newlines.
func (c *Client) ItemsRaw(ctx context.Context, format string, query ItemsQuery) ([]byte, error) {
	return c.listRaw(ctx, "/items", format, query)
}

// CollectionItemsRaw is ItemsRaw scoped to one collection.
func (c *Client) CollectionItemsRaw(ctx context.Context, collectionKey, format string, query ItemsQuery) ([]byte, error) {
	return c.listRaw(ctx, "/collections/"+url.PathEscape(collectionKey)+"/items", format, query)
}

// Children lists the child items (attachments, notes) of an item.
func (c *Client) Children(ctx context.Context, key string) ([]Item, error) {
	body, err := c.get(ctx, "/items/"+url.PathEscape(key)+"/children", nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	var children []Item
	if err := json.Unmarshal(body, &children); err != nil {
		return nil, fmt.Errorf("zotero: decode children of %s: %w", key, err)
	}
	return children, nil
}

// Fulltext fetches the extracted text of an attachment.
func (c *Client) Fulltext(ctx context.Context, key string) (*Fulltext, error) {
	body, err := c.get(ctx, "/items/"+url.PathEscape(key)+"/fulltext", nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, ErrFulltextUnavailable
		}
		return nil, err
	}
	var text Fulltext
	if err := json.Unmarshal(body, &text); err != nil {
		return nil, fmt.Errorf("zotero: decode fulltext of %s: %w", key, err)
	}
	return &text, nil
}

// Collections lists every collection in the library.
func (c *Client) Collections(ctx context.Context) ([]Collection, error) {
	body, err := c.get(ctx, "/collections", nil)
	if err != nil {
		return nil, err
	}
	var collections []Collection
	if err := json.Unmarshal(body, &collections); err != nil {
		return nil, fmt.Errorf("zotero: decode collections: %w", err)
	}
	return collections, nil
}

// SubCollections lists the direct children of one collection.
func (c *Client) SubCollections(ctx context.Context, parentKey string) ([]Collection, error) {
	body, err := c.get(ctx, "/collections/"+url.PathEscape(parentKey)+"/collections", nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	var collections []Collection
	if err := json.Unmarshal(body, &collections); err != nil {
		return nil, fmt.Errorf("zotero: decode subcollections of %s: %w", parentKey, err)
	}
	return collections, nil
}

// Collection fetches a single collection by key.
func (c *Client) Collection(ctx context.Context, key string) (*Collection, error) {
	body, err := c.get(ctx, "/collections/"+url.PathEscape(key), nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	var collection Collection
	if err := json.Unmarshal(body, &collection); err != nil {
		return nil, fmt.Errorf("zotero: decode collection %s: %w", key, err)
	}
	return &collection, nil
}

// Ping confirms the API answers for this library.
func (c *Client) Ping(ctx context.Context) error {
	query := url.Values{}
	query.Set("limit", "1")
	_, err := c.get(ctx, "/items", query)
	return err
}

// AttachmentFor picks the attachment to pull fulltext from: the item itself
// when it is an attachment, otherwise the first child attachment preferring
// application/pdf, then text/html, then anything. Returns nil when the item
// has no suitable attachment.
func (c *Client) AttachmentFor(ctx context.Context, item *Item) (*AttachmentDetails, error) {
	if item == nil {
		return nil, nil
	}
	if item.Data.ItemType == "attachment" {
		return &AttachmentDetails{Key: item.Key, ContentType: item.Data.ContentType}, nil
	}
	children, err := c.Children(ctx, item.Key)
	if err != nil {
		return nil, err
	}
	return selectAttachment(children), nil
}

// ResolveBBT asks the Better BibTeX plugin for CSL entries by citekey. The
// endpoint lives on the Zotero root, outside the library prefix. Callers
// treat every failure as "BBT not available".
func (c *Client) ResolveBBT(ctx context.Context, citekeys []string) ([]BBTEntry, error) {
	if len(citekeys) == 0 {
		return nil, nil
	}
	escaped := make([]string, len(citekeys))
	for i, key := range citekeys {
		escaped[i] = url.QueryEscape(key)
	}
	ctx, cancel := context.WithTimeout(ctx, bbtTimeout)
	defer cancel()
	target := c.baseURL + "/better-bibtex/json?citekeys=" + strings.Join(escaped, ",")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}
	var entries []BBTEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("zotero: decode better-bibtex response: %w", err)
	}
	return entries, nil
}

func (c *Client) listItems(ctx context.Context, path string, query ItemsQuery) ([]Item, error) {
	if !query.FetchAll {
		body, err := c.get(ctx, path, query.values(""))
		if err != nil {
			return nil, err
		}
		var items []Item
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("zotero: decode items: %w", err)
		}
		return items, nil
	}
	pageSize := query.Limit
	if pageSize <= 0 {
		pageSize = 100
	}
	var all []Item
	start := query.Start
	for {
		page := query
		page.Limit = pageSize
		page.Start = start
		body, err := c.get(ctx, path, page.values(""))
		if err != nil {
			return nil, err
		}
		var items []Item
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("zotero: decode items: %w", err)
		}
		all = append(all, items...)
		if len(items) < pageSize {
			return all, nil
		}
		start += len(items)
	}
}

func (c *Client) listRaw(ctx context.Context, path, format string, query ItemsQuery) ([]byte, error) {
	if !query.FetchAll {
		return c.get(ctx, path, query.values(format))
	}
	pageSize := query.Limit
	if pageSize <= 0 {
		pageSize = 100
	}
	var (
		merged  []any
		textual []string
	)
	start := query.Start
	for {
		page := query
		page.Limit = pageSize
		page.Start = start
		body, err := c.get(ctx, path, page.values(format))
		if err != nil {
			return nil, err
		}
		count := pageSize
		if format == "csljson" {
			entries, n := cslEntries(body)
			merged = append(merged, entries...)
			count = n
		} else {
			text := strings.TrimSpace(string(body))
			if text != "" {
				textual = append(textual, text)
			}
			// Text exports carry no entry count; a page shorter than the
			// request has to be inferred from emptiness.
			if text == "" {
				count = 0
			}
		}
		if count < pageSize {
			break
		}
		start += count
	}
	if format == "csljson" {
		return json.Marshal(merged)
	}
	return []byte(strings.Join(textual, "\n")), nil
}

// cslEntries extracts entries from a csljson page, which upstream encodes
// either as a bare array or as an object with an items array.
func cslEntries(body []byte) ([]any, int) {
	var asArray []any
	if err := json.Unmarshal(body, &asArray); err == nil {
		return asArray, len(asArray)
	}
	var asObject struct {
		Items []any `json:"items"`
	}
	if err := json.Unmarshal(body, &asObject); err == nil && asObject.Items != nil {
		return asObject.Items, len(asObject.Items)
	}
	return nil, 0
}

func (q ItemsQuery) values(format string) url.Values {
	values := url.Values{}
	if q.Q != "" {
		values.Set("q", q.Q)
	}
	if q.QMode != "" {
		values.Set("qmode", q.QMode)
	}
	if q.Tag != "" {
		values.Set("tag", q.Tag)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Start > 0 {
		values.Set("start", strconv.Itoa(q.Start))
	}
	if format != "" {
		values.Set("format", format)
	}
	return values
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	target := c.baseURL + c.prefix + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Zotero-API-Version", "3")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	c.logger.Trace("zotero request", "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}
	return body, nil
}

func isStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// selectAttachment prefers application/pdf, then text/html, then the first
// attachment child.
func selectAttachment(children []Item) *AttachmentDetails {
	var htmlPick, anyPick *AttachmentDetails
	for _, child := range children {
		if child.Data.ItemType != "attachment" {
			continue
		}
		details := &AttachmentDetails{Key: child.Key, ContentType: child.Data.ContentType}
		switch child.Data.ContentType {
		case "application/pdf":
			return details
		case "text/html":
			if htmlPick == nil {
				htmlPick = details
			}
		default:
			if anyPick == nil {
				anyPick = details
			}
		}
	}
	if htmlPick != nil {
		return htmlPick
	}
	return anyPick
}
