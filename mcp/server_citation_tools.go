package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"

	"pkt.systems/refd/internal/bib"
	"pkt.systems/refd/internal/zotero"
)

var zoteroKeyRe = regexp.MustCompile(`^[A-Z0-9]{8}$`)

type exportBibliographyInput struct {
	Format        string `json:"format,omitempty" jsonschema:"Export format: csljson (default), bibtex, or biblatex"`
	Scope         string `json:"scope,omitempty" jsonschema:"library (default) or collection"`
	CollectionKey string `json:"collectionKey,omitempty" jsonschema:"Collection key, required when scope=collection"`
	Limit         int    `json:"limit,omitempty" jsonschema:"Page size 1-100 (default 100)"`
	FetchAll      *bool  `json:"fetchAll,omitempty" jsonschema:"Follow pagination until the scope is exhausted (default true)"`
}

type exportBibliographyOutput struct {
	Content  string   `json:"content"`
	Count    int      `json:"count"`
	SHA256   string   `json:"sha256"`
	Warnings []string `json:"warnings,omitempty"`
	Codes    []string `json:"codes,omitempty"`
}

func (s *server) handleExportBibliographyTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input exportBibliographyInput) (*mcpsdk.CallToolResult, exportBibliographyOutput, error) {
	format := strings.TrimSpace(input.Format)
	if format == "" {
		format = "csljson"
	}
	switch format {
	case "csljson", "bibtex", "biblatex":
	default:
		return nil, exportBibliographyOutput{}, fmt.Errorf("unsupported format %q (expected bibtex|biblatex|csljson)", input.Format)
	}
	scope := strings.TrimSpace(input.Scope)
	if scope == "" {
		scope = "library"
	}
	switch scope {
	case "library", "collection":
	default:
		return nil, exportBibliographyOutput{}, fmt.Errorf("unsupported scope %q (expected library|collection)", input.Scope)
	}
	collectionKey := strings.TrimSpace(input.CollectionKey)
	if scope == "collection" && collectionKey == "" {
		return nil, exportBibliographyOutput{}, fmt.Errorf("collectionKey is required when scope='collection'")
	}

	limit := input.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 100:
		limit = 100
	}
	query := zotero.ItemsQuery{
		Limit:    limit,
		FetchAll: input.FetchAll == nil || *input.FetchAll,
	}

	var (
		content  string
		count    int
		warnings []string
		codes    []string
	)
	switch format {
	case "csljson":
		var err error
		content, count, warnings, codes, err = s.exportCSLJSON(ctx, scope, collectionKey, query)
		if err != nil {
			return nil, exportBibliographyOutput{}, err
		}
		for _, w := range warnings {
			if strings.Contains(w, "INVALID_CSL_EXPORT") {
				codes = append(codes, "INVALID_CSL_EXPORT")
				break
			}
		}
	case "bibtex":
		raw, err := s.fetchRawExport(ctx, scope, collectionKey, "bibtex", query)
		if err != nil {
			return nil, exportBibliographyOutput{}, err
		}
		content = string(raw)
		count = countBibEntries(content)
	default:
		raw, err := s.fetchRawExport(ctx, scope, collectionKey, "biblatex", query)
		if err != nil {
			return nil, exportBibliographyOutput{}, err
		}
		content = string(raw)
		count = countBibEntries(content)
		warnings = append(warnings, "biblatex formatting fallback used; verify output format.")
	}

	sum := sha256.Sum256([]byte(content))
	return nil, exportBibliographyOutput{
		Content:  content,
		Count:    count,
		SHA256:   hex.EncodeToString(sum[:]),
		Warnings: warnings,
		Codes:    codes,
	}, nil
}

// exportCSLJSON asks the API for a csljson export and resolves whatever shape
// comes back: a CSL array or export object passes through after validation,
// native Zotero items are mapped locally. An export that fails validation
// triggers one native refetch with local mapping; when that also fails the
// original content is returned with its warnings.
func (s *server) exportCSLJSON(ctx context.Context, scope, collectionKey string, query zotero.ItemsQuery) (string, int, []string, []string, error) {
	raw, err := s.fetchRawExport(ctx, scope, collectionKey, "csljson", query)
	if err != nil {
		return "", 0, nil, nil, err
	}

	if items, ok := decodeNativeItems(raw); ok {
		content, count, warnings, codes := mapItemsToCSL(items)
		return content, count, warnings, codes, nil
	}

	content := string(raw)
	count, warnings := bib.EnsureCSLJSON(content)
	if !hasInvalidCSLWarning(warnings) {
		return content, count, warnings, nil, nil
	}

	items, ferr := s.fetchNativeItems(ctx, scope, collectionKey, query)
	if ferr != nil {
		s.toolsLog.Debug("csljson fallback refetch failed", "error", ferr)
		return content, count, warnings, nil, nil
	}
	mapped, mappedCount, mappedWarnings, mappedCodes := mapItemsToCSL(items)
	warnings = append(warnings, mappedWarnings...)
	codes := append([]string{"CSL_FALLBACK_LOCAL_MAPPING"}, mappedCodes...)
	return mapped, mappedCount, warnings, codes, nil
}

func (s *server) fetchRawExport(ctx context.Context, scope, collectionKey, format string, query zotero.ItemsQuery) ([]byte, error) {
	if scope == "collection" {
		return s.zotero.CollectionItemsRaw(ctx, collectionKey, format, query)
	}
	return s.zotero.ItemsRaw(ctx, format, query)
}

func (s *server) fetchNativeItems(ctx context.Context, scope, collectionKey string, query zotero.ItemsQuery) ([]zotero.Item, error) {
	if scope == "collection" {
		return s.zotero.CollectionItems(ctx, collectionKey, query)
	}
	return s.zotero.Items(ctx, query)
}

// decodeNativeItems reports whether raw is a native Zotero item listing
// (objects carrying a data envelope) rather than a CSL export.
func decodeNativeItems(raw []byte) ([]zotero.Item, bool) {
	var probe []json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil || len(probe) == 0 {
		return nil, false
	}
	var first map[string]json.RawMessage
	if err := json.Unmarshal(probe[0], &first); err != nil {
		return nil, false
	}
	if _, ok := first["data"]; !ok {
		return nil, false
	}
	var items []zotero.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	return items, true
}

// mapItemsToCSL maps native items to minimal CSL entries, stable-sorted by
// (id, title), and reports diagnostics about degraded ids and authors.
func mapItemsToCSL(items []zotero.Item) (string, int, []string, []string) {
	mapped := make([]map[string]any, 0, len(items))
	var keyIDs, partialAuthors bool
	for _, item := range items {
		entry := bib.ToCSLEntry(item)
		if id, ok := entry["id"].(string); ok && zoteroKeyRe.MatchString(id) {
			keyIDs = true
		}
		if _, ok := entry["author"]; !ok && len(item.Data.Creators) > 0 {
			partialAuthors = true
		}
		mapped = append(mapped, entry)
	}
	sort.SliceStable(mapped, func(i, j int) bool {
		idI, _ := mapped[i]["id"].(string)
		idJ, _ := mapped[j]["id"].(string)
		if idI != idJ {
			return idI < idJ
		}
		titleI, _ := mapped[i]["title"].(string)
		titleJ, _ := mapped[j]["title"].(string)
		return titleI < titleJ
	})
	encoded, _ := json.Marshal(mapped)
	content := string(encoded)

	_, warnings := bib.EnsureCSLJSON(content)
	var codes []string
	if keyIDs {
		warnings = append(warnings, "CSL ids derived from Zotero item keys; Better BibTeX citekeys not available")
		codes = append(codes, "CSL_IDS_FROM_ZOTERO_KEYS")
	}
	if partialAuthors {
		warnings = append(warnings, "Some authors could not be structured (family/given) and were omitted")
		codes = append(codes, "CSL_AUTHORS_PARTIAL")
	}
	return content, len(mapped), warnings, codes
}

func hasInvalidCSLWarning(warnings []string) bool {
	for _, w := range warnings {
		if strings.Contains(w, "INVALID_CSL_EXPORT") {
			return true
		}
	}
	return false
}

// countBibEntries approximates the entry count of a bibtex/biblatex export by
// counting lines that open an @entry.
func countBibEntries(content string) int {
	count := 0
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "@") && !strings.HasPrefix(strings.ToLower(trimmed), "@comment") {
			count++
		}
	}
	return count
}

type ensureStyleInput struct {
	Style string `json:"style" jsonschema:"CSL style id (for example apa or ieee) or an http(s) URL to a .csl file"`
}

type ensureStyleOutput struct {
	Content string `json:"content"`
	SHA256  string `json:"sha256"`
	ETag    string `json:"etag,omitempty"`
	Source  string `json:"source"`
}

func (s *server) handleEnsureStyleTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input ensureStyleInput) (*mcpsdk.CallToolResult, ensureStyleOutput, error) {
	style := strings.TrimSpace(input.Style)
	if style == "" {
		return nil, ensureStyleOutput{}, fmt.Errorf("style is required")
	}
	result, err := s.styles.Get(ctx, style)
	if err != nil {
		return nil, ensureStyleOutput{}, err
	}
	return nil, ensureStyleOutput{
		Content: result.Content,
		SHA256:  result.SHA256,
		ETag:    result.ETag,
		Source:  result.Source,
	}, nil
}

type ensureYAMLCitationsInput struct {
	DocumentContent     string          `json:"documentContent" jsonschema:"Markdown document text"`
	BibliographyContent json.RawMessage `json:"bibliographyContent,omitempty" jsonschema:"When present the front matter marks bibliography as inline"`
	CSLContent          string          `json:"cslContent,omitempty" jsonschema:"When present the front matter marks csl as inline"`
	LinkCitations       *bool           `json:"linkCitations,omitempty" jsonschema:"Set link-citations in the front matter (default true)"`
}

type ensureYAMLCitationsOutput struct {
	UpdatedContent string   `json:"updatedContent"`
	Changed        bool     `json:"changed"`
	KeysUpdated    []string `json:"keysUpdated,omitempty"`
	PreservedKeys  []string `json:"preservedKeys,omitempty"`
}

var yamlFrontMatterRe = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n(.*)$`)

func (s *server) handleEnsureYAMLCitationsTool(_ context.Context, _ *mcpsdk.CallToolRequest, input ensureYAMLCitationsInput) (*mcpsdk.CallToolResult, ensureYAMLCitationsOutput, error) {
	content := strings.TrimPrefix(input.DocumentContent, "\uFEFF")
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	fmText := ""
	body := content
	if m := yamlFrontMatterRe.FindStringSubmatch(content); m != nil {
		fmText = m[1]
		body = m[2]
	}

	mapping := frontMatterMapping(fmText)
	preserved := mappingKeys(mapping)

	linkCitations := true
	if input.LinkCitations != nil {
		linkCitations = *input.LinkCitations
	}

	var keysUpdated []string
	if rawProvided(input.BibliographyContent) {
		if !stringScalarEquals(mappingValue(mapping, "bibliography"), "__INLINE__") {
			keysUpdated = append(keysUpdated, "bibliography")
		}
		setMappingString(mapping, "bibliography", "__INLINE__")
	}
	if strings.TrimSpace(input.CSLContent) != "" {
		if !stringScalarEquals(mappingValue(mapping, "csl"), "__INLINE__") {
			keysUpdated = append(keysUpdated, "csl")
		}
		setMappingString(mapping, "csl", "__INLINE__")
	}
	if !boolScalarEquals(mappingValue(mapping, "link-citations"), linkCitations) {
		keysUpdated = append(keysUpdated, "link-citations")
	}
	setMappingBool(mapping, "link-citations", linkCitations)

	dumped, err := yaml.Marshal(mapping)
	if err != nil {
		return nil, ensureYAMLCitationsOutput{}, fmt.Errorf("encode front matter: %w", err)
	}
	updated := "---\n" + strings.TrimSpace(string(dumped)) + "\n---\n" + body

	return nil, ensureYAMLCitationsOutput{
		UpdatedContent: updated,
		Changed:        updated != content,
		KeysUpdated:    keysUpdated,
		PreservedKeys:  preserved,
	}, nil
}

// frontMatterMapping parses a front-matter block into a yaml mapping node so
// key order survives the round trip. Malformed or non-mapping blocks start
// over with an empty mapping, matching how pandoc treats unusable metadata.
func frontMatterMapping(text string) *yaml.Node {
	if strings.TrimSpace(text) == "" {
		return newMappingNode()
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return newMappingNode()
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return newMappingNode()
	}
	return doc.Content[0]
}

func newMappingNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

func mappingKeys(m *yaml.Node) []string {
	keys := make([]string, 0, len(m.Content)/2)
	for i := 0; i+1 < len(m.Content); i += 2 {
		keys = append(keys, m.Content[i].Value)
	}
	return keys
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setMappingString(m *yaml.Node, key, value string) {
	setMappingNode(m, key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
}

func setMappingBool(m *yaml.Node, key string, value bool) {
	setMappingNode(m, key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(value)})
}

func setMappingNode(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}

func stringScalarEquals(n *yaml.Node, value string) bool {
	return n != nil && n.Kind == yaml.ScalarNode && n.Tag == "!!str" && n.Value == value
}

func boolScalarEquals(n *yaml.Node, value bool) bool {
	return n != nil && n.Kind == yaml.ScalarNode && n.Tag == "!!bool" &&
		strings.EqualFold(n.Value, strconv.FormatBool(value))
}

// rawProvided reports whether an optional JSON field carried a value.
func rawProvided(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

type resolveCitekeysInput struct {
	Citekeys            []string        `json:"citekeys" jsonschema:"Citekeys or Zotero item keys to resolve"`
	BibliographyContent json.RawMessage `json:"bibliographyContent,omitempty" jsonschema:"CSL JSON bibliography (string, array, or object with items) used as the primary lookup"`
	TryZotero           *bool           `json:"tryZotero,omitempty" jsonschema:"Fetch 8-character item keys from Zotero when unresolved (default true)"`
	PreferBBT           *bool           `json:"preferBBT,omitempty" jsonschema:"Ask the Better BibTeX endpoint first (default true)"`
}

type resolvedCitekey struct {
	ID     string   `json:"id,omitempty"`
	Key    string   `json:"key,omitempty"`
	Title  string   `json:"title,omitempty"`
	Author []string `json:"author,omitempty"`
	Issued any      `json:"issued,omitempty"`
	Type   string   `json:"type,omitempty"`
}

type resolveCitekeysOutput struct {
	Resolved      map[string]resolvedCitekey `json:"resolved"`
	Unresolved    []string                   `json:"unresolved"`
	DuplicateKeys []string                   `json:"duplicateKeys"`
}

// handleResolveCitekeysTool resolves citekeys in order of source fidelity:
// the Better BibTeX endpoint first, then the supplied bibliography by entry
// id, then Zotero itself for anything shaped like an item key. The first
// source to resolve a key wins.
func (s *server) handleResolveCitekeysTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input resolveCitekeysInput) (*mcpsdk.CallToolResult, resolveCitekeysOutput, error) {
	citekeys := make([]string, 0, len(input.Citekeys))
	for _, ck := range input.Citekeys {
		if trimmed := strings.TrimSpace(ck); trimmed != "" {
			citekeys = append(citekeys, trimmed)
		}
	}
	if len(citekeys) == 0 {
		return nil, resolveCitekeysOutput{}, fmt.Errorf("citekeys is required")
	}

	duplicates := []string{}
	seen := make(map[string]struct{}, len(citekeys))
	dupSeen := make(map[string]struct{})
	for _, ck := range citekeys {
		if _, ok := seen[ck]; ok {
			if _, dup := dupSeen[ck]; !dup {
				duplicates = append(duplicates, ck)
				dupSeen[ck] = struct{}{}
			}
		}
		seen[ck] = struct{}{}
	}

	resolved := make(map[string]resolvedCitekey)

	if input.PreferBBT == nil || *input.PreferBBT {
		entries, err := s.zotero.ResolveBBT(ctx, citekeys)
		if err != nil {
			s.toolsLog.Debug("better bibtex resolution unavailable", "error", err)
		}
		for _, entry := range entries {
			cid := firstStringField(entry, "id", "citekey")
			if cid == "" {
				continue
			}
			if _, done := resolved[cid]; done {
				continue
			}
			resolved[cid] = resolvedCitekey{
				ID:     cid,
				Title:  stringField(entry, "title"),
				Author: cslAuthorNames(entry["author"]),
				Issued: entry["issued"],
				Type:   stringField(entry, "type"),
			}
		}
	}

	var unresolved []string
	if rawProvided(input.BibliographyContent) {
		normalized, err := bib.NormalizeBibliography(input.BibliographyContent)
		if err != nil {
			return nil, resolveCitekeysOutput{}, fmt.Errorf("invalid bibliographyContent, pass CSL JSON as a string or an array/object with 'items': %w", err)
		}
		byID := cslEntriesByID(normalized)
		for _, ck := range citekeys {
			entry, ok := byID[ck]
			if !ok {
				unresolved = append(unresolved, ck)
				continue
			}
			if _, done := resolved[ck]; done {
				continue
			}
			resolved[ck] = resolvedCitekey{
				ID:     stringField(entry, "id"),
				Title:  stringField(entry, "title"),
				Author: cslAuthorNames(entry["author"]),
				Issued: entry["issued"],
				Type:   stringField(entry, "type"),
			}
		}
	}

	if input.TryZotero == nil || *input.TryZotero {
		candidates := citekeys
		if len(unresolved) > 0 {
			candidates = unresolved
		}
		for _, ck := range candidates {
			if !zoteroKeyRe.MatchString(ck) {
				continue
			}
			if _, done := resolved[ck]; done {
				continue
			}
			item, err := s.zotero.Item(ctx, ck)
			if err != nil {
				continue
			}
			var authors []string
			for _, creator := range item.Data.Creators {
				if name := creatorName(creator); name != "" {
					authors = append(authors, name)
				}
			}
			resolved[ck] = resolvedCitekey{
				Key:    ck,
				Title:  item.Data.Title,
				Author: authors,
				Type:   item.Data.ItemType,
			}
		}
	}

	final := make([]string, 0, len(citekeys))
	finalSeen := make(map[string]struct{})
	for _, ck := range citekeys {
		if _, ok := resolved[ck]; ok {
			continue
		}
		if _, dup := finalSeen[ck]; dup {
			continue
		}
		finalSeen[ck] = struct{}{}
		final = append(final, ck)
	}

	return nil, resolveCitekeysOutput{
		Resolved:      resolved,
		Unresolved:    final,
		DuplicateKeys: duplicates,
	}, nil
}

// cslEntriesByID indexes normalized CSL JSON by entry id. Export objects
// carry their entries under "items".
func cslEntriesByID(normalized string) map[string]map[string]any {
	var parsed any
	if err := json.Unmarshal([]byte(normalized), &parsed); err != nil {
		return nil
	}
	entries, ok := parsed.([]any)
	if !ok {
		obj, isObj := parsed.(map[string]any)
		if !isObj {
			return nil
		}
		entries, _ = obj["items"].([]any)
	}
	byID := make(map[string]map[string]any, len(entries))
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := entry["id"].(string); ok && id != "" {
			byID[id] = entry
		}
	}
	return byID
}

// cslAuthorNames renders "family, given" strings from a CSL author list.
// Better BibTeX sometimes emits last/first keys instead.
func cslAuthorNames(value any) []string {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	var authors []string
	for _, raw := range list {
		author, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		family := firstStringField(author, "family", "last")
		given := firstStringField(author, "given", "first")
		switch {
		case family != "" && given != "":
			authors = append(authors, family+", "+given)
		case family != "":
			authors = append(authors, family)
		}
	}
	return authors
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func firstStringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
