// Package bib normalizes and inspects bibliography content handed to the
// export and citation tools. Callers pass CSL JSON in whatever container
// their client produced: a JSON array, an object with an items array, a
// double-encoded JSON string, or YAML bibliography text. Everything comes
// out as one compact CSL-JSON string.
package bib

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v2"
	"pkt.systems/refd/internal/jsonutil"
	"pkt.systems/refd/internal/zotero"
)

var yearRe = regexp.MustCompile(`(19|20)\d{2}`)

// NormalizeBibliography converts raw bibliography input into a compact JSON
// string suitable for pandoc --bibliography. Accepted shapes: JSON array,
// JSON object (CSL export objects carry an "items" array), a JSON string
// wrapping either, or a JSON string wrapping YAML bibliography text. Scalars
// and malformed text are errors.
func NormalizeBibliography(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "[]", nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return "", fmt.Errorf("invalid JSON string: %w", err)
		}
		return normalizeText(inner)
	}
	if err := validateShape([]byte(trimmed)); err != nil {
		return "", err
	}
	return jsonutil.CompactString([]byte(trimmed), 0)
}

// normalizeText handles string payloads: JSON first, YAML bibliography text
// as a fallback for clients that paste pandoc-style references blocks.
func normalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "[]", nil
	}
	if json.Valid([]byte(text)) {
		if err := validateShape([]byte(text)); err != nil {
			return "", err
		}
		return jsonutil.CompactString([]byte(text), 0)
	}
	converted, err := yamlToJSON(text)
	if err != nil {
		return "", fmt.Errorf("neither JSON nor YAML bibliography: %w", err)
	}
	if err := validateShape(converted); err != nil {
		return "", err
	}
	return jsonutil.CompactString(converted, 0)
}

// validateShape rejects scalar payloads. Arrays pass, and so do objects; a
// CSL export object carries its entries under "items".
func validateShape(raw []byte) error {
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	switch probe.(type) {
	case []any, map[string]any:
		return nil
	default:
		return errors.New("expected a JSON array of CSL items or an object with 'items'")
	}
}

// yamlToJSON converts YAML text to JSON bytes. yaml.v2 produces
// map[interface{}]interface{} values, which json.Marshal refuses, so the
// tree is rewritten with string keys first.
func yamlToJSON(text string) ([]byte, error) {
	var value any
	if err := yaml.Unmarshal([]byte(text), &value); err != nil {
		return nil, err
	}
	// A references block wraps the entries: {references: [...]}.
	if m, ok := value.(map[any]any); ok {
		if refs, ok := m["references"]; ok {
			value = refs
		}
	}
	converted, err := stringifyKeys(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(converted)
}

func stringifyKeys(value any) (any, error) {
	switch v := value.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			sk, ok := key.(string)
			if !ok {
				sk = fmt.Sprint(key)
			}
			converted, err := stringifyKeys(item)
			if err != nil {
				return nil, err
			}
			out[sk] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			converted, err := stringifyKeys(item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return value, nil
	}
}

// EnsureCSLJSON parses text as CSL JSON and reports diagnostic warnings for
// suspicious shapes. The first five entries are checked for string ids; a
// deeper scan buys nothing because citeproc fails on the first bad entry
// anyway.
func EnsureCSLJSON(text string) (count int, warnings []string) {
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return 0, []string{fmt.Sprintf("INVALID_CSL_EXPORT: not JSON parseable (%v)", err)}
	}
	validate := func(entries []any) []string {
		for i, entry := range entries {
			if i >= 5 {
				break
			}
			obj, ok := entry.(map[string]any)
			if !ok {
				return []string{"INVALID_CSL_EXPORT: entries missing string 'id', downstream citeproc may fail"}
			}
			if _, ok := obj["id"].(string); !ok {
				return []string{"INVALID_CSL_EXPORT: entries missing string 'id', downstream citeproc may fail"}
			}
		}
		return nil
	}
	switch v := parsed.(type) {
	case []any:
		return len(v), validate(v)
	case map[string]any:
		if items, ok := v["items"].([]any); ok {
			return len(items), validate(items)
		}
	}
	return 0, []string{"INVALID_CSL_EXPORT: unexpected JSON shape (expected array or object with 'items')"}
}

// ToCSLEntry maps a native Zotero item to a minimal CSL entry: id, title,
// authors, issued year, rough type, DOI, URL. Enough for citeproc to link a
// citation, not a faithful CSL conversion.
func ToCSLEntry(item zotero.Item) map[string]any {
	entry := map[string]any{}
	id := item.Data.Citekey
	if id == "" {
		id = item.Key
	}
	if id == "" {
		id = item.Data.Key
	}
	entry["id"] = id
	entry["title"] = item.Data.Title

	var authors []map[string]any
	for _, creator := range item.Data.Creators {
		family := creator.LastName
		if family == "" {
			family = creator.Family
		}
		given := creator.FirstName
		if given == "" {
			given = creator.Given
		}
		if family == "" && given == "" {
			continue
		}
		author := map[string]any{}
		if family != "" {
			author["family"] = family
		}
		if given != "" {
			author["given"] = given
		}
		authors = append(authors, author)
	}
	if len(authors) > 0 {
		entry["author"] = authors
	}

	if year := extractYear(item.Data.Date); year > 0 {
		entry["issued"] = map[string]any{"date-parts": [][]int{{year}}}
	}
	if item.Data.ItemType != "" {
		entryType := item.Data.ItemType
		if entryType == "journalArticle" {
			entryType = "article-journal"
		}
		entry["type"] = entryType
	}
	if item.Data.DOI != "" {
		entry["DOI"] = item.Data.DOI
	}
	if item.Data.URL != "" {
		entry["URL"] = item.Data.URL
	}
	return entry
}

func extractYear(date string) int {
	match := yearRe.FindString(date)
	if match == "" {
		return 0
	}
	year, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}
	return year
}
