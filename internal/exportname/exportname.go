// Package exportname derives safe output basenames for converter artifacts
// from document content or an explicit override.
package exportname

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBasename is used when neither the document nor the override yields a
// usable name.
const DefaultBasename = "document"

// MaxBasenameLen caps derived basenames.
const MaxBasenameLen = 120

var (
	unsafeRunRe   = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	frontMatterRe = regexp.MustCompile(`(?s)^---[ \t\r]*\n(.*?)\n---[ \t\r]*\n`)
	titleLineRe   = regexp.MustCompile(`(?m)^title:[ \t]*['"]?([^'"\n]+)`)
	headingRe     = regexp.MustCompile(`(?m)^#\s+([^\n]+)`)
)

// Sanitize collapses every run of characters outside [A-Za-z0-9._-] to a
// single underscore, trims leading and trailing separators, substitutes the
// default for empty results, and caps the length.
func Sanitize(candidate string) string {
	cleaned := unsafeRunRe.ReplaceAllString(strings.TrimSpace(candidate), "_")
	cleaned = strings.Trim(cleaned, "._-")
	if cleaned == "" {
		cleaned = DefaultBasename
	}
	if len(cleaned) > MaxBasenameLen {
		cleaned = cleaned[:MaxBasenameLen]
	}
	return cleaned
}

// Derive computes the output basename for a document. A non-blank override
// wins. Otherwise the YAML front-matter title is used when present, then the
// first level-1 heading, then the default literal. Deterministic for
// identical inputs.
func Derive(document, override string) string {
	if strings.TrimSpace(override) != "" {
		return Sanitize(override)
	}

	text := strings.TrimPrefix(document, "\uFEFF")
	if m := frontMatterRe.FindStringSubmatch(text); m != nil {
		if title := frontMatterTitle(m[1]); title != "" {
			return Sanitize(title)
		}
	}
	if m := headingRe.FindStringSubmatch(text); m != nil {
		return Sanitize(m[1])
	}
	return DefaultBasename
}

// frontMatterTitle extracts a string title from a front-matter block. Valid
// YAML is parsed first; a line-anchored scan covers malformed blocks and
// non-string title values.
func frontMatterTitle(block string) string {
	var fields map[string]any
	if err := yaml.Unmarshal([]byte(block), &fields); err == nil {
		if title, ok := fields["title"].(string); ok {
			return title
		}
	}
	if m := titleLineRe.FindStringSubmatch(block); m != nil {
		return m[1]
	}
	return ""
}
