package mcp

import (
	"strings"
	"testing"
	"time"
)

func TestBuildToolDescriptionsCoverage(t *testing.T) {
	t.Parallel()

	descriptions := buildToolDescriptions(Config{})

	if len(descriptions) != len(mcpToolNames) {
		t.Fatalf("expected %d tool descriptions, got %d", len(mcpToolNames), len(descriptions))
	}
	for _, name := range mcpToolNames {
		description, ok := descriptions[name]
		if !ok {
			t.Fatalf("missing description for %s", name)
		}
		if strings.TrimSpace(description) == "" {
			t.Fatalf("empty description for %s", name)
		}
	}
}

func TestBuildToolDescriptionsIncludeOperationalSections(t *testing.T) {
	t.Parallel()

	descriptions := buildToolDescriptions(Config{})
	required := []string{
		"Purpose:",
		"Use when:",
		"Requires:",
		"Effects:",
		"Retry:",
		"Next:",
	}
	for _, name := range mcpToolNames {
		description := descriptions[name]
		for _, marker := range required {
			if !strings.Contains(description, marker) {
				t.Fatalf("description for %s missing marker %q: %q", name, marker, description)
			}
		}
	}
}

func TestBuildToolDescriptionsReflectTokenPolicy(t *testing.T) {
	t.Parallel()

	descriptions := buildToolDescriptions(Config{})
	if !strings.Contains(descriptions[toolBuildExports], "Tokens stay valid for repeat downloads until expiry.") {
		t.Fatalf("build description missing keep-until-expiry token rule: %q", descriptions[toolBuildExports])
	}

	descriptions = buildToolDescriptions(Config{DeleteAfterDownload: true})
	if !strings.Contains(descriptions[toolBuildExports], "Tokens are single-use: the artifact is deleted after the first successful download.") {
		t.Fatalf("build description missing single-use token rule: %q", descriptions[toolBuildExports])
	}
}

func TestBuildToolDescriptionsReflectTTL(t *testing.T) {
	t.Parallel()

	descriptions := buildToolDescriptions(Config{FileTTL: 30 * time.Minute})
	if !strings.Contains(descriptions[toolBuildExports], "expire after 30 minutes") {
		t.Fatalf("build description missing configured ttl: %q", descriptions[toolBuildExports])
	}
}

func TestBuildToolDescriptionsReflectStylesDir(t *testing.T) {
	t.Parallel()

	descriptions := buildToolDescriptions(Config{})
	if !strings.Contains(descriptions[toolEnsureStyle], "the CSL styles repository") {
		t.Fatalf("style description missing repository source: %q", descriptions[toolEnsureStyle])
	}

	descriptions = buildToolDescriptions(Config{StylesDir: "/srv/styles"})
	if !strings.Contains(descriptions[toolEnsureStyle], `the local styles directory "/srv/styles"`) {
		t.Fatalf("style description missing local styles dir: %q", descriptions[toolEnsureStyle])
	}
}

func TestFormatToolDescriptionMultilineNext(t *testing.T) {
	t.Parallel()

	got := formatToolDescription(toolContract{
		Top:      []string{"TOP LINE", "  "},
		Purpose:  "p",
		UseWhen:  "u",
		Requires: "r",
		Effects:  "e",
		Retry:    "t",
		Next:     "first\nsecond",
	})
	if !strings.HasPrefix(got, "TOP LINE\n") {
		t.Fatalf("expected top line first, got %q", got)
	}
	if !strings.Contains(got, "Next:\nfirst\nsecond") {
		t.Fatalf("expected multiline next block, got %q", got)
	}
}
