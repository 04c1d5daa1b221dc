package exportname_test

import (
	"strings"
	"testing"

	"pkt.systems/refd/internal/exportname"
)

func TestDerive(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		document string
		override string
		want     string
	}{
		{
			name:     "override wins",
			document: "# Heading Title\n\nbody",
			override: "My Report",
			want:     "My_Report",
		},
		{
			name:     "blank override ignored",
			document: "# Heading Title\n",
			override: "   ",
			want:     "Heading_Title",
		},
		{
			name:     "front matter title",
			document: "---\ntitle: Annual Review 2025\nauthor: someone\n---\n\n# Different Heading\n",
			want:     "Annual_Review_2025",
		},
		{
			name:     "quoted front matter title",
			document: "---\ntitle: \"Quoted Title\"\n---\nbody\n",
			want:     "Quoted_Title",
		},
		{
			name:     "malformed front matter falls back to title line",
			document: "---\ntitle: [unclosed\nother: x\n---\nbody\n",
			want:     "unclosed",
		},
		{
			name:     "first heading",
			document: "intro text\n\n# The Real Title\n\n## Subsection\n",
			want:     "The_Real_Title",
		},
		{
			name:     "bom stripped",
			document: "\uFEFF# BOM Doc\n",
			want:     "BOM_Doc",
		},
		{
			name:     "no title anywhere",
			document: "plain text without structure\n",
			want:     "document",
		},
		{
			name: "empty document",
			want: "document",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := exportname.Derive(tc.document, tc.override); got != tc.want {
				t.Fatalf("Derive(%q, %q) = %q, want %q", tc.document, tc.override, got, tc.want)
			}
		})
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	t.Parallel()

	doc := "---\ntitle: Stable Name\n---\n\n# Other\n"
	first := exportname.Derive(doc, "")
	second := exportname.Derive(doc, "")
	if first != second {
		t.Fatalf("expected identical results, got %q and %q", first, second)
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"Hello, World!", "Hello_World"},
		{"  spaced  ", "spaced"},
		{"...dots...", "dots"},
		{"___", "document"},
		{"", "document"},
		{"a/b\\c:d", "a_b_c_d"},
		{"Ünïcødé Tîtle", "n_c_d_T_tle"},
		{"keep.dots-and_underscores", "keep.dots-and_underscores"},
	}
	for _, tc := range cases {
		if got := exportname.Sanitize(tc.in); got != tc.want {
			t.Fatalf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeCapsLength(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 500)
	got := exportname.Sanitize(long)
	if len(got) != exportname.MaxBasenameLen {
		t.Fatalf("expected %d chars, got %d", exportname.MaxBasenameLen, len(got))
	}
}
