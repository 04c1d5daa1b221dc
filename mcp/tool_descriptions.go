package mcp

import (
	"fmt"
	"strings"

	"pkt.systems/refd"
)

const (
	toolBuildExports        = "zotero_build_exports_content"
	toolSearchItems         = "zotero_search_items"
	toolItemMetadata        = "zotero_item_metadata"
	toolItemFulltext        = "zotero_item_fulltext"
	toolGetCollections      = "zotero_get_collections"
	toolExportBibliography  = "zotero_export_bibliography_content"
	toolEnsureStyle         = "zotero_ensure_style_content"
	toolEnsureYAMLCitations = "zotero_ensure_yaml_citations_content"
	toolResolveCitekeys     = "zotero_resolve_citekeys"
	toolHealth              = "zotero_health"
)

var mcpToolNames = []string{
	toolBuildExports,
	toolSearchItems,
	toolItemMetadata,
	toolItemFulltext,
	toolGetCollections,
	toolExportBibliography,
	toolEnsureStyle,
	toolEnsureYAMLCitations,
	toolResolveCitekeys,
	toolHealth,
}

type toolContract struct {
	Top      []string
	Purpose  string
	UseWhen  string
	Requires string
	Effects  string
	Retry    string
	Next     string
}

func formatToolDescription(spec toolContract) string {
	lines := make([]string, 0, len(spec.Top)+6)
	for _, line := range spec.Top {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	lines = append(lines, []string{
		"Purpose: " + spec.Purpose,
		"Use when: " + spec.UseWhen,
		"Requires: " + spec.Requires,
		"Effects: " + spec.Effects,
		"Retry: " + spec.Retry,
	}...)
	if strings.Contains(spec.Next, "\n") {
		lines = append(lines, "Next:\n"+spec.Next)
	} else {
		lines = append(lines, "Next: "+spec.Next)
	}
	return strings.Join(lines, "\n")
}

const (
	contentFirstLine  = "CONTENT-FIRST: Pass documents, bibliographies, and styles inline as strings; this server never reads or writes client workspace paths."
	downloadTokenLine = "DOWNLOAD: Artifacts are never inlined in tool results; fetch them over HTTP with the returned downloadUrl before the token expires."
	localAPILine      = "LOCAL API: Library reads go to the local Zotero desktop API; Zotero must be running for this tool to answer."
)

func buildToolDescriptions(cfg Config) map[string]string {
	ttl := cfg.FileTTL
	if ttl <= 0 {
		ttl = refd.DefaultFileTTL
	}
	ttlText := fmt.Sprintf("%d minutes", int(ttl.Minutes()))
	formats := strings.Join(refd.SupportedFormats, ", ")
	tokenUse := "Tokens stay valid for repeat downloads until expiry."
	if cfg.DeleteAfterDownload {
		tokenUse = "Tokens are single-use: the artifact is deleted after the first successful download."
	}
	styleSource := "the CSL styles repository"
	if strings.TrimSpace(cfg.StylesDir) != "" {
		styleSource = fmt.Sprintf("the local styles directory %q, then the CSL styles repository", cfg.StylesDir)
	}

	return map[string]string{
		toolBuildExports: formatToolDescription(toolContract{
			Top: []string{
				contentFirstLine,
				downloadTokenLine,
			},
			Purpose:  "Convert a Markdown document to DOCX/PDF with pandoc --citeproc and park each artifact behind a download token.",
			UseWhen:  "The user wants a rendered document (report, paper, memo) rather than raw Markdown.",
			Requires: fmt.Sprintf("`documentText` and `formats` (any of: %s) are required. Optional `bibliographyContent` (CSL JSON string, array, or object with an `items` array), `styleContent` (CSL XML), `outputBasename`, `useCiteproc` (default true), `pdfEngine` (wkhtmltopdf|weasyprint|xelatex), `extraArgs`.", formats),
			Effects:  fmt.Sprintf("Runs pandoc once per format and registers each output for HTTP download. Artifacts expire after %s. %s Per-format failures surface as warnings while sibling formats continue.", ttlText, tokenUse),
			Retry:    "Safe to retry; every call mints fresh tokens. If the result carries `clientBuild`, pandoc is missing server-side: hand its commands to the user instead of retrying.",
			Next:     "download each artifact with `curl -o <filename> <downloadUrl>` before it expires.",
		}),
		toolSearchItems: formatToolDescription(toolContract{
			Top: []string{
				localAPILine,
			},
			Purpose:  "Search the Zotero library and return matching items with a Markdown summary.",
			UseWhen:  "You need item keys or an overview of the references matching a phrase.",
			Requires: "`query` is required. `qmode` is `titleCreatorYear` (default) or `everything`. Optional `tag` filter (Zotero boolean tag syntax) and `limit` (default 10).",
			Effects:  "Read-only.",
			Retry:    "Safe to retry; this is a read operation.",
			Next:     "call `zotero_item_metadata` or `zotero_item_fulltext` with a returned item key.",
		}),
		toolItemMetadata: formatToolDescription(toolContract{
			Top: []string{
				localAPILine,
			},
			Purpose:  "Fetch one item's bibliographic record formatted as Markdown.",
			UseWhen:  "You have an item key and need its full metadata (creators, publication, identifiers, tags).",
			Requires: "`itemKey` is required.",
			Effects:  "Read-only.",
			Retry:    "Safe to retry; this is a read operation.",
			Next:     "use `zotero_item_fulltext` for the attachment text, or cite the item in a document build.",
		}),
		toolItemFulltext: formatToolDescription(toolContract{
			Top: []string{
				localAPILine,
			},
			Purpose:  "Fetch one item's metadata plus the extracted text of its best attachment.",
			UseWhen:  "You need the document content behind a reference, not just its record.",
			Requires: "`itemKey` of a parent item or of a specific attachment.",
			Effects:  "Read-only. Attachment preference: the item itself when it is an attachment, otherwise the first child attachment preferring application/pdf, then text/html.",
			Retry:    "Safe to retry; this is a read operation.",
			Next:     "quote or summarize the returned text; fall back to `zotero_item_metadata` when no attachment exists.",
		}),
		toolGetCollections: formatToolDescription(toolContract{
			Top: []string{
				localAPILine,
			},
			Purpose:  "List collections as a flattened tree with computed paths and item counts.",
			UseWhen:  "You need collection keys for scoped bibliography exports, or want the library layout.",
			Requires: "No arguments. Optional `parentKey` narrows the listing to one subtree.",
			Effects:  "Read-only.",
			Retry:    "Safe to retry; this is a read operation.",
			Next:     "pass a collection key to `zotero_export_bibliography_content` with `scope=collection`.",
		}),
		toolExportBibliography: formatToolDescription(toolContract{
			Top: []string{
				localAPILine,
				contentFirstLine,
			},
			Purpose:  "Export the library or one collection as csljson, bibtex, or biblatex content.",
			UseWhen:  "You need a bibliography string to feed `zotero_build_exports_content` or to hand to the user.",
			Requires: "`format` defaults to csljson. `scope` is `library` (default) or `collection` (then `collectionKey` is required). Optional `limit` (1-100, default 100) and `fetchAll` (default true).",
			Effects:  "Read-only. csljson output is validated; when upstream returns native items they are mapped locally to minimal CSL entries and diagnostics arrive as warnings plus machine-readable codes.",
			Retry:    "Safe to retry; this is a read operation.",
			Next:     "pass `content` as `bibliographyContent` to the build or front-matter tools.",
		}),
		toolEnsureStyle: formatToolDescription(toolContract{
			Purpose:  "Fetch a CSL citation style by id or URL and return its XML.",
			UseWhen:  "A build needs a specific citation style (for example apa or chicago-author-date).",
			Requires: "`style` is required: a style id (`.csl` appended when missing) or an http(s) URL.",
			Effects:  fmt.Sprintf("Read-only. Styles resolve against %s; fetched styles are cached server-side.", styleSource),
			Retry:    "Safe to retry; repeat calls hit the cache.",
			Next:     "pass `content` as `styleContent` to `zotero_build_exports_content`.",
		}),
		toolEnsureYAMLCitations: formatToolDescription(toolContract{
			Top: []string{
				contentFirstLine,
			},
			Purpose:  "Insert or update the bibliography, csl, and link-citations keys in a Markdown document's YAML front matter.",
			UseWhen:  "Preparing a Markdown document for a citeproc build while keeping its existing front matter intact.",
			Requires: "`documentContent` is required. Optional `bibliographyContent` and `cslContent` mark the matching keys as inline (`__INLINE__`); `linkCitations` defaults to true.",
			Effects:  "Returns the updated document and which keys changed; unrelated front-matter keys are preserved.",
			Retry:    "Safe to retry; the edit is idempotent.",
			Next:     "feed `updatedContent` to `zotero_build_exports_content` together with the inline bibliography and style.",
		}),
		toolResolveCitekeys: formatToolDescription(toolContract{
			Top: []string{
				localAPILine,
			},
			Purpose:  "Resolve citekeys to minimal item metadata.",
			UseWhen:  "Verifying that the keys cited in a document exist before building.",
			Requires: "`citekeys` is required. Optional `bibliographyContent` (CSL JSON) is matched by entry id; `preferBBT` (default true) asks Better BibTeX first; `tryZotero` (default true) falls back to Zotero lookups for 8-character item keys.",
			Effects:  "Read-only. Better BibTeX failures are swallowed; resolution falls through the remaining sources.",
			Retry:    "Safe to retry; this is a read operation.",
			Next:     "fix unresolved keys in the document or bibliography, then build.",
		}),
		toolHealth: formatToolDescription(toolContract{
			Purpose:  "Report converter, PDF engine, Zotero connectivity, artifact registry, and process statistics.",
			UseWhen:  "Diagnosing a failed build or download, or checking the toolchain before a long run.",
			Requires: "No arguments.",
			Effects:  "Read-only; probes pandoc and PDF-engine versions and pings the Zotero API.",
			Retry:    "Safe to retry; this is a read operation.",
			Next:     "install missing tools or start Zotero, then rerun the failed tool.",
		}),
	}
}
