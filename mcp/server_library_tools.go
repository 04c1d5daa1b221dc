package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/refd/internal/zotero"
)

type searchItemsInput struct {
	Query string `json:"query" jsonschema:"Search phrase"`
	QMode string `json:"qmode,omitempty" jsonschema:"Search mode: titleCreatorYear (default) or everything"`
	Tag   string `json:"tag,omitempty" jsonschema:"Tag filter; Zotero boolean tag syntax passes through"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum results (default 10)"`
}

type searchItemEntry struct {
	Key      string   `json:"key"`
	Title    string   `json:"title"`
	ItemType string   `json:"itemType"`
	Date     string   `json:"date,omitempty"`
	Creators []string `json:"creators,omitempty"`
}

type searchItemsOutput struct {
	Count   int               `json:"count"`
	Items   []searchItemEntry `json:"items"`
	Summary string            `json:"summary"`
}

func (s *server) handleSearchItemsTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input searchItemsInput) (*mcpsdk.CallToolResult, searchItemsOutput, error) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, searchItemsOutput{}, fmt.Errorf("query is required")
	}
	qmode := strings.TrimSpace(input.QMode)
	switch qmode {
	case "":
		qmode = "titleCreatorYear"
	case "titleCreatorYear", "everything":
	default:
		return nil, searchItemsOutput{}, fmt.Errorf("invalid qmode %q (expected titleCreatorYear|everything)", input.QMode)
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}

	items, err := s.zotero.Items(ctx, zotero.ItemsQuery{
		Q:     query,
		QMode: qmode,
		Tag:   strings.TrimSpace(input.Tag),
		Limit: limit,
	})
	if err != nil {
		return nil, searchItemsOutput{}, err
	}

	out := searchItemsOutput{
		Count:   len(items),
		Items:   make([]searchItemEntry, 0, len(items)),
		Summary: renderSearchSummary(query, strings.TrimSpace(input.Tag), items),
	}
	for _, item := range items {
		entry := searchItemEntry{
			Key:      item.Key,
			Title:    item.Data.Title,
			ItemType: item.Data.ItemType,
			Date:     item.Data.Date,
		}
		for _, creator := range item.Data.Creators {
			if name := creatorName(creator); name != "" {
				entry.Creators = append(entry.Creators, name)
			}
		}
		out.Items = append(out.Items, entry)
	}
	return nil, out, nil
}

func renderSearchSummary(query, tag string, items []zotero.Item) string {
	if len(items) == 0 {
		return "No items found matching your query."
	}
	found := fmt.Sprintf("Found %d items.", len(items))
	if tag != "" {
		found += fmt.Sprintf(" Using tag filter: %s", tag)
	}
	sections := []string{
		fmt.Sprintf("# Search Results for: '%s'", query),
		found,
		"Use item keys with zotero_item_metadata or zotero_item_fulltext for more details.\n",
	}
	for i, item := range items {
		if item.Data.ItemType == "note" {
			sections = append(sections, renderNoteSearchEntry(i+1, item))
			continue
		}
		sections = append(sections, renderItemSearchEntry(i+1, item))
	}
	return strings.Join(sections, "\n\n")
}

func renderNoteSearchEntry(position int, item zotero.Item) string {
	content := strings.TrimSpace(htmlToText(item.Data.Note))

	title := "Note"
	if content != "" {
		firstLine := strings.TrimSpace(strings.SplitN(content, "\n", 2)[0])
		switch {
		case firstLine == "":
		case utf8.RuneCountInString(firstLine) <= 50:
			title = firstLine
		default:
			words := strings.Fields(firstLine)
			if len(words) > 5 {
				words = words[:5]
			}
			title = strings.Join(words, " ") + "..."
		}
	}

	entry := []string{
		fmt.Sprintf("## %d. 📝 %s", position, title),
		fmt.Sprintf("**Type**: Note | **Key**: `%s`", item.Key),
	}
	if item.Data.ParentItem != "" {
		entry = append(entry, fmt.Sprintf("**Parent Item**: `%s`", item.Data.ParentItem))
	}
	entry = append(entry, "\n"+truncate(content, 150))
	if tags := tagLine(item.Data.Tags, 5); tags != "" {
		entry = append(entry, "\n**Tags**: "+tags)
	}
	return strings.Join(entry, "\n")
}

func renderItemSearchEntry(position int, item zotero.Item) string {
	data := item.Data
	title := data.Title
	if title == "" {
		title = "Untitled"
	}
	itemType := data.ItemType
	if itemType == "" {
		itemType = "unknown"
	}

	shown := data.Creators
	if len(shown) > 3 {
		shown = shown[:3]
	}
	var creators []string
	for _, creator := range shown {
		if name := creatorName(creator); name != "" {
			creators = append(creators, name)
		}
	}
	if len(data.Creators) > 3 {
		creators = append(creators, "et al.")
	}
	creatorStr := "No authors"
	if len(creators) > 0 {
		creatorStr = strings.Join(creators, "; ")
	}

	var source string
	switch {
	case data.PublicationTitle != "":
		source = data.PublicationTitle
	case data.BookTitle != "":
		source = "In: " + data.BookTitle
	case data.Publisher != "":
		source = data.Publisher
	}

	entry := []string{
		fmt.Sprintf("## %d. %s", position, title),
		fmt.Sprintf("**Type**: %s | **Date**: %s | **Key**: `%s`", itemType, data.Date, item.Key),
		"**Authors**: " + creatorStr,
	}
	if source != "" {
		entry = append(entry, "**Source**: "+source)
	}
	if data.AbstractNote != "" {
		entry = append(entry, "\n"+truncate(data.AbstractNote, 150))
	}
	if tags := tagLine(data.Tags, 5); tags != "" {
		entry = append(entry, "\n**Tags**: "+tags)
	}
	return strings.Join(entry, "\n")
}

type itemMetadataInput struct {
	ItemKey string `json:"itemKey" jsonschema:"Zotero item key"`
}

type itemMetadataOutput struct {
	Key      string `json:"key"`
	ItemType string `json:"itemType"`
	Title    string `json:"title,omitempty"`
	Markdown string `json:"markdown"`
}

func (s *server) handleItemMetadataTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input itemMetadataInput) (*mcpsdk.CallToolResult, itemMetadataOutput, error) {
	key := strings.TrimSpace(input.ItemKey)
	if key == "" {
		return nil, itemMetadataOutput{}, fmt.Errorf("itemKey is required")
	}
	item, err := s.zotero.Item(ctx, key)
	if err != nil {
		if errors.Is(err, zotero.ErrItemNotFound) {
			return nil, itemMetadataOutput{}, fmt.Errorf("no item found with key: %s", key)
		}
		return nil, itemMetadataOutput{}, err
	}
	return nil, itemMetadataOutput{
		Key:      item.Key,
		ItemType: item.Data.ItemType,
		Title:    item.Data.Title,
		Markdown: formatItem(item),
	}, nil
}

type itemFulltextInput struct {
	ItemKey string `json:"itemKey" jsonschema:"Item key of a parent item or of a specific attachment"`
}

type itemFulltextOutput struct {
	Key           string `json:"key"`
	AttachmentKey string `json:"attachmentKey,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	WordCount     int    `json:"wordCount,omitempty"`
	Markdown      string `json:"markdown"`
}

func (s *server) handleItemFulltextTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input itemFulltextInput) (*mcpsdk.CallToolResult, itemFulltextOutput, error) {
	key := strings.TrimSpace(input.ItemKey)
	if key == "" {
		return nil, itemFulltextOutput{}, fmt.Errorf("itemKey is required")
	}
	item, err := s.zotero.Item(ctx, key)
	if err != nil {
		if errors.Is(err, zotero.ErrItemNotFound) {
			return nil, itemFulltextOutput{}, fmt.Errorf("no item found with key: %s", key)
		}
		return nil, itemFulltextOutput{}, err
	}

	header := formatItem(item)

	attachment, err := s.zotero.AttachmentFor(ctx, item)
	if err != nil {
		return nil, itemFulltextOutput{}, err
	}
	if attachment == nil {
		return nil, itemFulltextOutput{
			Key:      item.Key,
			Markdown: header + "\n\n## Attachment Information\n[❌ No suitable attachment found for full text extraction. This item may not have any attached files or they may not be in a supported format.]",
		}, nil
	}

	out := itemFulltextOutput{
		Key:           item.Key,
		AttachmentKey: attachment.Key,
		ContentType:   attachment.ContentType,
	}
	attachmentInfo := fmt.Sprintf("\n## Attachment Information\n- **Key**: `%s`\n- **Type**: %s", attachment.Key, attachment.ContentType)

	fulltext, err := s.zotero.Fulltext(ctx, attachment.Key)
	switch {
	case err == nil && fulltext.Content != "":
		out.WordCount = len(strings.Fields(fulltext.Content))
		attachmentInfo += fmt.Sprintf("\n- **Word Count**: ~%d", out.WordCount)
		out.Markdown = header + attachmentInfo + "\n\n## Document Content\n\n" + fulltext.Content
	case err != nil && !errors.Is(err, zotero.ErrFulltextUnavailable):
		return nil, itemFulltextOutput{}, err
	default:
		out.Markdown = header + attachmentInfo + "\n\n## Document Content\n\n[⚠️ Attachment is available but text extraction is not possible. The document may be scanned as images or have other restrictions that prevent text extraction.]"
	}
	return nil, out, nil
}

type getCollectionsInput struct {
	ParentKey string `json:"parentKey,omitempty" jsonschema:"Only list collections under this collection key"`
}

type collectionNode struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	ParentKey string `json:"parentKey,omitempty"`
	Path      string `json:"path"`
	ItemCount int    `json:"itemCount"`
}

type getCollectionsOutput struct {
	Count       int              `json:"count"`
	Collections []collectionNode `json:"collections"`
	Summary     string           `json:"summary"`
}

func (s *server) handleGetCollectionsTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input getCollectionsInput) (*mcpsdk.CallToolResult, getCollectionsOutput, error) {
	parentKey := strings.TrimSpace(input.ParentKey)

	var (
		collections []zotero.Collection
		err         error
	)
	if parentKey != "" {
		collections, err = s.zotero.SubCollections(ctx, parentKey)
		if err != nil {
			// Older servers lack the subcollections route; fall back to
			// filtering the full listing.
			all, allErr := s.zotero.Collections(ctx)
			if allErr != nil {
				return nil, getCollectionsOutput{}, err
			}
			collections = nil
			for _, c := range all {
				if string(c.Data.ParentCollection) == parentKey {
					collections = append(collections, c)
				}
			}
		}
	} else {
		collections, err = s.zotero.Collections(ctx)
		if err != nil {
			return nil, getCollectionsOutput{}, err
		}
	}

	flat := buildCollectionTree(collections)

	// A subtree listing lacks the parent itself; prefix its name so paths
	// stay rooted.
	if parentKey != "" && !containsCollectionKey(flat, parentKey) {
		prefix := parentKey
		if parent, perr := s.zotero.Collection(ctx, parentKey); perr == nil && parent.Data.Name != "" {
			prefix = parent.Data.Name
		}
		for i := range flat {
			flat[i].Path = prefix + "/" + flat[i].Path
		}
	}

	sort.Slice(flat, func(i, j int) bool {
		if flat[i].Path != flat[j].Path {
			return flat[i].Path < flat[j].Path
		}
		return flat[i].Name < flat[j].Name
	})

	return nil, getCollectionsOutput{
		Count:       len(flat),
		Collections: flat,
		Summary:     renderCollectionsSummary(parentKey, flat),
	}, nil
}

// buildCollectionTree flattens collections into nodes with slash-joined
// paths computed depth-first from the roots. Nodes whose parent is not in
// the listing keep their own name as path.
func buildCollectionTree(collections []zotero.Collection) []collectionNode {
	nodes := make(map[string]*collectionNode, len(collections))
	children := make(map[string][]string)
	order := make([]string, 0, len(collections))
	for _, c := range collections {
		key := c.Key
		if key == "" {
			key = c.Data.Key
		}
		if key == "" {
			continue
		}
		name := c.Data.Name
		if name == "" {
			name = "(unnamed)"
		}
		parent := string(c.Data.ParentCollection)
		nodes[key] = &collectionNode{
			Key:       key,
			Name:      name,
			ParentKey: parent,
			Path:      name,
			ItemCount: c.Meta.NumItems,
		}
		children[parent] = append(children[parent], key)
		order = append(order, key)
	}

	stack := append([]string(nil), children[""]...)
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := nodes[key]
		for _, childKey := range children[key] {
			nodes[childKey].Path = node.Path + "/" + nodes[childKey].Name
			stack = append(stack, childKey)
		}
	}

	flat := make([]collectionNode, 0, len(order))
	for _, key := range order {
		flat = append(flat, *nodes[key])
	}
	return flat
}

func containsCollectionKey(nodes []collectionNode, key string) bool {
	for _, node := range nodes {
		if node.Key == key {
			return true
		}
	}
	return false
}

func renderCollectionsSummary(parentKey string, flat []collectionNode) string {
	count := fmt.Sprintf("Count: %d", len(flat))
	if parentKey != "" {
		count += fmt.Sprintf(" | Parent: `%s`", parentKey)
	}
	lines := []string{"# Collections", count}
	display := flat
	if len(display) > 50 {
		display = display[:50]
	}
	for _, node := range display {
		lines = append(lines, fmt.Sprintf("- `%s` | %s (%d)", node.Key, node.Path, node.ItemCount))
	}
	return strings.Join(lines, "\n")
}

// formatItem renders an item's metadata as Markdown shaped for LLM reading.
// Notes get their own layout with the note body inlined.
func formatItem(item *zotero.Item) string {
	data := item.Data

	if data.ItemType == "note" {
		formatted := []string{
			"## 📝 Note",
			fmt.Sprintf("Item Key: `%s`", item.Key),
		}
		if data.ParentItem != "" {
			formatted = append(formatted, fmt.Sprintf("Parent Item: `%s`", data.ParentItem))
		}
		if data.DateModified != "" {
			formatted = append(formatted, "Last Modified: "+data.DateModified)
		}
		if len(data.Tags) > 0 {
			formatted = append(formatted, "\n### Tags\n"+joinBacktickedTags(data.Tags))
		}
		formatted = append(formatted, "\n### Note Content\n"+htmlToText(data.Note))
		return strings.Join(formatted, "\n")
	}

	title := data.Title
	if title == "" {
		title = "Untitled"
	}
	itemType := data.ItemType
	if itemType == "" {
		itemType = "unknown"
	}
	date := data.Date
	if date == "" {
		date = "No date"
	}
	formatted := []string{
		"## " + title,
		fmt.Sprintf("Item Key: `%s`", item.Key),
		"Type: " + itemType,
		"Date: " + date,
	}

	var roles []string
	byRole := make(map[string][]string)
	for _, creator := range data.Creators {
		role := creator.CreatorType
		if role == "" {
			role = "contributor"
		}
		name := creatorName(creator)
		if name == "" {
			continue
		}
		if _, seen := byRole[role]; !seen {
			roles = append(roles, role)
		}
		byRole[role] = append(byRole[role], name)
	}
	for _, role := range roles {
		names := byRole[role]
		display := capitalize(role)
		if len(names) > 1 {
			display += "s"
		}
		formatted = append(formatted, display+": "+strings.Join(names, "; "))
	}

	if data.PublicationTitle != "" {
		formatted = append(formatted, "Publication: "+data.PublicationTitle)
	}
	if data.Volume != "" {
		volumeInfo := "Volume: " + data.Volume
		if data.Issue != "" {
			volumeInfo += ", Issue: " + data.Issue
		}
		if data.Pages != "" {
			volumeInfo += ", Pages: " + data.Pages
		}
		formatted = append(formatted, volumeInfo)
	}

	if data.AbstractNote != "" {
		formatted = append(formatted, "\n### Abstract\n"+data.AbstractNote)
	}
	if len(data.Tags) > 0 {
		formatted = append(formatted, "\n### Tags\n"+joinBacktickedTags(data.Tags))
	}

	var identifiers []string
	if data.URL != "" {
		identifiers = append(identifiers, "URL: "+data.URL)
	}
	if data.DOI != "" {
		identifiers = append(identifiers, "DOI: "+data.DOI)
	}
	if data.ISBN != "" {
		identifiers = append(identifiers, "ISBN: "+data.ISBN)
	}
	if data.ISSN != "" {
		identifiers = append(identifiers, "ISSN: "+data.ISSN)
	}
	if len(identifiers) > 0 {
		formatted = append(formatted, "\n### Identifiers\n"+strings.Join(identifiers, "\n"))
	}

	if item.Meta.NumChildren > 0 {
		formatted = append(formatted, fmt.Sprintf("\n### Additional Information\nNumber of notes/attachments: %d", item.Meta.NumChildren))
	}

	return strings.Join(formatted, "\n")
}

// creatorName renders "Last, First" for split names and the plain name for
// single-field creators (institutions, pseudonyms).
func creatorName(creator zotero.Creator) string {
	if creator.LastName != "" && creator.FirstName != "" {
		return creator.LastName + ", " + creator.FirstName
	}
	if creator.Name != "" {
		return creator.Name
	}
	if creator.LastName != "" {
		return creator.LastName
	}
	return ""
}

// htmlToText strips the markup Zotero's note editor emits most. A full HTML
// parse is overkill for note rendering.
func htmlToText(note string) string {
	replacer := strings.NewReplacer(
		"<p>", "",
		"</p>", "\n",
		"<br>", "\n",
		"<strong>", "**",
		"</strong>", "**",
		"<em>", "*",
		"</em>", "*",
	)
	return replacer.Replace(note)
}

func joinBacktickedTags(tags []zotero.Tag) string {
	parts := make([]string, 0, len(tags))
	for _, tag := range tags {
		parts = append(parts, "`"+tag.Tag+"`")
	}
	return strings.Join(parts, ", ")
}

func tagLine(tags []zotero.Tag, limit int) string {
	if len(tags) == 0 {
		return ""
	}
	shown := tags
	overflow := false
	if len(shown) > limit {
		shown = shown[:limit]
		overflow = true
	}
	parts := make([]string, 0, len(shown)+1)
	for _, tag := range shown {
		parts = append(parts, "`"+tag.Tag+"`")
	}
	if overflow {
		parts = append(parts, "...")
	}
	return strings.Join(parts, " ")
}

func capitalize(word string) string {
	if word == "" {
		return word
	}
	return strings.ToUpper(word[:1]) + word[1:]
}

func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-3]) + "..."
}
