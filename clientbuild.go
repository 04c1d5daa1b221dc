package refd

import "strings"

// ClientBuildKit tells the caller how to run the conversion on their own
// machine when the server has no pandoc. Returned inside a successful tool
// result, never as a tool error.
type ClientBuildKit struct {
	Message         string     `json:"message"`
	Steps           []string   `json:"steps"`
	Commands        [][]string `json:"commands"`
	CommandsOneLine []string   `json:"commandsOneLine"`
	Notes           []string   `json:"notes"`
}

// newClientBuildKit assembles one pandoc command per requested format over
// the scratch names doc.md, refs.json, and style.csl.
func newClientBuildKit(message string, req BuildRequest, basename string) *ClientBuildKit {
	useCiteproc := req.UseCiteproc == nil || *req.UseCiteproc
	hasBib := hasJSONContent(req.BibliographyContent)
	hasStyle := strings.TrimSpace(req.StyleContent) != ""

	commands := make([][]string, 0, len(req.Formats))
	oneLine := make([]string, 0, len(req.Formats))
	for _, format := range req.Formats {
		cmd := []string{"pandoc", "doc.md"}
		if useCiteproc {
			cmd = append(cmd, "--citeproc")
		}
		if hasBib {
			cmd = append(cmd, "--bibliography", "refs.json")
		}
		if hasStyle {
			cmd = append(cmd, "--csl", "style.csl")
		}
		if format == "pdf" {
			cmd = append(cmd, "--pdf-engine=wkhtmltopdf")
		}
		cmd = append(cmd, req.ExtraArgs...)
		cmd = append(cmd, "-o", basename+"."+format)
		commands = append(commands, cmd)
		oneLine = append(oneLine, strings.Join(cmd, " "))
	}
	return &ClientBuildKit{
		Message: message,
		Steps: []string{
			"1) Save your Markdown to doc.md (UTF-8)",
			"2) If you have a CSL JSON bibliography, save it to refs.json",
			"3) If you have a CSL style, save it to style.csl",
			"4) Run the command(s) below for each requested format:",
		},
		Commands:        commands,
		CommandsOneLine: oneLine,
		Notes: []string{
			"PDF requires wkhtmltopdf, weasyprint, or xelatex installed; the commands default to wkhtmltopdf.",
			"Set REFD_PDF_ENGINE and REFD_PDF_ENGINE_PATH to choose a different engine if desired.",
			"CSL JSON must be an array of items or an object with an 'items' array. Example: [{\"id\":\"k1\",\"title\":\"T\"}].",
		},
	}
}
