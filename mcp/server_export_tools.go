package mcp

import (
	"context"
	"encoding/json"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/refd"
)

type buildExportsInput struct {
	DocumentText        string          `json:"documentText" jsonschema:"Markdown document to convert (UTF-8)"`
	Formats             []string        `json:"formats" jsonschema:"Output formats, any of docx and pdf"`
	OutputBasename      string          `json:"outputBasename,omitempty" jsonschema:"Override for the artifact basename (sanitized server-side)"`
	BibliographyContent json.RawMessage `json:"bibliographyContent,omitempty" jsonschema:"CSL JSON bibliography: a JSON string, an array, or an object with an items array"`
	StyleContent        string          `json:"styleContent,omitempty" jsonschema:"CSL style XML passed to pandoc via --csl"`
	UseCiteproc         *bool           `json:"useCiteproc,omitempty" jsonschema:"Run pandoc with --citeproc (default true)"`
	PDFEngine           string          `json:"pdfEngine,omitempty" jsonschema:"Preferred PDF engine: wkhtmltopdf, weasyprint, or xelatex"`
	ExtraArgs           []string        `json:"extraArgs,omitempty" jsonschema:"Additional pandoc arguments, appended last"`
}

type exportArtifact struct {
	Format      string `json:"format"`
	Filename    string `json:"filename"`
	Token       string `json:"token"`
	DownloadURL string `json:"downloadUrl"`
	Size        int64  `json:"size"`
}

type buildExportsOutput struct {
	Basename            string               `json:"basename"`
	Artifacts           []exportArtifact     `json:"artifacts"`
	Warnings            []string             `json:"warnings,omitempty"`
	ChosenEngine        string               `json:"chosenEngine,omitempty"`
	ChosenEngineVersion string               `json:"chosenEngineVersion,omitempty"`
	ExpiresAfterSeconds int64                `json:"expiresAfterSeconds"`
	ClientBuild         *refd.ClientBuildKit `json:"clientBuild,omitempty"`
}

func (s *server) handleBuildExportsTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input buildExportsInput) (*mcpsdk.CallToolResult, buildExportsOutput, error) {
	result, err := s.builder.Build(ctx, refd.BuildRequest{
		DocumentText:        input.DocumentText,
		Formats:             input.Formats,
		OutputBasename:      input.OutputBasename,
		BibliographyContent: input.BibliographyContent,
		StyleContent:        input.StyleContent,
		UseCiteproc:         input.UseCiteproc,
		PDFEngine:           input.PDFEngine,
		ExtraArgs:           input.ExtraArgs,
	})
	if err != nil {
		return nil, buildExportsOutput{}, err
	}

	out := buildExportsOutput{
		Basename:            result.Basename,
		Artifacts:           make([]exportArtifact, 0, len(result.Artifacts)),
		Warnings:            result.Warnings,
		ChosenEngine:        result.ChosenEngine,
		ChosenEngineVersion: result.ChosenEngineVersion,
		ExpiresAfterSeconds: int64(result.ExpiresAfter.Seconds()),
		ClientBuild:         result.ClientBuild,
	}
	for _, artifact := range result.Artifacts {
		out.Artifacts = append(out.Artifacts, exportArtifact{
			Format:      artifact.Format,
			Filename:    artifact.Filename,
			Token:       artifact.Token,
			DownloadURL: artifact.DownloadURL,
			Size:        artifact.Size,
		})
	}
	return nil, out, nil
}
