// Package refd exposes the Go APIs behind refd, an MCP server that turns
// Markdown with citations into downloadable DOCX/PDF artifacts backed by a
// Zotero library. Conversion runs through pandoc on the server; outputs never
// travel through the MCP channel. Instead every artifact is parked under a
// random token and fetched over plain HTTP, which keeps megabyte documents
// out of the model's context window.
//
// Copyright (C) 2026 Michel Blomgren <https://pkt.systems>
//
// # Export pipeline
//
// A build request carries Markdown text plus optional bibliography and style
// content. The Builder writes everything to a scratch directory, runs one
// pandoc invocation per requested format, and registers each produced file
// with the Registry:
//
//	reg, err := refd.NewRegistry(refd.RegistryConfig{
//	    FilesRoot: "/var/lib/refd/files",
//	    TTL:       time.Hour,
//	})
//	if err != nil { log.Fatal(err) }
//	builder, err := refd.NewBuilder(refd.BuilderConfig{
//	    Registry:      reg,
//	    Locator:       &refd.Locator{PandocPath: "/usr/bin/pandoc"},
//	    PublicBaseURL: "http://localhost:9180",
//	})
//	if err != nil { log.Fatal(err) }
//	result, err := builder.Build(ctx, refd.BuildRequest{
//	    DocumentText: "# Paper\n\nBody [@smith2003].",
//	    Formats:      []string{"docx", "pdf"},
//	})
//
// Formats are independent: a missing PDF engine degrades that format to a
// warning while the DOCX still comes back with a download URL. When pandoc
// itself is missing, the result carries a ClientBuildKit with the exact
// commands to run on the caller's machine instead of an error.
//
// # Artifact registry
//
// The Registry owns everything under its files root. Tokens are 256-bit
// random URL-safe strings, entries expire TTL after registration, and expiry
// is enforced both lazily on lookup and by the periodic sweeper:
//
//	reg.StartSweeper(5 * time.Minute)
//	defer reg.StopSweeper()
//
// A token never resolves before its backing file is in place, and removing an
// entry always removes its file. With RegistryConfig.DeleteAfterDownload set,
// tokens are single-use: the entry is destroyed right after the first
// download completes.
//
// # Serving
//
// The mcp subpackage binds the pipeline to the Model Context Protocol and
// serves the MCP endpoint, the /files/{token} download route, and a /healthz
// probe from one listener. cmd/refd wraps it all in a CLI. Consult README.md
// for tool descriptions and configuration.
package refd
