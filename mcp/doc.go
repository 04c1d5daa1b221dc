// Package mcp provides the refd MCP server.
//
// The package exposes a standalone MCP runtime that fronts a local Zotero
// desktop library and a pandoc conversion toolchain. It is intended for agent
// workflows that research against a Zotero library and hand finished Markdown
// back as DOCX or PDF without ever sharing a filesystem with the server.
//
// # What this package does
//
//   - Serves MCP over streamable HTTP (default path /mcp)
//   - Registers the zotero_* tool surface for library reads, bibliography and
//     style handling, citekey resolution, and document export
//   - Serves finished artifacts over plain HTTP under /files/<token>
//   - Reports toolchain and library health via zotero_health and /healthz
//
// The server is stateless apart from the artifact registry: library data
// lives in Zotero, documents arrive inline in tool calls, and exports are
// ephemeral files that expire on a TTL.
//
// # Content-first contract
//
// Every tool takes document, bibliography, and style content as strings and
// returns content or download URLs. The server never reads or writes client
// workspace paths; the only filesystem it touches is its own files root. Tool
// failures are returned as structured JSON envelopes with a stable errorCode,
// a human hint, and a retryable flag.
//
// # Artifact downloads
//
// zotero_build_exports_content writes converted documents under the files
// root and registers each one with an unguessable token. Clients fetch them
// over HTTP with the returned downloadUrl before the TTL expires; with
// DeleteAfterDownload enabled a token is good for exactly one fetch.
//
// # Constructor and lifecycle
//
// Use NewServer with NewServerRequest, then call Run with a cancellable
// context. Run blocks until context cancellation or terminal serve error.
//
// Example:
//
//	ctx := context.Background()
//
//	srv, err := mcp.NewServer(mcp.NewServerRequest{
//		Config: mcp.Config{
//			Listen:    "localhost:9180",
//			ZoteroURL: "http://127.0.0.1:23119",
//		},
//		Logger: logger,
//	})
//	if err != nil {
//		return err
//	}
//
//	if err := srv.Run(ctx); err != nil {
//		return err
//	}
//
// # Configuration
//
// Config separates four concerns:
//
//   - MCP listener and paths (`Listen`, `MCPPath`, `PublicBaseURL`)
//   - artifact handling (`FilesRoot`, `FileTTL`, `DeleteAfterDownload`,
//     `ReapInterval`, `ConvertTimeout`)
//   - conversion toolchain (`PandocPath`, `PDFEngine`, `PDFEnginePath`)
//   - Zotero connectivity and styles (`ZoteroURL`, `ZoteroAPIKey`,
//     `ZoteroLibraryID`, `ZoteroLibraryType`, `ZoteroTimeout`, `StylesDir`)
//
// Defaults applied by this package include:
//
//   - Listen: `localhost:9180`
//   - MCPPath: `/mcp`
//   - FileTTL: one hour
//   - ZoteroURL: `http://127.0.0.1:23119`
//   - ZoteroLibraryType: `user`
//
// # Surface scope
//
// The server talks to the Zotero local API read-only. Library writes (item
// creation, tagging, collection management) are intentionally not exposed as
// MCP tools in this package.
package mcp
