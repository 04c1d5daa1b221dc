package mcp

import (
	"context"
	"math"
	"os"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shirou/gopsutil/v4/process"
)

type healthInput struct{}

type healthOutput struct {
	Pandoc              string   `json:"pandoc"`
	PandocVersion       string   `json:"pandocVersion"`
	PDFEngine           string   `json:"pdfEngine"`
	PDFEngineVersion    string   `json:"pdfEngineVersion,omitempty"`
	PDFEngineWarnings   []string `json:"pdfEngineWarnings,omitempty"`
	ZoteroURL           string   `json:"zoteroUrl"`
	ZoteroReachable     bool     `json:"zoteroReachable"`
	ZoteroError         string   `json:"zoteroError,omitempty"`
	FilesRoot           string   `json:"filesRoot"`
	FileTTLSeconds      int64    `json:"fileTtlSeconds"`
	RegistrySize        int      `json:"registrySize"`
	DeleteAfterDownload bool     `json:"deleteAfterDownload"`
	PID                 int      `json:"pid"`
	RSSBytes            uint64   `json:"rssBytes,omitempty"`
	CPUPercent          float64  `json:"cpuPercent,omitempty"`
	Now                 string   `json:"now"`
	LatencyMs           float64  `json:"latencyMs"`
}

// handleHealthTool reports the conversion toolchain, Zotero reachability, and
// artifact registry state in one call so a client can diagnose a failed
// export without groping through individual tools.
func (s *server) handleHealthTool(ctx context.Context, _ *mcpsdk.CallToolRequest, _ healthInput) (*mcpsdk.CallToolResult, healthOutput, error) {
	start := time.Now()

	out := healthOutput{
		ZoteroURL:           s.cfg.ZoteroURL,
		FilesRoot:           s.registry.FilesRoot(),
		FileTTLSeconds:      int64(s.registry.TTL().Seconds()),
		RegistrySize:        s.registry.Len(),
		DeleteAfterDownload: s.registry.DeleteAfterDownload(),
		PID:                 os.Getpid(),
	}

	if path, err := s.locator.Pandoc(); err == nil {
		out.Pandoc = path
	} else if explicit := strings.TrimSpace(s.cfg.PandocPath); explicit != "" {
		out.Pandoc = "missing:" + explicit
	} else {
		out.Pandoc = "missing"
	}
	out.PandocVersion = s.locator.PandocVersion(ctx)
	if out.PandocVersion == "" {
		out.PandocVersion = "unknown"
	}

	engine, engineWarnings := s.locator.RenderEngine("")
	out.PDFEngineWarnings = engineWarnings
	if engine == "" {
		out.PDFEngine = "missing"
	} else {
		out.PDFEngine = engine
		out.PDFEngineVersion = s.locator.EngineVersion(ctx, engine)
	}

	if err := s.zotero.Ping(ctx); err == nil {
		out.ZoteroReachable = true
	} else {
		out.ZoteroError = err.Error()
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			out.RSSBytes = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			out.CPUPercent = math.Round(cpu*10) / 10
		}
	}

	out.Now = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	out.LatencyMs = math.Round(float64(time.Since(start).Microseconds())/100) / 10
	return nil, out, nil
}
