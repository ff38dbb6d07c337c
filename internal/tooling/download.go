package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"scout/internal/brightdata"
)

type DownloadTool struct {
	client  *brightdata.Client
	baseDir string
	timeout time.Duration
}

// NewDownloadTool stores files under baseDir, which must already exist and
// be absolute.
func NewDownloadTool(client *brightdata.Client, baseDir string, timeout time.Duration) *DownloadTool {
	return &DownloadTool{client: client, baseDir: baseDir, timeout: timeout}
}

func (t *DownloadTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "download_file",
			Description: "Download a document (PDF, XLSX, XLS, CSV, ...) from a URL and save it locally. Returns the saved path and an inspection summary. Only call this for direct document links, not HTML pages.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Direct URL of the document to download",
					},
					"filename": map[string]any{
						"type":        "string",
						"description": "Bare filename to save as, e.g. report-2024.pdf. No directory components.",
					},
				},
				"required": []string{"url", "filename"},
			},
		},
	}
}

func (t *DownloadTool) Call(ctx context.Context, args map[string]any) (string, error) {
	target, ok := stringArg(args, "url")
	if !ok || strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("download_file requires a url argument")
	}
	filename, ok := stringArg(args, "filename")
	if !ok || strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("download_file requires a filename argument")
	}
	filename = strings.TrimSpace(filename)
	if filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return "", fmt.Errorf("filename must be a bare file name without directory components: %q", filename)
	}

	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()

	body, contentType, err := t.client.Fetch(ctx, target)
	if err != nil {
		return "", err
	}

	// A paywall or block page comes back as HTML regardless of the URL
	// extension. Saving that as a .pdf would poison the result set.
	if hasSuffixFold(filename, ".pdf", ".xlsx", ".xls") && looksLikeHTML(body, contentType) {
		return "", fmt.Errorf("server returned an HTML page instead of the document (content type %q); the link is likely a landing or block page", contentType)
	}

	dest := filepath.Join(t.baseDir, filename)
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return "", fmt.Errorf("save %s: %w", filename, err)
	}

	inspection := InspectFile(dest, int64(len(body)))
	payload := map[string]any{
		"url":             target,
		"filename":        filename,
		"path":            dest,
		"size_bytes":      len(body),
		"content_type":    contentType,
		"url_filename":    urlFilename(target),
		"success":         true,
		"file_inspection": inspection.Summary,
	}
	if inspection.Warning != "" {
		payload["warning"] = inspection.Warning
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func looksLikeHTML(body []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	head := strings.ToLower(strings.TrimSpace(string(body[:min(len(body), 256)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

func urlFilename(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return path.Base(parsed.Path)
}
