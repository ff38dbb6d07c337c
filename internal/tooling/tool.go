package tooling

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scout/internal/brightdata"
)

// ToolDefinition is the OpenAI function-calling schema for one tool.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Tool is one capability the model may invoke mid-run. Call returns a JSON
// object payload as a string; execution failures are reported via the error
// return and folded into the conversation by the caller, never fatal.
type Tool interface {
	Definition() ToolDefinition
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Registry is a closed lookup table from tool name to executor.
type Registry struct {
	tools       map[string]Tool
	definitions []ToolDefinition
}

func NewRegistry(tools ...Tool) *Registry {
	bucket := make(map[string]Tool, len(tools))
	defs := make([]ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		def := tool.Definition()
		bucket[def.Function.Name] = tool
		defs = append(defs, def)
	}
	return &Registry{tools: bucket, definitions: defs}
}

func (r *Registry) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, len(r.definitions))
	copy(out, r.definitions)
	return out
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Options wires the external collaborators the research tools depend on.
type Options struct {
	BrightData      *brightdata.Client
	DownloadDir     string
	SearchTimeout   time.Duration
	ScrapeTimeout   time.Duration
	DownloadTimeout time.Duration
}

// ResearchTools builds the fixed tool set for web research runs.
func ResearchTools(opts Options) ([]Tool, error) {
	dir := opts.DownloadDir
	if dir == "" {
		dir = "downloads"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return []Tool{
		NewSearchTool(opts.BrightData, opts.SearchTimeout),
		NewScrapeTool(opts.BrightData, opts.ScrapeTimeout),
		NewDownloadTool(opts.BrightData, abs, opts.DownloadTimeout),
	}, nil
}

// ResolveWithin joins name onto base and confirms the result stays inside
// base after cleaning. Returns false for absolute names, parent-directory
// escapes, or anything else that leaves base.
func ResolveWithin(base, name string) (string, bool) {
	if filepath.IsAbs(name) {
		return "", false
	}
	resolved := filepath.Clean(filepath.Join(base, name))
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", false
	}
	if resolved == base {
		return "", false
	}
	return resolved, true
}

func stringArg(args map[string]any, key string) (string, bool) {
	val, ok := args[key]
	if !ok {
		return "", false
	}
	switch cast := val.(type) {
	case string:
		return cast, true
	default:
		return fmt.Sprintf("%v", cast), true
	}
}

func intArg(args map[string]any, key string, defaultVal int) int {
	val, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch n := val.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return defaultVal
	}
}

func boolArg(args map[string]any, key string, defaultVal bool) bool {
	val, ok := args[key]
	if !ok {
		return defaultVal
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return defaultVal
}

// withTimeout applies an optional per-tool timeout on top of the loop's
// context. The returned cancel must always be called.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func hasSuffixFold(name string, exts ...string) bool {
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
