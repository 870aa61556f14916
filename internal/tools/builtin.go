package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"storyguard/internal/embedding"
	"storyguard/internal/errs"
	"storyguard/internal/logging"
	"storyguard/internal/store"
)

// readFileCap bounds a single file read before truncation.
const readFileCap = 512 << 10

// Deps carries everything the builtin tool set needs. Store and
// Embedder are optional; without them semantic_lookup is simply not
// registered and roles fall back to text search.
type Deps struct {
	Root       string
	ADRDir     string
	JourneyDir string
	Store      *store.Store
	Embedder   embedding.Engine
	Emitter    *logging.Emitter
}

// NewDefaultRegistry builds the canonical read-only tool set.
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry(deps.Emitter)

	r.MustRegister(&Tool{
		Name:        "read_file",
		Description: "Read a file inside the project. Optional 1-based start_line/end_line narrow the window.",
		MaxChars:    50_000,
		Params: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path":       map[string]any{"type": "string", "minLength": 1},
				"start_line": map[string]any{"type": "integer", "minimum": 1},
				"end_line":   map[string]any{"type": "integer", "minimum": 1},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return execReadFile(deps.Root, args)
		},
	})

	r.MustRegister(&Tool{
		Name:        "list_directory",
		Description: "List entries of a directory inside the project. Directories carry a trailing slash.",
		Params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return execListDirectory(deps.Root, args)
		},
	})

	r.MustRegister(&Tool{
		Name:        "search_codebase",
		Description: "Full-text search across the project. Returns up to max (default 50) path:line:col hits.",
		Params: map[string]any{
			"type":     "object",
			"required": []any{"query"},
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "minLength": 1},
				"max":   map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			max := intArg(args, "max", searchMaxResults)
			hits, err := Search(ctx, deps.Root, query, max)
			if err != nil {
				return "", err
			}
			if len(hits) == 0 {
				return "no matches", nil
			}
			var b strings.Builder
			for _, h := range hits {
				fmt.Fprintf(&b, "%s:%d:%d: %s\n", h.File, h.Line, h.Col, h.Text)
			}
			return b.String(), nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "read_adr",
		Description: "Read an architecture decision record by id, e.g. ADR-025.",
		Params: map[string]any{
			"type":     "object",
			"required": []any{"id"},
			"properties": map[string]any{
				"id": map[string]any{"type": "string", "pattern": "^ADR-[0-9]+$"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			return readArtifact(deps.ADRDir, id, []string{".md"})
		},
	})

	r.MustRegister(&Tool{
		Name:        "read_journey",
		Description: "Read a journey contract by id, e.g. JRN-044.",
		Params: map[string]any{
			"type":     "object",
			"required": []any{"id"},
			"properties": map[string]any{
				"id": map[string]any{"type": "string", "pattern": "^JRN-[0-9]+$"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			return readArtifact(deps.JourneyDir, id, []string{".yaml", ".yml"})
		},
	})

	if deps.Store != nil && deps.Embedder != nil {
		r.MustRegister(&Tool{
			Name:        "semantic_lookup",
			Description: "Vector search over indexed ADRs, journeys and rules. Returns the k nearest documents.",
			Params: map[string]any{
				"type":     "object",
				"required": []any{"query"},
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "minLength": 1},
					"k":     map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
				},
			},
			Execute: func(ctx context.Context, args map[string]any) (string, error) {
				query, _ := args["query"].(string)
				k := intArg(args, "k", 5)
				vec, err := deps.Embedder.Embed(ctx, query)
				if err != nil {
					return "", err
				}
				hits, err := deps.Store.SemanticSearch(vec, k)
				if err != nil {
					return "", err
				}
				if len(hits) == 0 {
					return "no indexed documents", nil
				}
				var b strings.Builder
				for _, h := range hits {
					fmt.Fprintf(&b, "[%.3f] %s\n%s\n\n", h.Score, h.DocID, h.Content)
				}
				return b.String(), nil
			},
		})
	}

	return r
}

func execReadFile(root string, args map[string]any) (string, error) {
	rel, _ := args["path"].(string)
	abs, err := Resolve(root, rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", errs.Wrap(errs.KindTool, err, "failed to read %s", rel)
	}
	if info.IsDir() {
		return "", errs.New(errs.KindTool, "%s is a directory, use list_directory", rel)
	}
	if info.Size() > readFileCap {
		return "", errs.New(errs.KindTool, "%s is %d bytes, larger than the %d byte tool cap", rel, info.Size(), readFileCap)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return "", errs.Wrap(errs.KindTool, err, "failed to read %s", rel)
	}
	if bytes.IndexByte(content, 0) >= 0 {
		return "", errs.New(errs.KindTool, "%s is binary", rel)
	}

	text := string(content)
	start := intArg(args, "start_line", 0)
	end := intArg(args, "end_line", 0)
	if start > 0 || end > 0 {
		lines := strings.Split(text, "\n")
		if start < 1 {
			start = 1
		}
		if end < start || end > len(lines) {
			end = len(lines)
		}
		if start > len(lines) {
			return "", errs.New(errs.KindTool, "%s has only %d lines", rel, len(lines))
		}
		text = strings.Join(lines[start-1:end], "\n")
	}
	return text, nil
}

func execListDirectory(root string, args map[string]any) (string, error) {
	rel, _ := args["path"].(string)
	if rel == "" {
		rel = "."
	}
	abs, err := Resolve(root, rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", errs.Wrap(errs.KindTool, err, "failed to list %s", rel)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "empty directory", nil
	}
	return strings.Join(names, "\n"), nil
}

// readArtifact finds the artifact file whose name starts with the id
// (ADR-025.md, ADR-025-title.md) and returns its content.
func readArtifact(dir, id string, exts []string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errs.Wrap(errs.KindTool, err, "failed to read artifact directory")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		okExt := false
		for _, want := range exts {
			if ext == want {
				okExt = true
				break
			}
		}
		if !okExt {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if stem == id || strings.HasPrefix(name, id+"-") || strings.HasPrefix(name, id+".") {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return "", errs.Wrap(errs.KindTool, err, "failed to read %s", name)
			}
			return string(content), nil
		}
	}
	return "", errs.New(errs.KindTool, "no artifact found for %s", id)
}

// intArg extracts an integer argument that may arrive as float64 from
// JSON decoding.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
