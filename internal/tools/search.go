package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"storyguard/internal/errs"
	"storyguard/internal/logging"
)

// searchMaxResults caps hits per query.
const searchMaxResults = 50

// searchExcludes are skipped by both the ripgrep path and the
// in-process fallback.
var searchExcludes = []string{
	"*.pyc", "__pycache__", ".git", "node_modules",
	"*.egg-info", ".tox", ".pytest_cache", "*.min.js",
	"vendor", "dist", "build", ".venv", "venv", ".agent",
}

// SearchHit is one match, paths relative to the search root.
type SearchHit struct {
	File string
	Line int
	Col  int
	Text string
}

// Search runs a literal full-text query over root. It prefers an
// external ripgrep when one is installed and falls back to an
// in-process scan when not. Results are capped at max.
func Search(ctx context.Context, root, query string, max int) ([]SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.New(errs.KindTool, "query is required")
	}
	if max <= 0 || max > searchMaxResults {
		max = searchMaxResults
	}

	if _, err := exec.LookPath("rg"); err == nil {
		hits, err := ripgrepSearch(ctx, root, query, max)
		if err == nil {
			return hits, nil
		}
		logging.Tools("ripgrep failed, falling back to in-process scan: %v", err)
	}
	return fallbackSearch(ctx, root, query, max)
}

func ripgrepSearch(ctx context.Context, root, query string, max int) ([]SearchHit, error) {
	args := []string{
		"--line-number",
		"--column",
		"--no-heading",
		"--with-filename",
		"--color=never",
		"--fixed-strings",
		"-i",
		"--max-count", strconv.Itoa(max),
	}
	for _, pattern := range searchExcludes {
		args = append(args, "-g", "!"+pattern)
	}
	args = append(args, query, root)

	cmd := exec.CommandContext(ctx, "rg", args...)
	output, err := cmd.Output()
	if err != nil {
		// Exit code 1 means no matches, not a failure.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("ripgrep: %w", err)
	}
	return parseRipgrep(root, string(output), max), nil
}

// parseRipgrep reads file:line:column:content lines.
func parseRipgrep(root, output string, max int) []SearchHit {
	var hits []SearchHit
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() && len(hits) < max {
		parts := strings.SplitN(scanner.Text(), ":", 4)
		if len(parts) < 4 {
			continue
		}
		line, _ := strconv.Atoi(parts[1])
		col, _ := strconv.Atoi(parts[2])
		file := parts[0]
		if rel, err := filepath.Rel(root, file); err == nil {
			file = filepath.ToSlash(rel)
		}
		hits = append(hits, SearchHit{
			File: file,
			Line: line,
			Col:  col,
			Text: strings.TrimSpace(parts[3]),
		})
	}
	return hits
}

// fallbackSearch is the no-ripgrep path: a case-insensitive substring
// scan over text files.
func fallbackSearch(ctx context.Context, root, query string, max int) ([]SearchHit, error) {
	lowered := strings.ToLower(query)
	var hits []SearchHit

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(hits) >= max {
			return filepath.SkipAll
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := d.Name()
		if d.IsDir() {
			for _, pattern := range searchExcludes {
				if ok, _ := filepath.Match(pattern, name); ok || pattern == name {
					return filepath.SkipDir
				}
			}
			return nil
		}
		for _, pattern := range searchExcludes {
			if ok, _ := filepath.Match(pattern, name); ok {
				return nil
			}
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > readFileCap {
			return nil
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil || bytes.IndexByte(content, 0) >= 0 {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		for i, line := range strings.Split(string(content), "\n") {
			col := strings.Index(strings.ToLower(line), lowered)
			if col < 0 {
				continue
			}
			hits = append(hits, SearchHit{
				File: filepath.ToSlash(rel),
				Line: i + 1,
				Col:  col + 1,
				Text: strings.TrimSpace(line),
			})
			if len(hits) >= max {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return hits, errs.Wrap(errs.KindDeadline, ctxErr, "search cancelled")
		}
		return hits, errs.Wrap(errs.KindTool, err, "search walk failed")
	}
	return hits, nil
}
