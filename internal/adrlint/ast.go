package adrlint

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"storyguard/internal/changeset"
)

// grammarFor maps a language tag to its tree-sitter grammar.
func grammarFor(language string) (*sitter.Language, error) {
	switch language {
	case "go", "golang":
		return golang.GetLanguage(), nil
	case "python":
		return python.GetLanguage(), nil
	case "javascript":
		return javascript.GetLanguage(), nil
	case "typescript":
		return typescript.GetLanguage(), nil
	case "rust":
		return rust.GetLanguage(), nil
	default:
		return nil, fmt.Errorf("no grammar for language %q", language)
	}
}

// astMatch is one capture produced by an AST rule. Positions are
// 1-based to line up with regex hits.
type astMatch struct {
	Line int
	Col  int
	Text string
}

// runASTRule parses content with the grammar for the file's language
// and executes the rule's pattern as a tree-sitter query. The first
// capture of each match becomes a hit. Files in languages the rule
// does not name, or with no grammar at all, are skipped silently;
// a pattern that fails to compile is a rule configuration error.
func runASTRule(ctx context.Context, rule Rule, path string, content []byte) ([]astMatch, error) {
	language := rule.Language
	if language == "" {
		language = changeset.DetectLanguage(path)
	}
	if language == "" {
		return nil, nil
	}
	grammar, err := grammarFor(language)
	if err != nil {
		if rule.Language == "" {
			return nil, nil
		}
		return nil, err
	}
	if rule.Language != "" && changeset.DetectLanguage(path) != rule.Language {
		return nil, nil
	}

	query, err := sitter.NewQuery([]byte(rule.Pattern), grammar)
	if err != nil {
		return nil, fmt.Errorf("bad query for %s: %v", language, err)
	}
	defer query.Close()

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %v", path, err)
	}
	defer tree.Close()

	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(query, tree.RootNode())

	var matches []astMatch
	for {
		m, ok := cursor.NextMatch()
		if !ok {
			break
		}
		m = cursor.FilterPredicates(m, content)
		if len(m.Captures) == 0 {
			continue
		}
		node := m.Captures[0].Node
		point := node.StartPoint()
		matches = append(matches, astMatch{
			Line: int(point.Row) + 1,
			Col:  int(point.Column) + 1,
			Text: node.Content(content),
		})
		if err := ctx.Err(); err != nil {
			return matches, err
		}
	}
	return matches, nil
}
