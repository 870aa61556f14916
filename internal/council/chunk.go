package council

import (
	"fmt"
	"strings"

	"storyguard/internal/budget"
	"storyguard/internal/changeset"
	"storyguard/internal/logging"
)

// minChunkTokens floors the effective budget so a misconfigured
// overhead cannot produce empty or degenerate chunks.
const minChunkTokens = 1024

// Chunk is one independently reviewable slice of the diff. Every role
// relevant to any file in the chunk reviews the whole chunk.
type Chunk struct {
	ID    string
	Files []string
	Text  string
	// Tokens is the estimated cost of Text.
	Tokens int
}

// buildChunks splits the changeset into chunks that fit budgetTokens.
// Files pack greedily in changeset order; a file too large on its own
// splits at hunk boundaries. A single hunk over budget travels alone,
// oversized, rather than broken.
func buildChunks(cs *changeset.Changeset, budgetTokens int) []Chunk {
	if cs.IsEmpty() {
		return nil
	}
	if budgetTokens < minChunkTokens {
		budgetTokens = minChunkTokens
	}

	type piece struct {
		file   string
		text   string
		tokens int
	}
	var pieces []piece
	for i := range cs.Files {
		f := &cs.Files[i]
		text := f.Render()
		tokens := budget.EstimateTokens(text)
		if tokens <= budgetTokens || len(f.Hunks) <= 1 {
			pieces = append(pieces, piece{file: f.Path, text: text, tokens: tokens})
			continue
		}
		// File over budget: one piece per hunk, header repeated so each
		// piece parses on its own.
		for h := range f.Hunks {
			ht := f.RenderHunk(&f.Hunks[h])
			pieces = append(pieces, piece{file: f.Path, text: ht, tokens: budget.EstimateTokens(ht)})
		}
	}

	var chunks []Chunk
	var cur []piece
	curTokens := 0
	flush := func() {
		if len(cur) == 0 {
			return
		}
		c := Chunk{ID: fmt.Sprintf("chunk-%d", len(chunks)+1)}
		var text strings.Builder
		seen := map[string]bool{}
		for _, p := range cur {
			text.WriteString(p.text)
			c.Tokens += p.tokens
			if !seen[p.file] {
				seen[p.file] = true
				c.Files = append(c.Files, p.file)
			}
		}
		c.Text = text.String()
		chunks = append(chunks, c)
		cur, curTokens = nil, 0
	}

	for _, p := range pieces {
		if curTokens > 0 && curTokens+p.tokens > budgetTokens {
			flush()
		}
		cur = append(cur, p)
		curTokens += p.tokens
	}
	flush()
	return chunks
}

// splitChangeset is the event-emitting entry point used by engines.
func (s *scheduler) splitChangeset(in Input) []Chunk {
	chunks := buildChunks(in.Changeset, s.inputBudget())
	if len(chunks) > 1 {
		logging.Council("diff split into %d chunks (budget %d tokens)", len(chunks), s.inputBudget())
		s.emit(logging.EventChunkSplit, in.RunID, map[string]any{
			"chunks": len(chunks),
			"budget": s.inputBudget(),
		})
	}
	return chunks
}
