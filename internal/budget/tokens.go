package budget

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// encoder returns the shared cl100k_base tokenizer, or nil when the
// encoding tables cannot be loaded (offline first run).
func encoder() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// EstimateTokens counts tokens in text with cl100k_base, falling back
// to the bytes/4 heuristic when the tokenizer is unavailable.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if e := encoder(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Turn is one conversation message for estimation and trimming.
type Turn struct {
	Role    string
	Content string
}

// perTurnOverhead approximates the framing tokens each chat turn costs
// on top of its content.
const perTurnOverhead = 4

// EstimateTurns sums the token cost of a conversation.
func EstimateTurns(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += EstimateTokens(t.Content) + perTurnOverhead
	}
	return total
}

// TrimToFit drops the oldest turns until the conversation fits within
// maxTokens. The leading system turn and the final user turn are never
// dropped; when even those two exceed the budget the system turn's
// content is truncated instead.
func TrimToFit(turns []Turn, maxTokens int) []Turn {
	if len(turns) == 0 || EstimateTurns(turns) <= maxTokens {
		return turns
	}

	var system *Turn
	rest := turns
	if strings.EqualFold(turns[0].Role, "system") {
		system = &turns[0]
		rest = turns[1:]
	}

	// Evict oldest-first, always keeping the final turn.
	for len(rest) > 1 {
		kept := rest
		if system != nil {
			kept = append([]Turn{*system}, rest...)
		}
		if EstimateTurns(kept) <= maxTokens {
			return kept
		}
		rest = rest[1:]
	}

	kept := rest
	if system != nil {
		kept = append([]Turn{*system}, rest...)
	}
	if EstimateTurns(kept) <= maxTokens && len(kept) > 0 {
		return kept
	}
	if system == nil {
		return kept
	}
	if len(rest) == 0 {
		shrunk := *system
		shrunk.Content = truncateToTokens(shrunk.Content, maxTokens-perTurnOverhead)
		return []Turn{shrunk}
	}

	// Two turns still over budget: shrink the system content.
	budget := maxTokens - EstimateTokens(rest[0].Content) - 2*perTurnOverhead
	if budget < 0 {
		budget = 0
	}
	shrunk := *system
	shrunk.Content = truncateToTokens(shrunk.Content, budget)
	return append([]Turn{shrunk}, rest...)
}

func truncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if EstimateTokens(text) <= maxTokens {
		return text
	}
	if e := encoder(); e != nil {
		ids := e.Encode(text, nil, nil)
		if len(ids) > maxTokens {
			ids = ids[:maxTokens]
		}
		return e.Decode(ids)
	}
	limit := maxTokens * 4
	if limit > len(text) {
		limit = len(text)
	}
	return text[:limit]
}
