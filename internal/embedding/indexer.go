package embedding

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"storyguard/internal/adrlint"
	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/journey"
	"storyguard/internal/logging"
	"storyguard/internal/store"
)

// maxDocBytes caps the text sent per document. Providers truncate
// silently past their window, which poisons similarity scores.
const maxDocBytes = 6 * 1024

// embedBatchSize bounds one provider call during reindex.
const embedBatchSize = 16

// Indexer keeps the vector index aligned with the governed corpus:
// ADR bodies, their enforcement rules, and journeys.
type Indexer struct {
	cfg    *config.Config
	engine Engine
	store  *store.Store
}

func NewIndexer(cfg *config.Config, engine Engine, st *store.Store) *Indexer {
	return &Indexer{cfg: cfg, engine: engine, store: st}
}

// Report summarizes one reindex pass.
type Report struct {
	Indexed int // embedded this pass
	Fresh   int // content unchanged, skipped
	Pruned  int // dropped, source document gone
}

// Reindex embeds every stale corpus document and prunes rows whose
// source is gone. Documents whose content hash matches the stored row
// are not re-embedded.
func (ix *Indexer) Reindex(ctx context.Context) (*Report, error) {
	if ix.engine == nil {
		return nil, errs.New(errs.KindConfig, "embedding disabled: set embedding.provider to gemini or ollama")
	}
	docs, err := ix.collect()
	if err != nil {
		return nil, err
	}
	stored, err := ix.store.ContentHashes()
	if err != nil {
		return nil, err
	}

	rep := &Report{}
	keep := make(map[string]bool, len(docs))
	var stale []store.Document
	for _, d := range docs {
		keep[d.DocID] = true
		if stored[d.DocID] == store.ContentHash(d.Content) {
			rep.Fresh++
			continue
		}
		stale = append(stale, d)
	}

	for start := 0; start < len(stale); start += embedBatchSize {
		if err := ctx.Err(); err != nil {
			return rep, errs.FromContext(ctx)
		}
		end := min(start+embedBatchSize, len(stale))
		texts := make([]string, 0, end-start)
		for _, d := range stale[start:end] {
			texts = append(texts, d.Content)
		}
		vectors, err := ix.engine.EmbedBatch(ctx, texts)
		if err != nil {
			return rep, err
		}
		if len(vectors) != len(texts) {
			return rep, errs.New(errs.KindInternal,
				"storyguard invariant: %d vectors for %d documents", len(vectors), len(texts))
		}
		for i, d := range stale[start:end] {
			if _, err := ix.store.UpsertEmbedding(d, vectors[i], ix.engine.Name()); err != nil {
				return rep, err
			}
			rep.Indexed++
		}
	}

	pruned, err := ix.store.PruneVectors(keep)
	if err != nil {
		return rep, err
	}
	rep.Pruned = pruned
	logging.Embedding("reindex: %d embedded, %d fresh, %d pruned", rep.Indexed, rep.Fresh, rep.Pruned)
	return rep, nil
}

// collect builds the document set in index order: ADRs with their
// rules, then journeys. Load issues are not fatal here; broken
// documents simply stay out of the index until fixed.
func (ix *Indexer) collect() ([]store.Document, error) {
	var docs []store.Document

	adrs, _, err := adrlint.LoadADRs(ix.cfg.ADRDir())
	if err != nil {
		return nil, err
	}
	for _, adr := range adrs {
		body, err := os.ReadFile(adr.Path)
		if err != nil {
			return nil, errs.Wrap(errs.KindTool, err, "read %s", adr.Path)
		}
		docs = append(docs, store.Document{
			DocID:   "adr/" + adr.ID,
			Kind:    "adr",
			Content: clip(string(body)),
		})
		for _, rule := range adr.Rules {
			docs = append(docs, store.Document{
				DocID:   "rule/" + rule.Name(),
				Kind:    "rule",
				Content: ruleText(rule),
			})
		}
	}

	journeys, _, err := journey.LoadAll(ix.cfg.JourneyDir())
	if err != nil {
		return nil, err
	}
	for _, j := range journeys {
		docs = append(docs, store.Document{
			DocID:   "journey/" + j.ID,
			Kind:    "journey",
			Content: journeyText(j),
		})
	}
	return docs, nil
}

func ruleText(r adrlint.Rule) string {
	return fmt.Sprintf("%s enforcement %s: %s (%s pattern %q, scope %s)",
		r.ADRID, r.Name(), r.Message, r.Type, r.Pattern, r.Scope)
}

func journeyText(j *journey.Journey) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\nActor: %s\n%s\n", j.ID, j.Title, j.Actor, j.Description)
	for _, s := range j.Steps {
		fmt.Fprintf(&b, "- %s", s.Action)
		if s.Expected != "" {
			fmt.Fprintf(&b, " -> %s", s.Expected)
		}
		b.WriteString("\n")
	}
	return clip(b.String())
}

// clip truncates to maxDocBytes on a rune boundary.
func clip(s string) string {
	if len(s) <= maxDocBytes {
		return s
	}
	cut := maxDocBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
