package journey

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"storyguard/internal/changeset"
	"storyguard/internal/errs"
	"storyguard/internal/logging"
	"storyguard/internal/store"
)

// broadPatternLimit is where a pattern stops being a journey contract
// and starts being a shrug. Matching more files than this draws a
// warning at build time.
const broadPatternLimit = 100

// Match is one affected journey and the changed files that hit it.
type Match struct {
	JourneyID    string   `json:"journey_id"`
	MatchedFiles []string `json:"matched_files"`
}

// snapshot is a built index. Readers grab the pointer once and never
// see a rebuild in progress.
type snapshot struct {
	rows    []store.PatternRow
	builtAt time.Time
}

// Index maps changed files to the journeys whose contracts cover them.
type Index struct {
	root    string
	dir     string
	store   *store.Store
	emitter *logging.Emitter

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewIndex builds an index handle over the journey directory. Nothing
// is read until first use.
func NewIndex(root, journeyDir string, st *store.Store, emitter *logging.Emitter) *Index {
	return &Index{root: root, dir: journeyDir, store: st, emitter: emitter}
}

// EnsureFresh rebuilds the index when any journey file is newer than
// the persisted build stamp, or on first use. Cheap when fresh.
func (ix *Index) EnsureFresh(ctx context.Context) error {
	updatedAt, err := ix.store.IndexUpdatedAt()
	if err != nil {
		return err
	}
	latest, err := latestMtime(ix.dir)
	if err != nil {
		return err
	}
	if !updatedAt.IsZero() && !latest.After(updatedAt) {
		if ix.snap.Load() == nil {
			return ix.loadSnapshot()
		}
		return nil
	}
	return ix.Rebuild(ctx)
}

// loadSnapshot hydrates the in-memory view from persisted rows without
// re-parsing journeys.
func (ix *Index) loadSnapshot() error {
	rows, err := ix.store.JourneyPatterns()
	if err != nil {
		return err
	}
	updatedAt, err := ix.store.IndexUpdatedAt()
	if err != nil {
		return err
	}
	ix.snap.Store(&snapshot{rows: rows, builtAt: updatedAt})
	return nil
}

// Rebuild parses every journey and replaces the persisted rows in one
// transaction. Broken journeys are skipped with a log line; traversal
// in implementation.files is a hard config error for that journey.
func (ix *Index) Rebuild(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindDeadline, err, "index rebuild cancelled")
	}

	journeys, issues, err := LoadAll(ix.dir)
	if err != nil {
		return err
	}
	for _, issue := range issues {
		logging.Index("skipping journey %s: %v", filepath.Base(issue.Path), issue.Err)
	}

	var rows []store.PatternRow
	for _, j := range journeys {
		if j.State == StateRetired {
			continue
		}
		for _, pattern := range j.Implementation.Files {
			pattern = filepath.ToSlash(strings.TrimSpace(pattern))
			if pattern == "" {
				continue
			}
			if err := validatePattern(pattern); err != nil {
				logging.Index("journey %s: rejected pattern %q: %v", j.ID, pattern, err)
				ix.emitter.Emit(logging.EventIndexBadPattern, "", map[string]any{
					"journey": j.ID, "pattern": pattern, "reason": err.Error(),
				})
				continue
			}
			if n := ix.matchCount(pattern); n > broadPatternLimit {
				logging.Index("journey %s: pattern %q matches %d files, consider narrowing", j.ID, pattern, n)
				ix.emitter.Emit(logging.EventIndexBroadGlob, "", map[string]any{
					"journey": j.ID, "pattern": pattern, "files": n,
				})
			}
			rows = append(rows, store.PatternRow{
				Pattern:    pattern,
				JourneyID:  j.ID,
				SourcePath: filepath.Base(j.Path),
			})
		}
	}

	now := time.Now()
	if err := ix.store.ReplaceJourneyPatterns(rows, now); err != nil {
		return err
	}
	ix.snap.Store(&snapshot{rows: rows, builtAt: now})
	ix.emitter.Emit(logging.EventIndexRebuilt, "", map[string]any{
		"patterns": len(rows), "journeys": len(journeys), "skipped": len(issues),
	})
	logging.Index("reverse index rebuilt: %d patterns from %d journeys", len(rows), len(journeys))
	return nil
}

// Invalidate drops the in-memory snapshot so the next query re-checks
// staleness. Used by the watcher.
func (ix *Index) Invalidate() { ix.snap.Store(nil) }

// Affected returns the journeys whose file patterns cover anything in
// the changeset, deduplicated and in journey-id order. Glob match is
// tried first; a pattern that is not a usable glob falls back to exact
// path or bare-filename equality.
func (ix *Index) Affected(ctx context.Context, cs *changeset.Changeset) ([]Match, error) {
	if cs.IsEmpty() {
		return nil, nil
	}
	if err := ix.EnsureFresh(ctx); err != nil {
		return nil, err
	}
	snap := ix.snap.Load()
	if snap == nil {
		return nil, errs.New(errs.KindInternal, "journey index has no snapshot after refresh")
	}

	matched := map[string]map[string]bool{}
	for _, path := range cs.Paths() {
		rel := filepath.ToSlash(path)
		for _, row := range snap.rows {
			if !patternHits(row.Pattern, rel) {
				continue
			}
			if matched[row.JourneyID] == nil {
				matched[row.JourneyID] = map[string]bool{}
			}
			matched[row.JourneyID][rel] = true
		}
	}

	var out []Match
	for id, files := range matched {
		m := Match{JourneyID: id}
		for f := range files {
			m.MatchedFiles = append(m.MatchedFiles, f)
		}
		sort.Strings(m.MatchedFiles)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JourneyID < out[j].JourneyID })
	return out, nil
}

// patternHits implements the hybrid match: glob first, exact second.
func patternHits(pattern, rel string) bool {
	if ok, err := doublestar.Match(pattern, rel); err == nil {
		if ok {
			return true
		}
	}
	return pattern == rel || pattern == filepath.Base(rel)
}

// validatePattern rejects anything that could resolve outside the
// project root.
func validatePattern(pattern string) error {
	if filepath.IsAbs(pattern) || strings.HasPrefix(pattern, "/") {
		return errs.New(errs.KindConfig, "absolute paths are not allowed")
	}
	for _, part := range strings.Split(pattern, "/") {
		if part == ".." {
			return errs.New(errs.KindConfig, "path escapes the project root")
		}
	}
	if !doublestar.ValidatePattern(pattern) {
		return errs.New(errs.KindConfig, "invalid glob")
	}
	return nil
}

// matchCount counts workspace files a glob pattern covers. Bare
// filenames and exact paths are cheap; only real globs walk.
func (ix *Index) matchCount(pattern string) int {
	if !strings.ContainsAny(pattern, "*?[{") {
		return 1
	}
	hits, err := doublestar.Glob(os.DirFS(ix.root), pattern)
	if err != nil {
		return 0
	}
	return len(hits)
}

// latestMtime returns the newest mtime among the journey directory and
// its files. The directory itself counts so adds and deletes register.
func latestMtime(dir string) (time.Time, error) {
	var latest time.Time
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return latest, nil
		}
		return latest, errs.Wrap(errs.KindConfig, err, "failed to stat journey directory")
	}
	latest = info.ModTime()

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		fi, statErr := d.Info()
		if statErr == nil && fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
		return nil
	})
	if err != nil {
		return latest, errs.Wrap(errs.KindInternal, err, "journey walk failed")
	}
	return latest, nil
}
