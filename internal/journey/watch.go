package journey

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"storyguard/internal/errs"
	"storyguard/internal/logging"
)

// Watcher invalidates the index snapshot when journey files change, so
// long-lived impact sessions never serve a stale map. Events are
// debounced: editors fire bursts of writes per save.
type Watcher struct {
	index    *Index
	fsw      *fsnotify.Watcher
	onChange func()

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher wires a watcher to the index. onChange may be nil; when
// set it fires after each debounced invalidation (the impact loop uses
// it to re-query).
func NewWatcher(index *Index, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "failed to create file watcher")
	}
	return &Watcher{
		index:    index,
		fsw:      fsw,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching the journey directory. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.fsw.Add(w.index.dir); err != nil {
		return errs.Wrap(errs.KindConfig, err, "failed to watch journey directory")
	}
	logging.Index("watching %s for journey changes", w.index.dir)
	go w.run(ctx)
	return nil
}

// Stop halts the loop and releases the OS watch.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.fsw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var dirty bool
	debounce := time.NewTicker(200 * time.Millisecond)
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !journeyFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logging.IndexDebug("journey change: %s %s", event.Op, event.Name)
			dirty = true
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Index("watcher error: %v", err)
		case <-debounce.C:
			if !dirty {
				continue
			}
			dirty = false
			w.index.Invalidate()
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}

func journeyFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
