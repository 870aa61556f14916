// Structured governance events. Components emit typed events that are
// appended as JSON lines; per-event timestamps are monotonic within a
// process so audit ordering is reconstructible.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType identifies a governance event.
type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventRunFinished      EventType = "run_finished"
	EventGateCompleted    EventType = "gate_completed"
	EventProviderFallback EventType = "provider_fallback"
	EventBudgetAlert      EventType = "budget_alert"
	EventSuppressionFired EventType = "suppression_fired"
	EventRoleStarted      EventType = "role_started"
	EventRoleFinalized    EventType = "role_finalized"
	EventToolInvoke       EventType = "tool_invoke"
	EventToolComplete     EventType = "tool_complete"
	EventToolError        EventType = "tool_error"
	EventChunkSplit       EventType = "chunk_split"
	EventIndexRebuilt     EventType = "index_rebuilt"
	EventIndexBroadGlob   EventType = "index_broad_glob"
	EventIndexBadPattern  EventType = "index_bad_pattern"
	EventVaultRotated     EventType = "vault_rotated"
	EventDelegation       EventType = "delegation"
	EventSkipFlag         EventType = "skip_flag"
)

// Event is one structured governance record.
type Event struct {
	Seq    uint64         `json:"seq"`
	TS     int64          `json:"ts"`
	Type   EventType      `json:"type"`
	RunID  string         `json:"run_id,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Emitter appends events to a JSONL file and fans them out to
// subscribers. Safe for concurrent use.
type Emitter struct {
	mu     sync.Mutex
	file   *os.File
	seq    uint64
	lastTS int64
	subs   []func(Event)
}

// NewEmitter opens (or creates) the event log under dir. A nil Emitter
// is valid and drops every event, so callers never need nil checks.
func NewEmitter(dir string) (*Emitter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("events_%s.jsonl", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Emitter{file: f}, nil
}

// Subscribe registers a callback invoked synchronously for every event.
func (e *Emitter) Subscribe(fn func(Event)) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// Emit records one event. Timestamps never go backwards even if the
// wall clock does.
func (e *Emitter) Emit(typ EventType, runID string, fields map[string]any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := time.Now().UnixMilli()
	if ts <= e.lastTS {
		ts = e.lastTS + 1
	}
	e.lastTS = ts
	e.seq++

	ev := Event{Seq: e.seq, TS: ts, Type: typ, RunID: runID, Fields: fields}
	if data, err := json.Marshal(ev); err == nil && e.file != nil {
		fmt.Fprintln(e.file, string(data))
	}
	for _, fn := range e.subs {
		fn(ev)
	}
}

// Close flushes and closes the underlying file.
func (e *Emitter) Close() error {
	if e == nil || e.file == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.file.Close()
	e.file = nil
	return err
}
