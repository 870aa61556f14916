// Package budget enforces token spending limits across three scopes:
// a single request, the current process session, and the UTC day.
// Day totals persist in .agent/usage.json; session totals live and die
// with the process.
package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/logging"
)

// TokenCounts aggregates usage for one model.
type TokenCounts struct {
	Input    int64   `json:"input_tokens"`
	Output   int64   `json:"output_tokens"`
	Requests int64   `json:"requests"`
	CostUSD  float64 `json:"cost_usd"`
}

// DayUsage is the persisted ledger for one UTC day.
type DayUsage struct {
	Input    int64                  `json:"input_tokens"`
	Output   int64                  `json:"output_tokens"`
	Requests int64                  `json:"requests"`
	CostUSD  float64                `json:"cost_usd"`
	ByModel  map[string]TokenCounts `json:"by_model"`
}

type usageFile struct {
	Version   string               `json:"version"`
	Days      map[string]*DayUsage `json:"days"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Manager tracks usage and answers whether a request may proceed.
type Manager struct {
	cfg     config.BudgetConfig
	path    string
	emitter *logging.Emitter
	now     func() time.Time

	sessionIn  atomic.Int64
	sessionOut atomic.Int64
	requests   atomic.Int64

	mu      sync.Mutex
	data    usageFile
	alerted map[string]bool
}

// NewManager loads the persisted day ledger from path. A missing or
// corrupt file starts an empty ledger rather than failing the run.
func NewManager(cfg config.BudgetConfig, path string, emitter *logging.Emitter) *Manager {
	m := &Manager{
		cfg:     cfg,
		path:    path,
		emitter: emitter,
		now:     time.Now,
		data:    usageFile{Version: "1", Days: make(map[string]*DayUsage)},
		alerted: make(map[string]bool),
	}
	if data, err := os.ReadFile(path); err == nil {
		var f usageFile
		if json.Unmarshal(data, &f) == nil && f.Days != nil {
			m.data = f
		}
	}
	return m
}

func (m *Manager) dayKey() string {
	return m.now().UTC().Format("2006-01-02")
}

func (m *Manager) today() *DayUsage {
	key := m.dayKey()
	day, ok := m.data.Days[key]
	if !ok {
		day = &DayUsage{ByModel: make(map[string]TokenCounts)}
		m.data.Days[key] = day
	}
	return day
}

// CheckRequest decides whether a request with the given estimated
// input may be sent. The projection adds the configured expected
// output so a request cannot sneak under a cap on input alone.
//
// Per-request cap is absolute. Session and day caps refuse at the
// hard-stop ratio and warn once per scope at the alert ratio.
func (m *Manager) CheckRequest(estimatedInput int) error {
	projected := int64(estimatedInput + m.cfg.ExpectedOutput)

	if reqCap := int64(m.cfg.PerRequestCap); reqCap > 0 && projected > reqCap {
		return &errs.Error{
			Kind: errs.KindBudgetExceeded,
			Msg: fmt.Sprintf("budget_exceeded: request projects %d tokens against per-request cap %d",
				projected, reqCap),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sessionUsed := m.sessionIn.Load() + m.sessionOut.Load()
	if err := m.checkScope("session", sessionUsed, projected, int64(m.cfg.PerSessionCap), 0); err != nil {
		return err
	}

	day := m.today()
	dayUsed := day.Input + day.Output
	return m.checkScope("day:"+m.dayKey(), dayUsed, projected, int64(m.cfg.PerDayCap), m.untilUTCMidnight())
}

// checkScope is called with m.mu held.
func (m *Manager) checkScope(scope string, used, projected, limit int64, retryAfter time.Duration) error {
	if limit <= 0 {
		return nil
	}
	total := used + projected
	hardStop := int64(float64(limit) * m.cfg.HardStopRatio)
	alertAt := int64(float64(limit) * m.cfg.AlertRatio)

	if total > hardStop {
		m.emit(logging.EventBudgetAlert, map[string]any{
			"scope": scope, "used": used, "projected": projected, "cap": limit, "action": "hard_stop",
		})
		return &errs.Error{
			Kind: errs.KindBudgetExceeded,
			Msg: fmt.Sprintf("budget_exceeded: %s at %d of %d tokens, request of %d refused",
				scope, used, limit, projected),
			RetryAfter: retryAfter,
		}
	}
	if total > alertAt && !m.alerted[scope] {
		m.alerted[scope] = true
		logging.Budget("budget alert: %s at %d of %d tokens (%.0f%%)",
			scope, total, limit, 100*float64(total)/float64(limit))
		m.emit(logging.EventBudgetAlert, map[string]any{
			"scope": scope, "used": used, "projected": projected, "cap": limit, "action": "alert",
		})
	}
	return nil
}

// Record adds actual usage after a provider call and persists the day
// ledger atomically.
func (m *Manager) Record(model string, inTokens, outTokens int, costUSD float64) error {
	m.sessionIn.Add(int64(inTokens))
	m.sessionOut.Add(int64(outTokens))
	m.requests.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	day := m.today()
	day.Input += int64(inTokens)
	day.Output += int64(outTokens)
	day.Requests++
	day.CostUSD += costUSD
	if day.ByModel == nil {
		day.ByModel = make(map[string]TokenCounts)
	}
	counts := day.ByModel[model]
	counts.Input += int64(inTokens)
	counts.Output += int64(outTokens)
	counts.Requests++
	counts.CostUSD += costUSD
	day.ByModel[model] = counts

	m.data.UpdatedAt = m.now().UTC()
	return m.saveLocked()
}

// saveLocked writes usage.json via temp file and rename so a crash
// never leaves a torn ledger. Called with m.mu held.
func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Usage is a point-in-time view for reporting.
type Usage struct {
	SessionInput  int64
	SessionOutput int64
	Requests      int64
	DayInput      int64
	DayOutput     int64
	DayCostUSD    float64
	ByModel       map[string]TokenCounts
}

// Snapshot returns current session and day totals.
func (m *Manager) Snapshot() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := m.today()
	byModel := make(map[string]TokenCounts, len(day.ByModel))
	for k, v := range day.ByModel {
		byModel[k] = v
	}
	return Usage{
		SessionInput:  m.sessionIn.Load(),
		SessionOutput: m.sessionOut.Load(),
		Requests:      m.requests.Load(),
		DayInput:      day.Input,
		DayOutput:     day.Output,
		DayCostUSD:    day.CostUSD,
		ByModel:       byModel,
	}
}

func (m *Manager) untilUTCMidnight() time.Duration {
	now := m.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return midnight.Sub(now)
}

func (m *Manager) emit(typ logging.EventType, fields map[string]any) {
	if m.emitter != nil {
		m.emitter.Emit(typ, "", fields)
	}
}
