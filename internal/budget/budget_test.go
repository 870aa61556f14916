package budget

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/logging"
)

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty = %d, want 0", got)
	}
	short := EstimateTokens("hello")
	long := EstimateTokens(strings.Repeat("hello world ", 50))
	if short <= 0 {
		t.Errorf("short = %d, want > 0", short)
	}
	if long <= short {
		t.Errorf("long = %d not greater than short = %d", long, short)
	}
}

func TestTrimToFitKeepsSystemAndLastTurn(t *testing.T) {
	turns := []Turn{
		{Role: "system", Content: "you are the reviewer"},
		{Role: "user", Content: strings.Repeat("old context one ", 40)},
		{Role: "assistant", Content: strings.Repeat("old answer one ", 40)},
		{Role: "user", Content: strings.Repeat("old context two ", 40)},
		{Role: "assistant", Content: strings.Repeat("old answer two ", 40)},
		{Role: "user", Content: "the actual question"},
	}

	// Room for the system turn, the last turn, and a little slack.
	budget := EstimateTurns([]Turn{turns[0], turns[5]}) + EstimateTokens(turns[4].Content)

	trimmed := TrimToFit(turns, budget)
	if len(trimmed) < 2 {
		t.Fatalf("trimmed to %d turns", len(trimmed))
	}
	if trimmed[0].Role != "system" {
		t.Errorf("first turn role = %q, want system", trimmed[0].Role)
	}
	last := trimmed[len(trimmed)-1]
	if last.Content != "the actual question" {
		t.Errorf("last turn = %q, want the actual question", last.Content)
	}
	if got := EstimateTurns(trimmed); got > budget {
		t.Errorf("trimmed conversation still %d tokens over budget %d", got, budget)
	}
}

func TestTrimToFitNoopUnderBudget(t *testing.T) {
	turns := []Turn{
		{Role: "system", Content: "s"},
		{Role: "user", Content: "u"},
	}
	trimmed := TrimToFit(turns, 1_000_000)
	if len(trimmed) != 2 {
		t.Errorf("under-budget conversation was trimmed to %d turns", len(trimmed))
	}
}

func testBudgetConfig() config.BudgetConfig {
	return config.BudgetConfig{
		PerRequestCap:  1000,
		PerSessionCap:  2000,
		PerDayCap:      5000,
		AlertRatio:     0.80,
		HardStopRatio:  0.95,
		ExpectedOutput: 100,
	}
}

func TestCheckRequestPerRequestCap(t *testing.T) {
	m := NewManager(testBudgetConfig(), filepath.Join(t.TempDir(), "usage.json"), nil)

	if err := m.CheckRequest(500); err != nil {
		t.Fatalf("within cap: %v", err)
	}
	err := m.CheckRequest(950) // 950 + 100 expected output > 1000
	if err == nil {
		t.Fatal("oversized request allowed")
	}
	if !errs.IsKind(err, errs.KindBudgetExceeded) {
		t.Errorf("kind = %v, want budget_exceeded", errs.KindOf(err))
	}
}

func TestSessionHardStopAndAlertLatch(t *testing.T) {
	em, err := logging.NewEmitter(t.TempDir())
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}
	defer em.Close()

	var mu sync.Mutex
	alerts := 0
	em.Subscribe(func(ev logging.Event) {
		if ev.Type == logging.EventBudgetAlert && ev.Fields["action"] == "alert" {
			mu.Lock()
			alerts++
			mu.Unlock()
		}
	})

	m := NewManager(testBudgetConfig(), filepath.Join(t.TempDir(), "usage.json"), em)
	if err := m.Record("m", 1500, 0, 0); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// 1500 + 200 + 100 = 1800 of 2000: over the 80% alert line,
	// under the 95% hard stop.
	if err := m.CheckRequest(200); err != nil {
		t.Fatalf("alert-zone request refused: %v", err)
	}
	if err := m.CheckRequest(200); err != nil {
		t.Fatalf("second alert-zone request refused: %v", err)
	}
	mu.Lock()
	if alerts != 1 {
		t.Errorf("alert fired %d times, want exactly 1", alerts)
	}
	mu.Unlock()

	// 1500 + 400 + 100 = 2000 > 1900 hard stop.
	if err := m.CheckRequest(400); err == nil {
		t.Fatal("hard-stop request allowed")
	}
}

func TestDayLedgerPersistsAcrossManagers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	fixed := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	m1 := NewManager(testBudgetConfig(), path, nil)
	m1.now = func() time.Time { return fixed }
	if err := m1.Record("gemini-2.5-flash", 300, 80, 0.002); err != nil {
		t.Fatalf("Record: %v", err)
	}

	m2 := NewManager(testBudgetConfig(), path, nil)
	m2.now = func() time.Time { return fixed }
	snap := m2.Snapshot()
	if snap.DayInput != 300 || snap.DayOutput != 80 {
		t.Errorf("day totals = %d/%d, want 300/80", snap.DayInput, snap.DayOutput)
	}
	if snap.SessionInput != 0 {
		t.Errorf("session input leaked across processes: %d", snap.SessionInput)
	}
	counts := snap.ByModel["gemini-2.5-flash"]
	if counts.Requests != 1 {
		t.Errorf("model requests = %d, want 1", counts.Requests)
	}
}

func TestDayRolloverResetsDayScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	day1 := time.Date(2025, 6, 15, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)

	m := NewManager(testBudgetConfig(), path, nil)
	m.now = func() time.Time { return day1 }
	if err := m.Record("m", 4000, 500, 0); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Day is nearly spent on day1.
	if err := m.CheckRequest(300); err == nil {
		t.Fatal("request allowed past day hard stop")
	}

	m.now = func() time.Time { return day2 }
	snap := m.Snapshot()
	if snap.DayInput != 0 {
		t.Errorf("day input after rollover = %d, want 0", snap.DayInput)
	}
}

func TestDayExceededCarriesRetryAfter(t *testing.T) {
	cfg := testBudgetConfig()
	cfg.PerSessionCap = 1_000_000 // keep the session scope out of the way
	m := NewManager(cfg, filepath.Join(t.TempDir(), "usage.json"), nil)
	m.now = func() time.Time { return time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC) }
	if err := m.Record("m", 4800, 0, 0); err != nil {
		t.Fatalf("Record: %v", err)
	}

	err := m.CheckRequest(200)
	if err == nil {
		t.Fatal("request allowed past day hard stop")
	}
	var de *errs.Error
	if !errs.IsKind(err, errs.KindBudgetExceeded) {
		t.Fatalf("kind = %v", errs.KindOf(err))
	}
	if e, ok := err.(*errs.Error); ok {
		de = e
	} else {
		t.Fatalf("error type %T", err)
	}
	if de.RetryAfter <= 0 || de.RetryAfter > 24*time.Hour {
		t.Errorf("RetryAfter = %v, want within (0, 24h]", de.RetryAfter)
	}
}
