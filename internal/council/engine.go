package council

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/governance"
	"storyguard/internal/logging"
)

// begin normalizes the input and splits the diff. Every engine runs
// through here so runs look identical in the audit stream.
func (s *scheduler) begin(in *Input) ([]Chunk, time.Time) {
	if in.Mode == "" {
		in.Mode = ModeGatekeeper
	}
	if in.RunID == "" {
		in.RunID = uuid.NewString()
	}
	if s.deps.Tools != nil {
		s.deps.Tools.SetRunID(in.RunID)
	}
	logging.Council("run %s: engine=%s roles=%d files=%d",
		in.RunID, s.cfg.Council.Engine, len(s.cfg.Council.Roles), len(in.Changeset.Paths()))
	return s.splitChangeset(*in), time.Now()
}

func skippedResult(role config.RoleConfig) RoleResult {
	return RoleResult{Role: role.Name, Kind: role.Kind, State: StateCreated, Skipped: true}
}

func cancelledResult(role config.RoleConfig) RoleResult {
	return RoleResult{
		Role: role.Name, Kind: role.Kind,
		State:   StateCancelled,
		Verdict: governance.VerdictNeedsInfo,
	}
}

// finishReview pairs the outcome with a deadline error when the parent
// context died mid-run, so callers can both record the partial audit
// and refuse to trust the verdict.
func finishReview(ctx context.Context, out *Outcome) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return out, errs.Wrap(errs.KindDeadline, err, "council run interrupted")
	}
	return out, nil
}

// legacyEngine reviews roles one at a time. The ordering is the config
// order, which makes transcripts easy to compare across runs.
type legacyEngine struct {
	*scheduler
}

func (e *legacyEngine) Name() string { return "legacy" }

func (e *legacyEngine) Review(ctx context.Context, in Input) (*Outcome, error) {
	chunks, started := e.begin(&in)
	if len(chunks) == 0 {
		return e.aggregate(in, e.Name(), nil, 0, started), nil
	}
	paths := in.Changeset.Paths()

	halted := false
	results := make([]RoleResult, 0, len(e.cfg.Council.Roles))
	for _, role := range e.cfg.Council.Roles {
		switch {
		case !relevantRole(role, paths):
			results = append(results, skippedResult(role))
		case halted || ctx.Err() != nil:
			results = append(results, cancelledResult(role))
		default:
			res := e.runRole(ctx, role, in, chunks, nil)
			results = append(results, res)
			if e.cfg.Council.FailFast && res.State == StateFailed {
				halted = true
			}
		}
	}
	return finishReview(ctx, e.aggregate(in, e.Name(), results, len(chunks), started))
}

// parallelEngine dispatches each relevant role to its own goroutine,
// bounded by a weighted semaphore of max_parallel slots. Provider
// calls themselves stay serialized behind the scheduler's mutex; the
// semaphore bounds how many roles do local work, parse replies, and
// run tools at once.
type parallelEngine struct {
	*scheduler
}

func (e *parallelEngine) Name() string { return "parallel" }

func (e *parallelEngine) Review(ctx context.Context, in Input) (*Outcome, error) {
	return e.run(ctx, in, nil)
}

// delegationSetup builds the per-role consult hooks once the input is
// normalized and the diff split. Nil outside the adk engine.
type delegationSetup func(in Input, chunks []Chunk) func(role config.RoleConfig) consultFunc

// run carries the fan-out shared by the parallel and adk engines.
func (e *parallelEngine) run(ctx context.Context, in Input, delegation delegationSetup) (*Outcome, error) {
	chunks, started := e.begin(&in)
	paths := in.Changeset.Paths()

	engineName := "parallel"
	var consults func(config.RoleConfig) consultFunc
	if delegation != nil {
		engineName = "adk"
		consults = delegation(in, chunks)
	}
	if len(chunks) == 0 {
		return e.aggregate(in, engineName, nil, 0, started), nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	maxParallel := e.cfg.Council.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	sem := semaphore.NewWeighted(int64(maxParallel))

	roles := e.cfg.Council.Roles
	results := make([]RoleResult, len(roles))
	eg, egCtx := errgroup.WithContext(runCtx)

	for i := range roles {
		role := roles[i]
		if !relevantRole(role, paths) {
			results[i] = skippedResult(role)
			continue
		}
		eg.Go(func() error {
			if err := sem.Acquire(egCtx, 1); err != nil {
				// Cancelled while queued; the role never started.
				results[i] = cancelledResult(role)
				return nil
			}
			defer sem.Release(1)

			var consult consultFunc
			if consults != nil {
				consult = consults(role)
			}
			results[i] = e.runRole(egCtx, role, in, chunks, consult)
			if e.cfg.Council.FailFast && results[i].State == StateFailed {
				cancel()
			}
			return nil
		})
	}
	// Workers always return nil; Wait is a join, not an error source.
	_ = eg.Wait()

	return finishReview(ctx, e.aggregate(in, engineName, results, len(chunks), started))
}

// adkEngine is the parallel engine plus role-to-role delegation. The
// coordinator owns the delegation graph; a delegate runs inside the
// requesting role's semaphore slot, so the parallelism bound holds.
type adkEngine struct {
	*scheduler
}

func (e *adkEngine) Name() string { return "adk" }

func (e *adkEngine) Review(ctx context.Context, in Input) (*Outcome, error) {
	p := &parallelEngine{scheduler: e.scheduler}
	return p.run(ctx, in, func(in Input, chunks []Chunk) func(config.RoleConfig) consultFunc {
		coord := newCoordinator(e.scheduler, in, chunks)
		return func(role config.RoleConfig) consultFunc {
			return coord.consultFor(role.Name, []string{role.Name})
		}
	})
}
