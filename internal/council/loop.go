package council

import (
	"context"

	"github.com/bmatcuk/doublestar/v4"

	"storyguard/internal/ai"
	"storyguard/internal/budget"
	"storyguard/internal/config"
	"storyguard/internal/governance"
	"storyguard/internal/logging"
)

// reviewTemperature keeps role verdicts reproducible across reruns of
// the same diff.
const reviewTemperature = 0.2

// consultFunc is the delegation hook. Nil outside the adk engine.
type consultFunc func(ctx context.Context, target, question string) (string, error)

// roleRun is the mutable state of one role's review across chunks.
type roleRun struct {
	s       *scheduler
	role    config.RoleConfig
	all     []config.RoleConfig
	in      Input
	consult consultFunc

	state State
	res   RoleResult

	verdicts []governance.Verdict
}

type chunkOutcome struct {
	final     *finalReply
	steps     int
	failed    bool
	cancelled bool
	errMsg    string
}

// relevantRole reports whether any changed path matches the role's
// relevance globs. A role with no globs reviews everything.
func relevantRole(role config.RoleConfig, paths []string) bool {
	if len(role.RelevantPathsGlob) == 0 {
		return true
	}
	for _, glob := range role.RelevantPathsGlob {
		for _, p := range paths {
			if ok, err := doublestar.Match(glob, p); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// runRole reviews every chunk for one role and folds the results. It
// never returns an error: failures become a needs-info result so the
// rest of the council proceeds.
func (s *scheduler) runRole(ctx context.Context, role config.RoleConfig, in Input, chunks []Chunk, consult consultFunc) RoleResult {
	r := &roleRun{
		s:       s,
		role:    role,
		all:     s.cfg.Council.Roles,
		in:      in,
		consult: consult,
		state:   StateCreated,
		res:     RoleResult{Role: role.Name, Kind: role.Kind, Chunks: len(chunks)},
	}

	logging.Council("role %s started (%d chunks)", role.Name, len(chunks))
	s.emit(logging.EventRoleStarted, in.RunID, map[string]any{
		"role": role.Name, "chunks": len(chunks),
	})

	r.to(StateRunning)
	stepCap := s.roleStepCap()

	for i := range chunks {
		if ctx.Err() != nil {
			r.to(StateCancelled)
			break
		}
		stepBudget := s.maxSteps()
		if remaining := stepCap - r.res.Steps; stepBudget > remaining {
			stepBudget = remaining
		}
		if stepBudget < 1 {
			// Aggregate budget exhausted; unreviewed chunks count as
			// unanswered, the role can still finalize on what it saw.
			logging.Council("role %s out of steps after %d chunks", role.Name, i)
			break
		}

		out := r.reviewChunk(ctx, chunks[i], i, len(chunks), stepBudget)
		r.res.Steps += out.steps

		switch {
		case out.cancelled:
			r.to(StateCancelled)
		case out.failed:
			r.res.Error = out.errMsg
			r.to(StateFailed)
		case out.final != nil:
			r.recordFinal(chunks[i].ID, out.final)
			if i < len(chunks)-1 {
				r.to(StateRunning)
			}
		default:
			// Step budget ran out without a structured conclusion.
			r.res.Error = "no structured verdict within step budget"
			r.to(StateFailed)
		}
		if r.state.Terminal() {
			break
		}
	}

	r.finish()
	return r.res
}

// to applies a state transition, tolerating repeats of terminal states.
func (r *roleRun) to(next State) {
	if r.state == next {
		return
	}
	r.state = transition(r.state, next)
}

// finish derives the role's final verdict and emits the closing event.
func (r *roleRun) finish() {
	switch r.state {
	case StateCancelled:
		r.res.Verdict = governance.VerdictNeedsInfo
	case StateFailed:
		r.res.Verdict = governance.VerdictNeedsInfo
	default:
		if r.state == StateReplying {
			r.to(StateFinalized)
		}
		r.res.Verdict = r.foldVerdicts()
	}
	r.res.State = r.state

	logging.Council("role %s %s: verdict=%s findings=%d dropped=%d steps=%d",
		r.role.Name, r.state, r.res.Verdict, len(r.res.Findings), r.res.Dropped, r.res.Steps)
	r.s.emit(logging.EventRoleFinalized, r.in.RunID, map[string]any{
		"role": r.role.Name, "state": string(r.state), "verdict": string(r.res.Verdict),
		"findings": len(r.res.Findings), "dropped": r.res.Dropped, "steps": r.res.Steps,
	})
}

// foldVerdicts combines per-chunk verdicts and the citation-drop rule:
// a verdict whose critical support was hallucinated downgrades to
// needs-info, never to PASS.
func (r *roleRun) foldVerdicts() governance.Verdict {
	if len(r.verdicts) == 0 {
		return governance.VerdictNeedsInfo
	}
	verdict := governance.VerdictPass
	for _, v := range r.verdicts {
		if v == governance.VerdictBlock {
			verdict = governance.VerdictBlock
			break
		}
	}
	if len(r.verdicts) < r.res.Chunks && verdict != governance.VerdictBlock {
		// Some chunks were never concluded.
		return governance.VerdictNeedsInfo
	}
	if r.res.DroppedCritical == 0 {
		return verdict
	}
	if verdict == governance.VerdictBlock && r.survivingBlocks() > 0 {
		return verdict
	}
	return governance.VerdictNeedsInfo
}

func (r *roleRun) survivingBlocks() int {
	n := 0
	for _, f := range r.res.Findings {
		if f.Severity == governance.SeverityBlock {
			n++
		}
	}
	return n
}

// reviewChunk runs the bounded reason-act-observe loop over one chunk.
// Steps count provider calls; the forced conclusion after an exhausted
// budget costs one more.
func (r *roleRun) reviewChunk(ctx context.Context, chunk Chunk, idx, total, stepBudget int) chunkOutcome {
	catalog := ""
	if r.s.deps.Tools != nil {
		catalog = r.s.deps.Tools.Catalog()
	}
	system := buildSystemInstruction(r.role, r.all, catalog, r.consult != nil)
	turns := []budget.Turn{
		{Role: "system", Content: system},
		{Role: "user", Content: buildTask(r.in, chunk, idx, total)},
	}

	var out chunkOutcome
	for step := 0; step < stepBudget; step++ {
		parsed, done := r.step(ctx, &turns, &out)
		if done {
			return out
		}

		switch {
		case parsed.Final != nil:
			r.to(StateReplying)
			out.final = parsed.Final
			return out

		case parsed.IsToolCall():
			r.to(StateWaitingTool)
			obs := r.executeAction(ctx, parsed)
			if ctx.Err() != nil {
				out.cancelled = true
				return out
			}
			turns = append(turns, budget.Turn{Role: "user", Content: obs})
			r.to(StateRunning)

		default:
			turns = append(turns, budget.Turn{Role: "user", Content: formatFeedback(parsed)})
		}
	}

	// Out of steps: demand a conclusion in one final call.
	turns = append(turns, budget.Turn{Role: "user", Content: "You are out of investigation steps. Conclude now with VERDICT / FINDINGS / REFERENCES only."})
	parsed, done := r.step(ctx, &turns, &out)
	if done {
		return out
	}
	if parsed != nil && parsed.Final != nil {
		r.to(StateReplying)
		out.final = parsed.Final
	}
	return out
}

// step makes one serialized provider call and parses the reply. done
// reports a terminal condition (cancellation or provider failure)
// already recorded on out.
func (r *roleRun) step(ctx context.Context, turns *[]budget.Turn, out *chunkOutcome) (*parsedReply, bool) {
	if ctx.Err() != nil {
		out.cancelled = true
		return nil, true
	}
	*turns = trimConversation(*turns, r.s.inputBudget())

	resp, err := r.s.complete(ctx, r.request(*turns))
	out.steps++
	if ctx.Err() != nil {
		// The provider call could not be interrupted; its result is
		// discarded.
		out.cancelled = true
		return nil, true
	}
	if err != nil {
		out.failed = true
		out.errMsg = err.Error()
		return nil, true
	}

	*turns = append(*turns, budget.Turn{Role: "assistant", Content: resp.Text})
	return parseReply(resp.Text), false
}

// executeAction resolves one Action line: delegation first, then the
// tool registry. Every failure mode comes back as an observation.
func (r *roleRun) executeAction(ctx context.Context, parsed *parsedReply) string {
	args, err := parseActionArgs(parsed.ActionInput)
	if err != nil {
		return errObservation("invalid JSON in Action Input", err)
	}

	if parsed.Action == delegateToolName {
		if r.consult == nil || !r.role.MayDelegate {
			return observation("Error - delegation is not available to this role")
		}
		target, _ := args["role"].(string)
		question, _ := args["question"].(string)
		digest, err := r.consult(ctx, target, question)
		if err != nil {
			return errObservation("delegation failed", err)
		}
		r.res.DelegatedTo = append(r.res.DelegatedTo, target)
		return observation(digest)
	}

	if !r.role.MayRequestTools || r.s.deps.Tools == nil {
		return observation("Error - tools are not available to this role")
	}
	result := r.s.deps.Tools.Invoke(ctx, parsed.Action, args)
	if result.IsError {
		return observation("Error - " + result.Output)
	}
	return observation(result.Output)
}

func (r *roleRun) request(turns []budget.Turn) ai.Request {
	temp := reviewTemperature
	msgs := make([]ai.Message, len(turns))
	for i, t := range turns {
		msgs[i] = ai.Message{Role: t.Role, Content: t.Content}
	}
	return ai.Request{
		Messages:    msgs,
		Temperature: &temp,
		MaxTokens:   r.s.cfg.Budget.ExpectedOutput,
	}
}

// trimConversation drops the oldest mid-conversation turns until the
// whole exchange fits. The system instruction, the initial task, and
// the two most recent turns (last thought plus its observation) are
// never dropped.
func trimConversation(turns []budget.Turn, maxTokens int) []budget.Turn {
	for len(turns) > 4 && budget.EstimateTurns(turns) > maxTokens {
		turns = append(turns[:2], turns[3:]...)
	}
	return turns
}
