package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"storyguard/internal/adrlint"
	"storyguard/internal/ai"
	"storyguard/internal/changeset"
	"storyguard/internal/council"
	"storyguard/internal/errs"
	"storyguard/internal/governance"
	"storyguard/internal/journey"
	"storyguard/internal/preflight"
	"storyguard/internal/router"
	"storyguard/internal/ux"
)

var (
	baseRef      string
	diffPath     string
	storyID      string
	deadlineFlag time.Duration
	skipLint     bool
	skipJourneys bool
	skipCouncil  bool
	interactive  bool
	watchImpact  bool
	writePlan    bool
)

// preflightCmd runs the full gate pipeline over the staged changeset
var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Run the governance gates over the current changeset",
	Long: `Reviews the changeset through every gate in order: external linters,
ADR enforcement rules, journey behavioral contracts, then the AI
governance council. The deterministic gates are binding on their own;
the council can add blocks but never lift one.

With no --base the staged index is reviewed against HEAD. --diff reads
a unified diff from a file instead ("-" for stdin).

Exits 0 on pass, 2 when a gate blocks, 3 on configuration errors.`,
	Args: cobra.NoArgs,
	RunE: runPreflight,
}

// panelCmd convenes the council in consultative mode
var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Convene the governance council in consultative mode",
	Long: `Runs only the AI council over the changeset and reports its findings
as advice. Consultative runs never block: the verdict is always PASS
and the exit code is 0, but every finding, citation, and suppression
is still recorded in the audit trail.`,
	Args: cobra.NoArgs,
	RunE: runPanel,
}

// impactCmd maps the changeset onto journey contracts
var impactCmd = &cobra.Command{
	Use:   "impact",
	Short: "List the journeys a changeset touches and their test commands",
	Long: `Resolves the changed files through the journey reverse index and
prints every affected journey with the regression command that covers
it. --watch keeps the index fresh and re-reports whenever a journey
document changes.`,
	Args: cobra.NoArgs,
	RunE: runImpact,
}

// implementCmd assembles the governance brief for one story
var implementCmd = &cobra.Command{
	Use:   "implement <story-id>",
	Short: "Assemble the implementation brief for a story",
	Long: `Collects everything a developer needs before touching code: the story
document, the enforcement rules currently in force, and the behavioral
contracts of the journeys the story links. With AI enabled it also
asks the active provider for an implementation plan; --write appends
that plan to the story document.

The brief itself is deterministic. A provider failure degrades to the
brief alone, it never fails the command.`,
	Args: cobra.ExactArgs(1),
	RunE: runImplement,
}

func init() {
	for _, c := range []*cobra.Command{preflightCmd, panelCmd, impactCmd} {
		c.Flags().StringVar(&baseRef, "base", "", "Git ref to diff against (default: staged index)")
		c.Flags().StringVar(&diffPath, "diff", "", "Read a unified diff from this file instead of git (\"-\" for stdin)")
	}
	for _, c := range []*cobra.Command{preflightCmd, panelCmd} {
		c.Flags().StringVar(&storyID, "story", "", "Story this changeset implements")
		c.Flags().DurationVar(&deadlineFlag, "deadline", 0, "Council wall-clock budget (overrides config)")
	}
	preflightCmd.Flags().BoolVar(&skipLint, "skip-lint", false, "Skip the linter and ADR gates")
	preflightCmd.Flags().BoolVar(&skipJourneys, "skip-journeys", false, "Skip the journey contract gate")
	preflightCmd.Flags().BoolVar(&skipCouncil, "skip-council", false, "Skip the AI council")
	preflightCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Review blocking findings with AI rewrite proposals")
	impactCmd.Flags().BoolVar(&watchImpact, "watch", false, "Keep watching journey documents and re-report")
	implementCmd.Flags().BoolVar(&writePlan, "write", false, "Append the generated plan to the story document")

	rootCmd.AddCommand(preflightCmd)
	rootCmd.AddCommand(panelCmd)
	rootCmd.AddCommand(impactCmd)
	rootCmd.AddCommand(implementCmd)
}

func runPreflight(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	deps, err := rt.preflightDeps(ctx, diffPath, router.TaskGatekeeper)
	if err != nil {
		return err
	}
	orch := preflight.New(cfg, deps)

	flags := preflight.Flags{
		Base:         baseRef,
		Story:        storyID,
		Mode:         council.ModeGatekeeper,
		SkipLint:     skipLint,
		SkipJourneys: skipJourneys,
		SkipCouncil:  skipCouncil || !aiAllowed(),
		DryRun:       dryRun,
	}
	if cmd.Flags().Changed("deadline") {
		flags.Deadline = deadlineFlag
		flags.DeadlineSet = true
	}

	res, err := orch.Run(ctx, flags)
	if err != nil {
		if res != nil && !jsonOut {
			fmt.Println(ux.Report(res, ux.DefaultStyles()))
		}
		return err
	}

	if interactive && aiAllowed() && res.Verdict == governance.VerdictBlock {
		logger.Info("entering interactive review", zap.Int("blocking", len(res.Blocking())))
		res, err = orch.Interactive(ctx, flags, res, rt.completer(router.TaskRefactor), ux.NewPicker())
		if err != nil {
			return err
		}
	}

	if err := renderResult(res); err != nil {
		return err
	}
	exitCode = preflight.ExitCode(res, nil)
	return nil
}

func runPanel(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	if !aiAllowed() {
		return errs.New(errs.KindConfig, "panel needs a provider; remove --offline")
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	deps, err := rt.preflightDeps(ctx, diffPath, router.TaskReview)
	if err != nil {
		return err
	}
	orch := preflight.New(cfg, deps)

	flags := preflight.Flags{
		Base:         baseRef,
		Story:        storyID,
		Mode:         council.ModeConsultative,
		SkipLint:     true,
		SkipJourneys: true,
		DryRun:       dryRun,
	}
	if cmd.Flags().Changed("deadline") {
		flags.Deadline = deadlineFlag
		flags.DeadlineSet = true
	}

	res, err := orch.Run(ctx, flags)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(res.Council)
	}
	st := ux.DefaultStyles()
	if res.Empty || res.Council == nil {
		fmt.Println(st.Muted.Render("nothing to consult on: the changeset is empty"))
		return nil
	}
	fmt.Println(ux.PanelReport(res.Council, st))
	if res.AuditPath != "" {
		fmt.Println(st.Muted.Render("audit: " + res.AuditPath))
	}
	return nil
}

func runImpact(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	idx := rt.journeyIndex()
	report := func() error {
		matches, commands, err := affectedJourneys(ctx, idx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(struct {
				Affected     []journey.Match `json:"affected"`
				TestCommands []string        `json:"test_commands"`
			}{matches, commands})
		}
		fmt.Println(ux.ImpactReport(matches, commands, ux.DefaultStyles()))
		return nil
	}

	if err := report(); err != nil {
		return err
	}
	if !watchImpact {
		return nil
	}

	watcher, err := journey.NewWatcher(idx, func() {
		if err := report(); err != nil {
			logger.Warn("impact refresh failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	logger.Info("watching journey documents", zap.String("dir", cfg.JourneyDir()))
	<-ctx.Done()
	return nil
}

func affectedJourneys(ctx context.Context, idx *journey.Index) ([]journey.Match, []string, error) {
	var source changeset.Source = changeset.GitSource{Workspace: cfg.Workspace, Base: baseRef}
	if diffPath != "" {
		source = changeset.FileSource{Path: diffPath}
	}
	cs, err := source.Load(ctx)
	if err != nil {
		return nil, nil, err
	}

	matches, err := idx.Affected(ctx, cs)
	if err != nil {
		return nil, nil, err
	}

	journeys, _, err := journey.LoadAll(cfg.JourneyDir())
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]*journey.Journey, len(journeys))
	for _, j := range journeys {
		byID[j.ID] = j
	}

	seen := make(map[string]bool)
	var commands []string
	for _, m := range matches {
		j, ok := byID[m.JourneyID]
		if !ok {
			continue
		}
		if c := journey.TestCommand(j); c != "" && !seen[c] {
			seen[c] = true
			commands = append(commands, c)
		}
	}
	sort.Strings(commands)
	return matches, commands, nil
}

var journeyIDPattern = regexp.MustCompile(`\bJRN-\d+\b`)

func runImplement(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	id := canonicalStoryID(args[0])
	storyPath, content, err := findStory(id)
	if err != nil {
		return err
	}

	brief, err := buildBrief(id, content)
	if err != nil {
		return err
	}

	var plan string
	if aiAllowed() {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		plan = requestPlan(ctx, rt, id, brief)
	}

	if jsonOut {
		return printJSON(struct {
			Story string `json:"story"`
			Path  string `json:"path"`
			Brief string `json:"brief"`
			Plan  string `json:"plan,omitempty"`
		}{id, storyPath, brief, plan})
	}

	fmt.Println(ux.Markdown(brief, 0))
	if plan != "" {
		fmt.Println(ux.Markdown("## Proposed Plan\n\n"+plan, 0))
	}

	if writePlan && plan != "" {
		updated := strings.TrimRight(content, "\n") + "\n\n## Plan\n\n" + strings.TrimSpace(plan) + "\n"
		if err := os.WriteFile(storyPath, []byte(updated), 0o644); err != nil {
			return fmt.Errorf("failed to update %s: %w", storyPath, err)
		}
		fmt.Println(ux.DefaultStyles().Muted.Render("plan written to " + storyPath))
	}
	return nil
}

// canonicalStoryID accepts "STORY-004", "story-4", or a bare number.
func canonicalStoryID(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "STORY-")
	n := 0
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && n > 0 {
		return fmt.Sprintf("STORY-%03d", n)
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}

func findStory(id string) (path, content string, err error) {
	entries, err := os.ReadDir(cfg.StoryDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", errs.New(errs.KindConfig, "no stories yet: run guard init, then guard new-story")
		}
		return "", "", err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), id) {
			continue
		}
		p := filepath.Join(cfg.StoryDir(), e.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			return "", "", err
		}
		return p, string(data), nil
	}
	return "", "", errs.New(errs.KindConfig, "story %s not found under %s", id, cfg.StoryDir())
}

// buildBrief is the deterministic half of implement: the story, the
// rules in force, and the linked journey contracts.
func buildBrief(id, story string) (string, error) {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(story))
	b.WriteString("\n\n## Rules In Force\n\n")

	adrs, _, err := adrlint.LoadADRs(cfg.ADRDir())
	if err != nil {
		return "", err
	}
	ruleCount := 0
	for _, adr := range adrs {
		for _, r := range adr.Rules {
			fmt.Fprintf(&b, "- **%s** (%s, scope `%s`): %s\n", r.Name(), r.Type, r.Scope, r.Message)
			ruleCount++
		}
	}
	if ruleCount == 0 {
		b.WriteString("No accepted ADR declares enforcement rules yet.\n")
	}

	b.WriteString("\n## Journey Contracts\n\n")
	linked := journeyIDPattern.FindAllString(story, -1)
	if len(linked) == 0 {
		b.WriteString(fmt.Sprintf("%s links no journeys.\n", id))
		return b.String(), nil
	}

	seen := make(map[string]bool)
	for _, jid := range linked {
		if seen[jid] {
			continue
		}
		seen[jid] = true
		j, err := loadJourneyByID(jid)
		if err != nil {
			fmt.Fprintf(&b, "- %s: not found\n", jid)
			continue
		}
		fmt.Fprintf(&b, "### %s: %s (%s)\n\n", j.ID, j.Title, j.State)
		for _, s := range j.Steps {
			fmt.Fprintf(&b, "- %s", s.Action)
			if s.Expected != "" {
				fmt.Fprintf(&b, " → expect: %s", s.Expected)
			}
			b.WriteString("\n")
		}
		if len(j.Implementation.Tests) > 0 {
			fmt.Fprintf(&b, "\nTests: %s\n", strings.Join(j.Implementation.Tests, ", "))
		}
		fmt.Fprintf(&b, "Regression: `%s`\n\n", journey.TestCommand(j))
	}
	return b.String(), nil
}

func loadJourneyByID(id string) (*journey.Journey, error) {
	entries, err := os.ReadDir(cfg.JourneyDir())
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), id) {
			continue
		}
		return journey.Load(filepath.Join(cfg.JourneyDir(), e.Name()))
	}
	return nil, errs.New(errs.KindConfig, "journey %s not found", id)
}

const planSystem = `You are a senior engineer planning the implementation of one story
under a governance regime. Respect every enforcement rule and journey
contract in the brief. Reply with a numbered plan of small steps, each
naming the files it touches and the test that proves it.`

// requestPlan asks the provider for a plan. Advisory only: failures
// log and return empty, they never fail the command.
func requestPlan(ctx context.Context, rt *runtime, id, brief string) string {
	comp := rt.completer(router.TaskGeneration)
	resp, err := comp.Complete(ctx, ai.Request{
		Messages: []ai.Message{
			{Role: "system", Content: planSystem},
			{Role: "user", Content: fmt.Sprintf("Plan the implementation of %s.\n\n%s", id, brief)},
		},
		MaxTokens: cfg.Budget.ExpectedOutput * 2,
	})
	if err != nil {
		logger.Warn("plan generation failed, brief stands alone", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(resp.Text)
}

func renderResult(res *preflight.Result) error {
	if jsonOut {
		return printJSON(res)
	}
	fmt.Println(ux.Report(res, ux.DefaultStyles()))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
