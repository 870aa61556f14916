package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"storyguard/internal/audit"
	"storyguard/internal/config"
	"storyguard/internal/embedding"
	"storyguard/internal/errs"
	"storyguard/internal/tools"
	"storyguard/internal/ux"
)

var (
	auditLimit   int
	queryK       int
	queryReindex bool
)

// auditCmd inspects persisted council runs
var auditCmd = &cobra.Command{
	Use:   "audit [run-id]",
	Short: "List council runs or show one audit artifact",
	Long: `With no argument, lists recent council runs from the governance store.
With a run id, renders that run's Markdown audit artifact.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAudit,
}

func runAudit(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if len(args) == 1 {
		return showAuditRun(rt, args[0])
	}

	runs, err := rt.store.RecentRuns(auditLimit)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(runs)
	}
	st := ux.DefaultStyles()
	if len(runs) == 0 {
		fmt.Println(st.Muted.Render("no council runs recorded yet"))
		return nil
	}
	tbl := ux.NewTable("Run", "Story", "Engine", "Verdict", "Citations", "Finished")
	for _, r := range runs {
		tbl.Add(r.ID, r.StoryID, r.Engine, r.Verdict,
			fmt.Sprintf("%.0f%%", r.CitationRate*100),
			r.FinishedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Println(tbl.View(st))
	return nil
}

func showAuditRun(rt *runtime, id string) error {
	rec, err := rt.store.Run(id)
	if err != nil {
		return err
	}

	// The store indexes runs by council run id; audit artifacts are
	// also addressable by their own ULID file names.
	path := ""
	if rec != nil {
		path = rec.AuditPath
	} else {
		for _, cand := range []string{id + ".md", id + ".json"} {
			p := filepath.Join(cfg.AuditDir(), cand)
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return errs.New(errs.KindConfig, "no run %q in the store or under %s", id, cfg.AuditDir())
	}

	run, err := audit.Load(path)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(run)
	}
	fmt.Println(ux.Markdown(run.Render(), 0))
	return nil
}

// queryCmd searches the governance corpus
var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search ADRs, rules and journeys",
	Long: `Searches the governance corpus. With an embedding provider configured
the query runs against the local vector index (rebuilt incrementally
first); without one it degrades to text search over the workspace.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()
	query := strings.Join(args, " ")

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	eng := rt.embedder(ctx)
	if eng == nil {
		return textQuery(ctx, query)
	}

	if queryReindex {
		report, err := embedding.NewIndexer(cfg, eng, rt.store).Reindex(ctx)
		if err != nil {
			return err
		}
		logger.Sugar().Debugf("reindexed: %+v", report)
	}

	vec, err := eng.Embed(ctx, query)
	if err != nil {
		return err
	}
	hits, err := rt.store.SemanticSearch(vec, queryK)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(hits)
	}
	st := ux.DefaultStyles()
	if len(hits) == 0 {
		fmt.Println(st.Muted.Render("no matches; try guard query --reindex"))
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%s %s\n", st.Bold.Render(h.DocID), st.Muted.Render(fmt.Sprintf("(%.3f)", h.Score)))
		fmt.Println("  " + firstLine(h.Content))
	}
	return nil
}

// textQuery is the degraded path: plain text search, same output shape.
func textQuery(ctx context.Context, query string) error {
	hits, err := tools.Search(ctx, cfg.Workspace, query, queryK)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(hits)
	}
	st := ux.DefaultStyles()
	if len(hits) == 0 {
		fmt.Println(st.Muted.Render("no matches"))
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%s:%d: %s\n", st.Bold.Render(h.File), h.Line, strings.TrimSpace(h.Text))
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "…"
	}
	return s
}

// queryUsageCmd reports token accounting
var queryUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage for this session and today",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		usage := rt.budget.Snapshot()
		if jsonOut {
			return printJSON(usage)
		}
		st := ux.DefaultStyles()
		fmt.Printf("session: %d in / %d out over %d request(s)\n",
			usage.SessionInput, usage.SessionOutput, usage.Requests)
		fmt.Printf("today:   %d in / %d out, $%.4f\n",
			usage.DayInput, usage.DayOutput, usage.DayCostUSD)
		if len(usage.ByModel) == 0 {
			return nil
		}
		models := make([]string, 0, len(usage.ByModel))
		for m := range usage.ByModel {
			models = append(models, m)
		}
		sort.Strings(models)
		tbl := ux.NewTable("Model", "Input", "Output", "Requests", "Cost")
		for _, m := range models {
			c := usage.ByModel[m]
			tbl.Add(m, fmt.Sprintf("%d", c.Input), fmt.Sprintf("%d", c.Output),
				fmt.Sprintf("%d", c.Requests), fmt.Sprintf("$%.4f", c.CostUSD))
		}
		fmt.Println(tbl.View(st))
		return nil
	},
}

// queryStatsCmd reports the vector index shape
var queryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show vector index statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		stats, err := rt.store.VectorIndexStats()
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(stats)
		}
		st := ux.DefaultStyles()
		if stats.Count == 0 {
			fmt.Println(st.Muted.Render("vector index is empty; run guard query reindex"))
			return nil
		}
		mode := "brute-force cosine"
		if stats.ANN {
			mode = "sqlite-vec ANN"
		}
		fmt.Printf("%d vector(s), %d dims, engine %s, %s\n", stats.Count, stats.Dims, stats.Engine, mode)
		return nil
	},
}

// queryReindexCmd rebuilds the vector index
var queryReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the vector index over ADRs, rules and journeys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		eng := rt.embedder(ctx)
		if eng == nil {
			return errs.New(errs.KindConfig, "embedding disabled: set embedding.provider to gemini or ollama")
		}
		report, err := embedding.NewIndexer(cfg, eng, rt.store).Reindex(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(report)
		}
		fmt.Printf("indexed %d, fresh %d, pruned %d\n", report.Indexed, report.Fresh, report.Pruned)
		return nil
	},
}

// listModelsCmd enumerates models per configured provider
var listModelsCmd = &cobra.Command{
	Use:   "list-models",
	Short: "List the models each enabled provider offers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		models := rt.ai.ListModels(ctx)
		if jsonOut {
			return printJSON(models)
		}
		st := ux.DefaultStyles()
		providers := make([]string, 0, len(models))
		for p := range models {
			providers = append(providers, p)
		}
		sort.Strings(providers)
		for _, p := range providers {
			fmt.Println(st.Bold.Render(p))
			if len(models[p]) == 0 {
				fmt.Println(st.Muted.Render("  (unreachable or no models)"))
				continue
			}
			for _, m := range models[p] {
				fmt.Println("  " + m)
			}
		}
		return nil
	},
}

// configCmd reads and writes .agent/config.yaml
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read or change configuration values",
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print one configuration value, or the whole config",
	Long: `Prints the value at a dotted key, e.g. council.engine or
budget.per_request_cap. With no key, prints the full effective
configuration (defaults merged with file and environment).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, err := configTree()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			out, err := yaml.Marshal(tree)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		}
		val, err := lookupConfig(tree, args[0])
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(val)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one configuration value and save the file",
	Long: `Sets the value at a dotted key and writes .agent/config.yaml. The
value is parsed as YAML, so numbers, booleans and strings all work:

  guard config set council.engine adk
  guard config set council.max_parallel 5

The result is validated before anything is written.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, err := configTree()
		if err != nil {
			return err
		}
		var value any
		if err := yaml.Unmarshal([]byte(args[1]), &value); err != nil {
			value = args[1]
		}
		if err := assignConfig(tree, args[0], value); err != nil {
			return err
		}

		// Round-trip through the typed config so unknown keys and
		// invalid values are rejected before touching the file.
		raw, err := yaml.Marshal(tree)
		if err != nil {
			return err
		}
		next := config.DefaultConfig()
		next.Workspace = cfg.Workspace
		if err := yaml.Unmarshal(raw, next); err != nil {
			return errs.Wrap(errs.KindConfig, err, "value does not fit %s", args[0])
		}
		if err := next.Validate(); err != nil {
			return err
		}
		if err := next.Save(); err != nil {
			return err
		}
		fmt.Println(ux.DefaultStyles().Pass.Render(args[0]) + " = " + args[1])
		return nil
	},
}

// configTree renders the effective config as a generic YAML mapping.
func configTree() (map[string]any, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	tree := map[string]any{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func lookupConfig(tree map[string]any, key string) (any, error) {
	parts := strings.Split(key, ".")
	var cur any = tree
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, errs.New(errs.KindConfig, "no config value at %q", key)
		}
		cur, ok = m[part]
		if !ok {
			return nil, errs.New(errs.KindConfig, "no config value at %q", key)
		}
	}
	return cur, nil
}

func assignConfig(tree map[string]any, key string, value any) error {
	parts := strings.Split(key, ".")
	m := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			return errs.New(errs.KindConfig, "no config section %q in %q", part, key)
		}
		m = next
	}
	leaf := parts[len(parts)-1]
	if _, ok := m[leaf]; !ok {
		return errs.New(errs.KindConfig, "no config value at %q", key)
	}
	m[leaf] = value
	return nil
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "How many recent runs to list")
	queryCmd.Flags().IntVarP(&queryK, "top", "k", 10, "Number of results")
	queryCmd.Flags().BoolVar(&queryReindex, "reindex", false, "Rebuild the vector index before searching")

	queryCmd.AddCommand(queryUsageCmd)
	queryCmd.AddCommand(queryStatsCmd)
	queryCmd.AddCommand(queryReindexCmd)

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(listModelsCmd)
	rootCmd.AddCommand(configCmd)
}
