package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"storyguard/internal/syncport"
	"storyguard/internal/ux"
)

var syncTargetFlag string

// syncCmd groups the artifact import/export port
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror governed artifacts to and from a sync target",
	Long: `Moves stories, ADRs, journeys, exceptions and runbooks between the
workspace .agent tree and a configured target through a minimal
list/fetch/upsert port. Content is diffed by hash; the port never
deletes on either side.

The target comes from sync.target in config (a directory path for the
built-in local transport) or --target for one run.`,
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which artifacts differ between workspace and target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		eng, err := syncEngine()
		if err != nil {
			return err
		}
		changes, err := eng.Status(ctx)
		if err != nil {
			return err
		}
		return renderChanges("status", changes)
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Copy local artifacts to the target (local content wins)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		eng, err := syncEngine()
		if err != nil {
			return err
		}
		pushed, err := eng.Push(ctx, dryRun)
		if err != nil {
			return err
		}
		return renderChanges("pushed", pushed)
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Copy target artifacts into the workspace (target content wins)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		eng, err := syncEngine()
		if err != nil {
			return err
		}
		pulled, err := eng.Pull(ctx, dryRun)
		if err != nil {
			return err
		}
		return renderChanges("pulled", pulled)
	},
}

func syncEngine() (*syncport.Engine, error) {
	if syncTargetFlag != "" {
		cfg.Sync.Target = syncTargetFlag
	}
	target, err := syncport.TargetFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return syncport.New(cfg, target), nil
}

func renderChanges(verb string, changes []syncport.Change) error {
	if jsonOut {
		type row struct {
			ID    string `json:"id"`
			Kind  string `json:"kind"`
			State string `json:"state"`
		}
		rows := make([]row, 0, len(changes))
		for _, c := range changes {
			rows = append(rows, row{c.ID, string(c.Kind), string(c.State())})
		}
		return printJSON(rows)
	}

	st := ux.DefaultStyles()
	if len(changes) == 0 {
		fmt.Println(st.Muted.Render("nothing " + verb + ": both sides are in sync"))
		return nil
	}
	tbl := ux.NewTable("Artifact", "Kind", "State")
	for _, c := range changes {
		tbl.Add(c.ID, string(c.Kind), string(c.State()))
	}
	fmt.Println(tbl.View(st))
	if dryRun && verb != "status" {
		fmt.Println(st.Muted.Render("dry run: nothing was written"))
	}
	return nil
}

func init() {
	syncCmd.PersistentFlags().StringVar(&syncTargetFlag, "target", "", "Override the configured sync target for this run")

	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)
	rootCmd.AddCommand(syncCmd)
}
