package syncport

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"storyguard/internal/artifacts"
	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/logging"
)

// State classifies one artifact's position across the port.
type State string

const (
	StateInSync     State = "in-sync"
	StateLocalOnly  State = "local-only"
	StateRemoteOnly State = "remote-only"
	StateDiverged   State = "diverged"
)

// Change pairs one artifact id with its content hash on each side.
// An empty hash means that side does not have the artifact.
type Change struct {
	ID     string
	Kind   artifacts.Kind
	Local  string
	Remote string
}

// State derives the sync state from the hash pair.
func (c Change) State() State {
	switch {
	case c.Local == "":
		return StateRemoteOnly
	case c.Remote == "":
		return StateLocalOnly
	case c.Local == c.Remote:
		return StateInSync
	default:
		return StateDiverged
	}
}

// Engine diffs the workspace against one target and moves content.
type Engine struct {
	cfg    *config.Config
	target Target
}

// New returns an engine for the workspace in cfg and the given target.
func New(cfg *config.Config, target Target) *Engine {
	return &Engine{cfg: cfg, target: target}
}

// Status lists every artifact either side knows, sorted by id. Nothing
// is written.
func (e *Engine) Status(ctx context.Context) ([]Change, error) {
	if e.target == nil {
		return nil, errs.New(errs.KindConfig, "no sync target configured; set sync.target")
	}

	local, err := Inventory(e.cfg)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Change)
	for _, m := range local {
		byID[m.ID] = &Change{ID: m.ID, Kind: m.Kind, Local: m.Hash}
	}
	for _, kd := range kindDirs {
		if err := ctx.Err(); err != nil {
			return nil, errs.FromContext(ctx)
		}
		remote, err := e.target.List(ctx, kd.kind)
		if err != nil {
			return nil, errs.Wrap(errs.KindTool, err, "sync target failed to list %s", kd.kind)
		}
		for _, m := range remote {
			if c, ok := byID[m.ID]; ok {
				c.Remote = m.Hash
				continue
			}
			byID[m.ID] = &Change{ID: m.ID, Kind: m.Kind, Remote: m.Hash}
		}
	}

	out := make([]Change, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Push copies local-only and diverged artifacts to the target. Local
// content wins; the port never deletes. With dryRun the plan comes
// back unexecuted.
func (e *Engine) Push(ctx context.Context, dryRun bool) ([]Change, error) {
	status, err := e.Status(ctx)
	if err != nil {
		return nil, err
	}

	var pushed []Change
	for _, c := range status {
		if s := c.State(); s != StateLocalOnly && s != StateDiverged {
			continue
		}
		if !dryRun {
			data, err := os.ReadFile(e.localPath(c.ID))
			if err != nil {
				return pushed, errs.Wrap(errs.KindTool, err, "failed to read %s for push", c.ID)
			}
			if err := e.target.Upsert(ctx, c.ID, data); err != nil {
				return pushed, errs.Wrap(errs.KindTool, err, "failed to push %s", c.ID)
			}
			logging.Sync("pushed %s (%s)", c.ID, c.State())
		}
		pushed = append(pushed, c)
	}
	logging.Sync("push: %d of %d artifacts moved (dry-run=%v)", len(pushed), len(status), dryRun)
	return pushed, nil
}

// Pull copies remote-only and diverged artifacts into the workspace.
// Target content wins on divergence; nothing local is deleted.
func (e *Engine) Pull(ctx context.Context, dryRun bool) ([]Change, error) {
	status, err := e.Status(ctx)
	if err != nil {
		return nil, err
	}

	var pulled []Change
	for _, c := range status {
		if s := c.State(); s != StateRemoteOnly && s != StateDiverged {
			continue
		}
		if !dryRun {
			data, err := e.target.Fetch(ctx, c.ID)
			if err != nil {
				return pulled, errs.Wrap(errs.KindTool, err, "failed to fetch %s", c.ID)
			}
			full := e.localPath(c.ID)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return pulled, errs.Wrap(errs.KindTool, err, "failed to create directory for %s", c.ID)
			}
			if err := os.WriteFile(full, data, 0o644); err != nil {
				return pulled, errs.Wrap(errs.KindTool, err, "failed to write %s", c.ID)
			}
			logging.Sync("pulled %s (%s)", c.ID, c.State())
		}
		pulled = append(pulled, c)
	}
	logging.Sync("pull: %d of %d artifacts moved (dry-run=%v)", len(pulled), len(status), dryRun)
	return pulled, nil
}

func (e *Engine) localPath(id string) string {
	return filepath.Join(e.cfg.Workspace, config.AgentDir, filepath.FromSlash(id))
}

// TargetFromConfig builds the configured target. Only the local
// directory transport exists in-core; remote transports plug in behind
// the same three calls.
func TargetFromConfig(cfg *config.Config) (Target, error) {
	if cfg.Sync.Target == "" {
		return nil, errs.New(errs.KindConfig, "no sync target configured; set sync.target")
	}
	root := cfg.Sync.Target
	if !filepath.IsAbs(root) {
		root = filepath.Join(cfg.Workspace, root)
	}
	return LocalDir{Root: root}, nil
}
