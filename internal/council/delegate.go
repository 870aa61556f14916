package council

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"storyguard/internal/config"
	"storyguard/internal/errs"
	"storyguard/internal/logging"
)

// delegateToolName is the pseudo-tool the adk engine adds to roles
// with may_delegate. It never enters the tool registry; the loop
// intercepts it and routes to the coordinator.
const delegateToolName = "consult_role"

// coordinator owns the delegation graph for one adk run. Depth and
// cycle checks live here, not in the roles, so a misbehaving role
// cannot delegate its way around the budget.
type coordinator struct {
	s        *scheduler
	in       Input
	chunks   []Chunk
	maxDepth int

	mu    sync.Mutex
	edges []delegationEdge
}

type delegationEdge struct {
	From  string
	To    string
	Depth int
}

func newCoordinator(s *scheduler, in Input, chunks []Chunk) *coordinator {
	depth := s.cfg.Council.MaxDelegationDepth
	if depth < 1 {
		depth = 2
	}
	return &coordinator{s: s, in: in, chunks: chunks, maxDepth: depth}
}

// consultFor binds a consult hook to the requesting role's chain. The
// chain carries every role from the top-level requester down, so depth
// and cycles are checked against the whole path.
func (c *coordinator) consultFor(from string, chain []string) consultFunc {
	return func(ctx context.Context, target, question string) (string, error) {
		return c.consult(ctx, from, chain, target, question)
	}
}

func (c *coordinator) consult(ctx context.Context, from string, chain []string, target, question string) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", errs.New(errs.KindTool, "delegation needs a target role name")
	}
	role := findRole(c.s.cfg.Council.Roles, target)
	if role == nil {
		return "", errs.New(errs.KindTool, "no council role named %q", target)
	}
	if len(chain) > c.maxDepth {
		return "", errs.New(errs.KindTool, "delegation depth %d exceeds the limit of %d", len(chain), c.maxDepth)
	}
	for _, seen := range chain {
		if strings.EqualFold(seen, role.Name) {
			return "", errs.New(errs.KindTool, "delegation cycle: %s is already investigating", role.Name)
		}
	}

	depth := len(chain)
	c.record(from, role.Name, depth)
	logging.Council("delegation: %s -> %s (depth %d): %s", from, role.Name, depth, question)
	c.s.emit(logging.EventDelegation, c.in.RunID, map[string]any{
		"from": from, "to": role.Name, "depth": depth, "question": question,
	})

	sub := c.in
	sub.Question = question
	res := c.s.runRole(ctx, *role, sub, c.chunks, c.consultFor(role.Name, append(chain, role.Name)))
	return delegationDigest(res), nil
}

func (c *coordinator) record(from, to string, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edges = append(c.edges, delegationEdge{From: from, To: to, Depth: depth})
}

// Edges returns a copy of the delegation graph, for tests and audit.
func (c *coordinator) Edges() []delegationEdge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delegationEdge(nil), c.edges...)
}

func findRole(roles []config.RoleConfig, name string) *config.RoleConfig {
	for i := range roles {
		if strings.EqualFold(roles[i].Name, name) {
			return &roles[i]
		}
	}
	return nil
}

// delegationDigest renders a delegate's result as a single observation.
// The delegate's findings inform the requester; they do not enter the
// merged stream unless the requester adopts and cites them itself.
func delegationDigest(res RoleResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s reports verdict %s", res.Role, res.Verdict)
	if res.Error != "" {
		fmt.Fprintf(&b, " (error: %s)", res.Error)
	}
	if len(res.Findings) == 0 {
		b.WriteString(" with no findings.")
		return b.String()
	}
	fmt.Fprintf(&b, " with %d findings:\n", len(res.Findings))
	for _, f := range res.Findings {
		fmt.Fprintf(&b, "- [%s] %s (Source: %s)\n", f.Severity, f.Message, strings.Join(f.References, ", "))
	}
	return b.String()
}
