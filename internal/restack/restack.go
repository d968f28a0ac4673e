// Package restack detects commits orphaned by rewrites and replays
// them onto their corrected parents.
package restack

import (
	"context"
	"errors"
	"fmt"

	"keel/internal/dag"
	"keel/internal/eventlog"
	"keel/internal/gitio"
)

// State tracks a subtree through the restack lifecycle.
type State string

const (
	StateDetected   State = "detected"
	StatePlanned    State = "planned"
	StateInProgress State = "in-progress"
	StateCompleted  State = "completed"
	StateConflicted State = "conflicted"
)

// Replayer applies a commit's changes onto a new parent set.
// Implemented by gitio.Repository.
type Replayer interface {
	Replay(commitHash string, newParents []string) (string, error)
}

// Rewrite records one successful replay.
type Rewrite struct {
	Old string
	New string
}

// Conflict identifies a subtree whose replay halted. The original
// commits stay reachable and untouched.
type Conflict struct {
	Subtree string // root commit of the conflicted subtree
	Commit  string // the commit whose replay failed
	Err     error
}

// Plan is a deterministic replay order over the abandoned commits,
// ancestors strictly before descendants.
type Plan struct {
	Steps []string
	// subtreeOf maps each planned commit to the root of its subtree,
	// the topmost abandoned ancestor in the plan.
	subtreeOf map[string]string
}

// Empty reports whether the plan contains no work.
func (p *Plan) Empty() bool { return len(p.Steps) == 0 }

// Result is the outcome of executing a plan. Completed replays are
// kept even when other subtrees conflict; there is no global rollback.
type Result struct {
	Completed []Rewrite
	Conflicts []Conflict
	Skipped   []string
	States    map[string]State // per subtree root
}

// Engine derives and executes restack plans.
type Engine struct {
	replayer     Replayer
	log          *eventlog.Log
	followHidden bool
	actor        string
}

// New creates an engine. followHidden selects the policy for rewrite
// chains that end at a hidden commit: follow through to the nearest
// visible ancestor, or treat the subtree as conflicted.
func New(replayer Replayer, log *eventlog.Log, followHidden bool, actor string) *Engine {
	return &Engine{replayer: replayer, log: log, followHidden: followHidden, actor: actor}
}

// Detect returns the abandoned commits in a snapshot: visible commits
// off the main branch whose recorded parent no longer resolves to
// itself, either because the parent was rewritten or because it is
// hidden without a visible replacement.
func (e *Engine) Detect(snap *dag.Snapshot) []string {
	var abandoned []string
	for _, c := range snap.All() {
		if c.Status != dag.StatusVisible || c.OnMain || len(c.Parents) == 0 {
			continue
		}
		for _, p := range c.Parents {
			corrected, ok := e.correctedParent(snap, p, nil)
			if !ok || corrected != p {
				abandoned = append(abandoned, c.Hash)
				break
			}
		}
	}
	return abandoned
}

// BuildPlan orders the abandoned commits and their visible descendants
// topologically, ties broken by original commit timestamp then hash.
// Descendants are part of the plan even when their own recorded parent
// is intact: once an ancestor is replayed, every commit stacked on it
// needs to move to the fresh replay.
func (e *Engine) BuildPlan(snap *dag.Snapshot) (*Plan, error) {
	abandoned := e.Detect(snap)
	if len(abandoned) == 0 {
		return &Plan{subtreeOf: map[string]string{}}, nil
	}

	want := make(map[string]bool, len(abandoned))
	for _, h := range abandoned {
		want[h] = true
		desc, err := snap.Descendants(h)
		if err != nil {
			return nil, err
		}
		for _, d := range desc {
			c, err := snap.Get(d)
			if err != nil {
				return nil, err
			}
			if c.Status == dag.StatusVisible && !c.OnMain {
				want[d] = true
			}
		}
	}
	targets := make([]string, 0, len(want))
	for h := range want {
		targets = append(targets, h)
	}

	steps, err := snap.TopologicalOrder(targets)
	if err != nil {
		return nil, fmt.Errorf("ordering restack plan: %w", err)
	}

	inPlan := make(map[string]bool, len(steps))
	for _, h := range steps {
		inPlan[h] = true
	}
	subtreeOf := make(map[string]string, len(steps))
	for _, h := range steps {
		root := h
		c, err := snap.Get(h)
		if err != nil {
			return nil, err
		}
		for _, p := range c.Parents {
			if r, ok := subtreeOf[p]; ok && inPlan[p] {
				root = r
				break
			}
		}
		subtreeOf[h] = root
	}
	return &Plan{Steps: steps, subtreeOf: subtreeOf}, nil
}

// Execute replays each planned commit onto its corrected parents, one
// at a time, appending one commit.rewritten transaction per success.
// A conflict halts only its own subtree; completed replays elsewhere
// are kept. A storage failure aborts the run, leaving the log with
// the transactions of the steps already completed.
func (e *Engine) Execute(ctx context.Context, snap *dag.Snapshot, plan *Plan) (*Result, error) {
	result := &Result{States: make(map[string]State)}
	for _, root := range plan.subtreeOf {
		result.States[root] = StateInProgress
	}

	replacements := snap.Rewrites()
	conflicted := make(map[string]bool)

	for _, hash := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		root := plan.subtreeOf[hash]
		if conflicted[root] {
			result.Skipped = append(result.Skipped, hash)
			continue
		}

		node, err := snap.Get(hash)
		if err != nil {
			return result, err
		}

		newParents := make([]string, 0, len(node.Parents))
		changed := false
		unresolved := false
		for _, p := range node.Parents {
			corrected, ok := e.correctedParent(snap, p, replacements)
			if !ok {
				unresolved = true
				break
			}
			if corrected != p {
				changed = true
			}
			newParents = append(newParents, corrected)
		}
		if unresolved {
			conflicted[root] = true
			result.States[root] = StateConflicted
			result.Conflicts = append(result.Conflicts, Conflict{
				Subtree: root,
				Commit:  hash,
				Err:     fmt.Errorf("no visible replacement for a hidden parent of %s", hash),
			})
			continue
		}
		if !changed {
			continue
		}

		newHash, err := e.replayer.Replay(hash, newParents)
		if err != nil {
			var conflict *gitio.ConflictError
			if errors.As(err, &conflict) {
				conflicted[root] = true
				result.States[root] = StateConflicted
				result.Conflicts = append(result.Conflicts, Conflict{Subtree: root, Commit: hash, Err: err})
				continue
			}
			return result, fmt.Errorf("replaying %s: %w", hash, err)
		}

		if _, err := e.log.Append(fmt.Sprintf("restack %s onto %s", short(hash), short(newParents[0])),
			e.actor, []eventlog.Event{eventlog.Rewritten(hash, newHash)}); err != nil {
			return result, err
		}
		replacements[hash] = newHash
		result.Completed = append(result.Completed, Rewrite{Old: hash, New: newHash})
	}

	for root, state := range result.States {
		if state == StateInProgress {
			result.States[root] = StateCompleted
		}
	}
	return result, nil
}

// Run detects, plans, and executes in one pass. A snapshot with no
// abandoned commits yields an empty plan and appends zero events, so
// running restack twice in a row is a no-op the second time.
func (e *Engine) Run(ctx context.Context, snap *dag.Snapshot) (*Result, error) {
	plan, err := e.BuildPlan(snap)
	if err != nil {
		return nil, err
	}
	if plan.Empty() {
		return &Result{States: map[string]State{}}, nil
	}
	return e.Execute(ctx, snap, plan)
}

// correctedParent resolves a recorded parent to the commit a child
// should sit on now: the newest entry in the parent's rewrite chain,
// or, when that ends hidden and the follow-hidden policy is active,
// the nearest visible ancestor. replacements overlays in-flight
// replays on top of the snapshot's rewrite map; nil means snapshot
// only. The second return is false when no valid parent exists.
func (e *Engine) correctedParent(snap *dag.Snapshot, parent string, replacements map[string]string) (string, bool) {
	resolved := e.resolveChain(snap, parent, replacements)

	node, err := snap.Get(resolved)
	if err != nil {
		// Outside the snapshot: an in-flight replay result or a commit
		// the graph never saw. Nothing contradicts using it directly.
		return resolved, true
	}
	if node.Status == dag.StatusVisible {
		return resolved, true
	}
	if !e.followHidden {
		return "", false
	}

	ancestors, err := snap.Ancestors(resolved)
	if err != nil {
		return "", false
	}
	for _, a := range ancestors {
		ra := e.resolveChain(snap, a, replacements)
		n, err := snap.Get(ra)
		if err != nil || n.Status == dag.StatusVisible {
			return ra, true
		}
	}
	return "", false
}

func (e *Engine) resolveChain(snap *dag.Snapshot, hash string, replacements map[string]string) string {
	if replacements == nil {
		return snap.ResolveRewrite(hash)
	}
	seen := map[string]bool{hash: true}
	cur := hash
	for {
		next, ok := replacements[cur]
		if !ok || seen[next] {
			return cur
		}
		seen[next] = true
		cur = next
	}
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
