// Package builder derives commit graph snapshots from the event log
// and the live reference set, with fingerprint-validated caching.
package builder

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"

	"keel/internal/config"
	"keel/internal/dag"
	"keel/internal/eventlog"
	"keel/internal/gitio"
)

// Source supplies the live references and commit metadata. Implemented
// by gitio.Repository.
type Source interface {
	ListRefs() ([]gitio.Ref, error)
	ReadCommit(hash string) (gitio.CommitInfo, error)
}

// Builder computes snapshots and caches the latest one. Cache validity
// is derived solely from a fingerprint of the live reference set,
// never from internal bookkeeping: references can change outside this
// process at any time.
type Builder struct {
	src Source
	log *eventlog.Log
	cfg *config.Config

	mu     sync.Mutex
	cached *dag.Snapshot
}

// New creates a builder.
func New(src Source, log *eventlog.Log, cfg *config.Config) *Builder {
	return &Builder{src: src, log: log, cfg: cfg}
}

// CurrentSnapshot returns a snapshot consistent with the live
// reference set. When the reference fingerprint is unchanged the
// cached snapshot is returned without touching the repository or the
// log; otherwise the full event log is replayed against live refs.
func (b *Builder) CurrentSnapshot(ctx context.Context) (*dag.Snapshot, error) {
	refs, err := b.trackedRefs()
	if err != nil {
		return nil, err
	}
	key := Fingerprint(refs)

	b.mu.Lock()
	if b.cached != nil && b.cached.Key() == key {
		snap := b.cached
		b.mu.Unlock()
		return snap, nil
	}
	b.mu.Unlock()

	snap, err := b.rebuild(ctx, refs, key)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.cached = snap
	b.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot. The write path calls this
// after every mutation.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	b.cached = nil
	b.mu.Unlock()
}

func (b *Builder) trackedRefs() (map[string]string, error) {
	refs, err := b.src.ListRefs()
	if err != nil {
		return nil, fmt.Errorf("listing refs: %w", err)
	}
	out := make(map[string]string)
	for _, r := range refs {
		if b.cfg.MatchRef(r.Name) {
			out[r.Name] = r.Target
		}
	}
	return out, nil
}

// Fingerprint computes a cheap, order-independent digest of a
// reference set.
func Fingerprint(refs map[string]string) string {
	lines := make([]string, 0, len(refs))
	for name, target := range refs {
		lines = append(lines, name+"="+target)
	}
	sort.Strings(lines)
	sum := blake3.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func (b *Builder) rebuild(ctx context.Context, refs map[string]string, key string) (*dag.Snapshot, error) {
	nodes := make(map[string]*dag.Commit)

	if err := b.seedFromRefs(ctx, refs, nodes); err != nil {
		return nil, err
	}
	b.markMainAncestors(refs, nodes)

	rewrites, err := b.replayEvents(nodes)
	if err != nil {
		return nil, err
	}

	arena := make([]dag.Commit, 0, len(nodes))
	for _, n := range nodes {
		arena = append(arena, *n)
	}
	sort.Slice(arena, func(i, j int) bool {
		if arena[i].CommitTime != arena[j].CommitTime {
			return arena[i].CommitTime < arena[j].CommitTime
		}
		return arena[i].Hash < arena[j].Hash
	})

	return dag.NewSnapshot(arena, rewrites, refs, key), nil
}

// seedFromRefs walks the ancestry of every tracked ref, reading each
// generation of commits in parallel through a bounded worker pool.
func (b *Builder) seedFromRefs(ctx context.Context, refs map[string]string, nodes map[string]*dag.Commit) error {
	frontier := make([]string, 0, len(refs))
	seen := make(map[string]bool)
	for _, target := range refs {
		if target != "" && !seen[target] {
			seen[target] = true
			frontier = append(frontier, target)
		}
	}
	sort.Strings(frontier)

	for depth := 0; len(frontier) > 0 && depth < b.cfg.WalkDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		infos := make([]gitio.CommitInfo, len(frontier))
		errs := make([]error, len(frontier))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.cfg.Workers)
		for i, hash := range frontier {
			i, hash := i, hash
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				infos[i], errs[i] = b.src.ReadCommit(hash)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var next []string
		for i := range frontier {
			if errs[i] != nil {
				// A ref can point at an object we cannot read (shallow
				// clone, concurrent gc). Record a stub so the ref still
				// resolves.
				nodes[frontier[i]] = &dag.Commit{Hash: frontier[i], Status: dag.StatusVisible}
				continue
			}
			info := infos[i]
			nodes[info.Hash] = &dag.Commit{
				Hash:       info.Hash,
				Parents:    info.Parents,
				Tree:       info.Tree,
				Author:     info.Author,
				AuthorTime: info.AuthorTime,
				CommitTime: info.CommitTime,
				Message:    info.Message,
				Status:     dag.StatusVisible,
			}
			for _, p := range info.Parents {
				if !seen[p] {
					seen[p] = true
					next = append(next, p)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}
	return nil
}

// markMainAncestors flags the main branch head and everything
// reachable from it.
func (b *Builder) markMainAncestors(refs map[string]string, nodes map[string]*dag.Commit) {
	start, ok := refs[b.cfg.MainRef()]
	if !ok || start == "" {
		return
	}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node, ok := nodes[cur]
		if !ok || node.OnMain {
			continue
		}
		node.OnMain = true
		queue = append(queue, node.Parents...)
	}
}

// replayEvents folds the whole event log into the node set. Rewritten
// events build the one-step rewrite map and obsolete their source;
// hidden/unhidden set status with last-event-wins semantics; recorded
// events and ref updates seed nodes the ref walk never reached.
func (b *Builder) replayEvents(nodes map[string]*dag.Commit) (map[string]string, error) {
	events, err := b.log.ReadAll()
	if err != nil {
		return nil, err
	}

	rewrites := make(map[string]string)
	for _, e := range events {
		switch e.Kind {
		case eventlog.KindCommitRecorded:
			b.ensureNode(nodes, e.Commit)
		case eventlog.KindCommitHidden:
			b.ensureNode(nodes, e.Commit).Status = dag.StatusHidden
		case eventlog.KindCommitUnhidden:
			b.ensureNode(nodes, e.Commit).Status = dag.StatusVisible
		case eventlog.KindCommitRewritten:
			b.ensureNode(nodes, e.OldCommit).Status = dag.StatusObsolete
			b.ensureNode(nodes, e.NewCommit)
			rewrites[e.OldCommit] = e.NewCommit
		case eventlog.KindRefUpdated:
			if e.NewTarget != "" {
				b.ensureNode(nodes, e.NewTarget)
			}
		default:
			return nil, fmt.Errorf("event %d: unknown kind %q", e.ID, e.Kind)
		}
	}
	return rewrites, nil
}

func (b *Builder) ensureNode(nodes map[string]*dag.Commit, hash string) *dag.Commit {
	if n, ok := nodes[hash]; ok {
		return n
	}
	n := &dag.Commit{Hash: hash, Status: dag.StatusVisible}
	if info, err := b.src.ReadCommit(hash); err == nil {
		n.Parents = info.Parents
		n.Tree = info.Tree
		n.Author = info.Author
		n.AuthorTime = info.AuthorTime
		n.CommitTime = info.CommitTime
		n.Message = info.Message
	}
	nodes[hash] = n
	return n
}
