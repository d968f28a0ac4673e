// Package core wires the event log, graph builder, restack engine,
// and undo controller into the public mutation and query surface.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"

	"keel/internal/builder"
	"keel/internal/config"
	"keel/internal/dag"
	"keel/internal/eventlog"
	"keel/internal/gitio"
	"keel/internal/repolock"
	"keel/internal/restack"
	"keel/internal/undo"
)

const (
	keelDir = ".keel"
	logFile = "log.db"
)

// Env carries every handle an operation needs: repository accessor,
// event log, builder, engines. It is passed explicitly; there is no
// process-wide current repository.
type Env struct {
	Dir     string
	Config  *config.Config
	Git     *gitio.Repository
	Log     *eventlog.Log
	Builder *builder.Builder

	restack *restack.Engine
	undo    *undo.Controller
	logger  *slog.Logger
	actor   string
}

// Init creates the .keel directory and log in an existing Git
// repository and returns an open Env.
func Init(dir string) (*Env, error) {
	if err := os.MkdirAll(filepath.Join(dir, keelDir), 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", keelDir, err)
	}
	return Open(dir)
}

// Open opens keel state for the repository at dir. The schema version
// of the log is verified before any mutation is possible.
func Open(dir string) (*Env, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	git, err := gitio.Open(dir)
	if err != nil {
		return nil, err
	}
	log, err := eventlog.Open(filepath.Join(dir, keelDir, logFile))
	if err != nil {
		return nil, err
	}

	actor := currentActor()
	b := builder.New(git, log, cfg)
	env := &Env{
		Dir:     dir,
		Config:  cfg,
		Git:     git,
		Log:     log,
		Builder: b,
		restack: restack.New(git, log, cfg.RestackFollowHidden, actor),
		undo:    undo.New(log, git, actor),
		logger:  slog.Default().With("component", "keel"),
		actor:   actor,
	}
	return env, nil
}

// Close releases the environment's resources.
func (e *Env) Close() error {
	return e.Log.Close()
}

func currentActor() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return name + "@" + host
}

// withLock runs fn under the exclusive repository lock, releasing it
// on every exit path and invalidating the snapshot cache afterwards.
func (e *Env) withLock(ctx context.Context, fn func() error) error {
	lock, err := repolock.Acquire(ctx, e.Dir)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			e.logger.Warn("releasing repository lock", "error", relErr)
		}
		e.Builder.Invalidate()
	}()
	e.logger.Debug("acquired repository lock", "owner", lock.Owner())
	return fn()
}

// QueryDAG returns a snapshot consistent with the live reference set.
// Read-only; never takes the lock. The snapshot may be stale only if
// no reference changed since it was built.
func (e *Env) QueryDAG(ctx context.Context) (*dag.Snapshot, error) {
	return e.Builder.CurrentSnapshot(ctx)
}

// AppendEvent records a caller-supplied transaction on the write
// path. Any new non-redo mutation clears the redo stack.
func (e *Env) AppendEvent(ctx context.Context, description string, events []eventlog.Event) (int64, error) {
	var txID int64
	err := e.withLock(ctx, func() error {
		id, err := e.Log.Append(description, e.actor, events)
		if err != nil {
			return err
		}
		txID = id
		e.undo.ClearRedo()
		e.logger.Debug("appended transaction", "tx", id, "events", len(events))
		return nil
	})
	return txID, err
}

// Hide marks commits hidden. Unknown commits fail the whole
// transaction before anything is appended.
func (e *Env) Hide(ctx context.Context, hashes ...string) (int64, error) {
	return e.setVisibility(ctx, "hide", hashes, eventlog.Hidden)
}

// Unhide restores hidden commits to visible.
func (e *Env) Unhide(ctx context.Context, hashes ...string) (int64, error) {
	return e.setVisibility(ctx, "unhide", hashes, eventlog.Unhidden)
}

func (e *Env) setVisibility(ctx context.Context, verb string, hashes []string, mk func(string) eventlog.Event) (int64, error) {
	if len(hashes) == 0 {
		return 0, fmt.Errorf("%s: no commits given", verb)
	}
	snap, err := e.Builder.CurrentSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	events := make([]eventlog.Event, 0, len(hashes))
	for _, h := range hashes {
		if !snap.Has(h) {
			return 0, &dag.UnknownCommitError{Hash: h}
		}
		events = append(events, mk(h))
	}
	desc := fmt.Sprintf("%s %d commits", verb, len(hashes))
	if len(hashes) == 1 {
		desc = fmt.Sprintf("%s %s", verb, shortHash(hashes[0]))
	}
	return e.AppendEvent(ctx, desc, events)
}

// Sync scans the live references and records what changed outside
// keel's control: newly observed heads and moved refs. A no-op sync
// appends nothing.
func (e *Env) Sync(ctx context.Context) (int64, error) {
	var txID int64
	err := e.withLock(ctx, func() error {
		refs, err := e.Git.ListRefs()
		if err != nil {
			return err
		}
		last, err := e.lastRecordedRefs()
		if err != nil {
			return err
		}

		var events []eventlog.Event
		for _, r := range refs {
			if !e.Config.MatchRef(r.Name) {
				continue
			}
			// A symbolic HEAD tracks its branch; the branch's own
			// movement is what gets recorded.
			if r.Symbolic {
				continue
			}
			old, seen := last[r.Name]
			if seen && old == r.Target {
				continue
			}
			if !seen {
				// First observation. Keel did not move this ref, so the
				// inverse must leave it in place, not delete it.
				old = r.Target
			}
			events = append(events,
				eventlog.Recorded(r.Target),
				eventlog.RefUpdated(r.Name, old, r.Target))
		}
		if len(events) == 0 {
			return nil
		}

		id, err := e.Log.Append(fmt.Sprintf("sync %d refs", len(events)/2), e.actor, events)
		if err != nil {
			return err
		}
		txID = id
		e.undo.ClearRedo()
		e.logger.Info("synced references", "tx", id, "refs", len(events)/2)
		return nil
	})
	return txID, err
}

// lastRecordedRefs folds ref.updated events into the last target the
// log knows for each ref.
func (e *Env) lastRecordedRefs() (map[string]string, error) {
	events, err := e.Log.ReadAll()
	if err != nil {
		return nil, err
	}
	last := make(map[string]string)
	for _, ev := range events {
		if ev.Kind == eventlog.KindRefUpdated {
			last[ev.RefName] = ev.NewTarget
		}
	}
	return last, nil
}

// Restack repairs descendants of rewritten or hidden commits. Each
// successful replay is its own logged transaction, so a failure
// partway leaves the completed steps durable; retrying is safe since
// restack over the remaining abandonment is idempotent.
func (e *Env) Restack(ctx context.Context) (*restack.Result, error) {
	var result *restack.Result
	err := e.withLock(ctx, func() error {
		snap, err := e.Builder.CurrentSnapshot(ctx)
		if err != nil {
			return err
		}
		r, err := e.restack.Run(ctx, snap)
		if r != nil {
			result = r
		}
		if err != nil {
			return err
		}
		if len(r.Completed) > 0 {
			e.undo.ClearRedo()
		}
		e.logger.Info("restack finished",
			"completed", len(r.Completed), "conflicted", len(r.Conflicts), "skipped", len(r.Skipped))
		return nil
	})
	return result, err
}

// Undo inverts the most recent n transactions.
func (e *Env) Undo(ctx context.Context, n int) (*undo.Result, error) {
	var result *undo.Result
	err := e.withLock(ctx, func() error {
		r, err := e.undo.Undo(ctx, n)
		if err != nil {
			return err
		}
		result = r
		e.logger.Info("undid transactions", "count", len(r.Transactions), "tx", r.TxID)
		return nil
	})
	return result, err
}

// Redo re-applies previously undone transactions.
func (e *Env) Redo(ctx context.Context, n int) (*undo.Result, error) {
	var result *undo.Result
	err := e.withLock(ctx, func() error {
		r, err := e.undo.Redo(ctx, n)
		if err != nil {
			return err
		}
		result = r
		e.logger.Info("redid transactions", "count", len(r.Transactions), "tx", r.TxID)
		return nil
	})
	return result, err
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
