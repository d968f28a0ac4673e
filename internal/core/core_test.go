package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"keel/internal/dag"
)

var sig = &object.Signature{
	Name:  "Test User",
	Email: "test@example.com",
	When:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
}

// initRepo creates an empty Git repository on a main branch.
func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	return dir, repo
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content, message string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	w, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := w.Add(name); err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
	hash, err := w.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash.String()
}

func openEnv(t *testing.T, dir string) *Env {
	t.Helper()
	env, err := Init(dir)
	if err != nil {
		t.Fatalf("init env: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func TestSyncRecordsRefs(t *testing.T) {
	dir, repo := initRepo(t)
	c1 := commitFile(t, repo, dir, "a.txt", "one", "first")
	env := openEnv(t, dir)
	ctx := context.Background()

	txID, err := env.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if txID == 0 {
		t.Fatalf("sync recorded nothing")
	}

	snap, err := env.QueryDAG(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	commit, err := snap.Get(c1)
	if err != nil {
		t.Fatalf("get %s: %v", c1, err)
	}
	if !commit.OnMain {
		t.Errorf("commit %s not marked on main", c1)
	}

	// Nothing moved: a second sync appends no transaction.
	txID, err = env.Sync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if txID != 0 {
		t.Errorf("idempotent sync appended transaction %d", txID)
	}
}

func TestUndoFirstSyncKeepsBranch(t *testing.T) {
	dir, repo := initRepo(t)
	c1 := commitFile(t, repo, dir, "a.txt", "one", "first")
	env := openEnv(t, dir)
	ctx := context.Background()

	if _, err := env.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := env.Undo(ctx, 1); err != nil {
		t.Fatalf("undo of first sync: %v", err)
	}

	// The branch existed before keel observed it; undoing the
	// observation must not delete it.
	target, err := env.Git.ResolveRef("refs/heads/main")
	if err != nil {
		t.Fatalf("refs/heads/main gone after undo: %v", err)
	}
	if target != c1 {
		t.Errorf("refs/heads/main = %s, want %s", target, c1)
	}

	// The observed commit is hidden, not removed.
	snap, err := env.QueryDAG(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	commit, err := snap.Get(c1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if commit.Status != dag.StatusHidden {
		t.Errorf("status after undo = %v, want hidden", commit.Status)
	}
}

func TestUndoSyncRestoresMovedRef(t *testing.T) {
	dir, repo := initRepo(t)
	c1 := commitFile(t, repo, dir, "a.txt", "one", "first")
	env := openEnv(t, dir)
	ctx := context.Background()

	if _, err := env.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	c2 := commitFile(t, repo, dir, "b.txt", "two", "second")
	if _, err := env.Sync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got, _ := env.Git.ResolveRef("refs/heads/main"); got != c2 {
		t.Fatalf("main = %s, want %s", got, c2)
	}

	// Undoing the second sync moves the branch back to its prior
	// position, symbolic HEAD included.
	if _, err := env.Undo(ctx, 1); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if got, _ := env.Git.ResolveRef("refs/heads/main"); got != c1 {
		t.Errorf("main after undo = %s, want %s", got, c1)
	}
	if got, _ := env.Git.ResolveRef("HEAD"); got != c1 {
		t.Errorf("HEAD after undo = %s, want %s", got, c1)
	}
}

func TestHideUndoRedo(t *testing.T) {
	dir, repo := initRepo(t)
	commitFile(t, repo, dir, "a.txt", "one", "first")
	c2 := commitFile(t, repo, dir, "b.txt", "two", "second")
	env := openEnv(t, dir)
	ctx := context.Background()

	if _, err := env.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := env.Hide(ctx, c2); err != nil {
		t.Fatalf("hide: %v", err)
	}

	snap, err := env.QueryDAG(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	commit, err := snap.Get(c2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if commit.Status != dag.StatusHidden {
		t.Fatalf("status after hide = %v, want hidden", commit.Status)
	}

	if _, err := env.Undo(ctx, 1); err != nil {
		t.Fatalf("undo: %v", err)
	}
	snap, err = env.QueryDAG(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	commit, _ = snap.Get(c2)
	if commit.Status != dag.StatusVisible {
		t.Fatalf("status after undo = %v, want visible", commit.Status)
	}

	if _, err := env.Redo(ctx, 1); err != nil {
		t.Fatalf("redo: %v", err)
	}
	snap, err = env.QueryDAG(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	commit, _ = snap.Get(c2)
	if commit.Status != dag.StatusHidden {
		t.Errorf("status after redo = %v, want hidden", commit.Status)
	}
}

func TestHideUnknownCommit(t *testing.T) {
	dir, repo := initRepo(t)
	commitFile(t, repo, dir, "a.txt", "one", "first")
	env := openEnv(t, dir)
	ctx := context.Background()

	if _, err := env.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	_, err := env.Hide(ctx, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	var unknown *dag.UnknownCommitError
	if !errors.As(err, &unknown) {
		t.Errorf("hide of unknown commit: got %v, want UnknownCommitError", err)
	}

	// The failed hide appended nothing.
	id, err := env.Log.CurrentTransactionID()
	if err != nil {
		t.Fatalf("current tx: %v", err)
	}
	if id != 1 {
		t.Errorf("transaction id = %d, want 1 (sync only)", id)
	}
}

func TestNewMutationClearsRedo(t *testing.T) {
	dir, repo := initRepo(t)
	commitFile(t, repo, dir, "a.txt", "one", "first")
	c2 := commitFile(t, repo, dir, "b.txt", "two", "second")
	env := openEnv(t, dir)
	ctx := context.Background()

	if _, err := env.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := env.Hide(ctx, c2); err != nil {
		t.Fatalf("hide: %v", err)
	}
	if _, err := env.Undo(ctx, 1); err != nil {
		t.Fatalf("undo: %v", err)
	}

	// A fresh mutation invalidates the undone future.
	if _, err := env.Hide(ctx, c2); err != nil {
		t.Fatalf("hide: %v", err)
	}
	if _, err := env.Redo(ctx, 1); err == nil {
		t.Errorf("redo after new mutation succeeded")
	}
}

func TestResolveCommitPrefix(t *testing.T) {
	commits := []dag.Commit{
		{Hash: "aaaa111100000000000000000000000000000000"},
		{Hash: "aaaa222200000000000000000000000000000000"},
		{Hash: "bbbb000000000000000000000000000000000000"},
	}
	snap := dag.NewSnapshot(commits, nil, nil, "k")
	noRef := func(string) (string, error) { return "", errors.New("no ref") }

	got, err := resolveCommit(snap, noRef, "bbbb")
	if err != nil || got != "bbbb000000000000000000000000000000000000" {
		t.Errorf("unique prefix: got %q, %v", got, err)
	}

	_, err = resolveCommit(snap, noRef, "aaaa")
	var ambiguous *AmbiguousCommitError
	if !errors.As(err, &ambiguous) {
		t.Errorf("ambiguous prefix: got %v, want AmbiguousCommitError", err)
	} else if len(ambiguous.Matches) != 2 {
		t.Errorf("ambiguous matches = %v", ambiguous.Matches)
	}

	got, err = resolveCommit(snap, func(name string) (string, error) {
		if name == "topic" {
			return "bbbb000000000000000000000000000000000000", nil
		}
		return "", errors.New("no ref")
	}, "topic")
	if err != nil || got != "bbbb000000000000000000000000000000000000" {
		t.Errorf("ref fallback: got %q, %v", got, err)
	}

	_, err = resolveCommit(snap, noRef, "cccc")
	var unknown *dag.UnknownCommitError
	if !errors.As(err, &unknown) {
		t.Errorf("unknown input: got %v, want UnknownCommitError", err)
	}
}
