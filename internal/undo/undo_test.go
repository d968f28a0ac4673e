package undo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"keel/internal/eventlog"
)

// fakeRefs tracks ref positions and enforces compare-and-swap.
type fakeRefs struct {
	refs map[string]string
}

func newFakeRefs() *fakeRefs {
	return &fakeRefs{refs: map[string]string{}}
}

func (f *fakeRefs) UpdateRef(name, old, new string) error {
	if f.refs[name] != old {
		return errors.New("ref mismatch")
	}
	if new == "" {
		delete(f.refs, name)
		return nil
	}
	f.refs[name] = new
	return nil
}

func setup(t *testing.T) (*eventlog.Log, *fakeRefs, *Controller) {
	t.Helper()
	log, err := eventlog.Open(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	refs := newFakeRefs()
	return log, refs, New(log, refs, "tester")
}

func TestUndoInvertsRefUpdate(t *testing.T) {
	log, refs, c := setup(t)
	ctx := context.Background()

	refs.refs["refs/heads/topic"] = "bbbb"
	if _, err := log.Append("move topic", "tester", []eventlog.Event{
		eventlog.RefUpdated("refs/heads/topic", "aaaa", "bbbb"),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	result, err := c.Undo(ctx, 1)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if refs.refs["refs/heads/topic"] != "aaaa" {
		t.Errorf("ref after undo = %s, want aaaa", refs.refs["refs/heads/topic"])
	}

	// The undo is itself a logged transaction with inverse events.
	txs, err := log.Transactions(1)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if txs[0].ID != result.TxID {
		t.Errorf("latest tx = %d, want %d", txs[0].ID, result.TxID)
	}
	e := txs[0].Events[0]
	if e.Kind != eventlog.KindRefUpdated || e.OldTarget != "bbbb" || e.NewTarget != "aaaa" {
		t.Errorf("inverse event = %+v", e)
	}
}

func TestUndoThenRedoRestoresState(t *testing.T) {
	log, refs, c := setup(t)
	ctx := context.Background()

	refs.refs["refs/heads/topic"] = "cccc"
	if _, err := log.Append("amend", "tester", []eventlog.Event{
		eventlog.Rewritten("bbbb", "cccc"),
		eventlog.RefUpdated("refs/heads/topic", "bbbb", "cccc"),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := c.Undo(ctx, 1); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if refs.refs["refs/heads/topic"] != "bbbb" {
		t.Fatalf("ref after undo = %s, want bbbb", refs.refs["refs/heads/topic"])
	}

	if _, err := c.Redo(ctx, 1); err != nil {
		t.Fatalf("redo: %v", err)
	}
	if refs.refs["refs/heads/topic"] != "cccc" {
		t.Errorf("ref after redo = %s, want cccc", refs.refs["refs/heads/topic"])
	}

	// Log now holds original, undo, redo: three transactions, all
	// append-only.
	txs, err := log.Transactions(0)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 3 {
		t.Errorf("got %d transactions, want 3", len(txs))
	}

	// The redo's events equal the original's, restoring the same
	// graph-effective state.
	redone := txs[0].Events
	original := txs[2].Events
	if len(redone) != len(original) {
		t.Fatalf("redo has %d events, original %d", len(redone), len(original))
	}
	for i := range redone {
		if redone[i].Kind != original[i].Kind ||
			redone[i].OldCommit != original[i].OldCommit ||
			redone[i].NewCommit != original[i].NewCommit ||
			redone[i].RefName != original[i].RefName ||
			redone[i].NewTarget != original[i].NewTarget {
			t.Errorf("redo event %d = %+v, want %+v", i, redone[i], original[i])
		}
	}
}

func TestUndoMultipleTransactions(t *testing.T) {
	log, refs, c := setup(t)
	ctx := context.Background()

	refs.refs["refs/heads/topic"] = "cccc"
	if _, err := log.Append("step1", "tester", []eventlog.Event{
		eventlog.RefUpdated("refs/heads/topic", "aaaa", "bbbb"),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := log.Append("step2", "tester", []eventlog.Event{
		eventlog.RefUpdated("refs/heads/topic", "bbbb", "cccc"),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	result, err := c.Undo(ctx, 2)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if len(result.Transactions) != 2 {
		t.Errorf("undone = %v, want 2 transactions", result.Transactions)
	}
	if refs.refs["refs/heads/topic"] != "aaaa" {
		t.Errorf("ref after undo(2) = %s, want aaaa", refs.refs["refs/heads/topic"])
	}
}

func TestNothingToUndo(t *testing.T) {
	_, _, c := setup(t)
	_, err := c.Undo(context.Background(), 1)
	if !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("undo on empty log: got %v, want ErrNothingToUndo", err)
	}
}

func TestNothingToRedo(t *testing.T) {
	_, _, c := setup(t)
	_, err := c.Redo(context.Background(), 1)
	if !errors.Is(err, ErrNothingToRedo) {
		t.Errorf("redo on empty stack: got %v, want ErrNothingToRedo", err)
	}
}

func TestClearRedo(t *testing.T) {
	log, refs, c := setup(t)
	ctx := context.Background()

	refs.refs["refs/heads/topic"] = "bbbb"
	if _, err := log.Append("move", "tester", []eventlog.Event{
		eventlog.RefUpdated("refs/heads/topic", "aaaa", "bbbb"),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := c.Undo(ctx, 1); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if c.RedoDepth() != 1 {
		t.Fatalf("redo depth = %d, want 1", c.RedoDepth())
	}

	// A new non-redo operation clears the redo stack.
	c.ClearRedo()
	if _, err := c.Redo(ctx, 1); !errors.Is(err, ErrNothingToRedo) {
		t.Errorf("redo after clear: got %v, want ErrNothingToRedo", err)
	}
}

func TestUndoHideIsUnhide(t *testing.T) {
	log, _, c := setup(t)
	ctx := context.Background()

	if _, err := log.Append("hide", "tester", []eventlog.Event{
		eventlog.Hidden("aaaa"),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := c.Undo(ctx, 1); err != nil {
		t.Fatalf("undo: %v", err)
	}

	txs, err := log.Transactions(1)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	e := txs[0].Events[0]
	if e.Kind != eventlog.KindCommitUnhidden || e.Commit != "aaaa" {
		t.Errorf("inverse of hide = %+v, want unhide aaaa", e)
	}
}

func TestInvert(t *testing.T) {
	cases := []struct {
		in   eventlog.Event
		want eventlog.Event
	}{
		{eventlog.Hidden("x"), eventlog.Unhidden("x")},
		{eventlog.Unhidden("x"), eventlog.Hidden("x")},
		{eventlog.Rewritten("a", "b"), eventlog.Rewritten("b", "a")},
		{eventlog.RefUpdated("r", "a", "b"), eventlog.RefUpdated("r", "b", "a")},
		{eventlog.Recorded("x"), eventlog.Hidden("x")},
	}
	for _, c := range cases {
		got := Invert(c.in)
		if got.Kind != c.want.Kind || got.Commit != c.want.Commit ||
			got.OldCommit != c.want.OldCommit || got.NewCommit != c.want.NewCommit ||
			got.OldTarget != c.want.OldTarget || got.NewTarget != c.want.NewTarget {
			t.Errorf("invert(%+v) = %+v, want %+v", c.in, got, c.want)
		}
	}
}
