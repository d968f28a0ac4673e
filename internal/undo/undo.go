// Package undo computes and applies inverse transactions from the
// event log.
package undo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"keel/internal/eventlog"
)

// ErrNothingToUndo is returned when the log has no transactions left
// to undo. Benign.
var ErrNothingToUndo = errors.New("nothing to undo")

// ErrNothingToRedo is returned when the redo stack is empty. Benign.
var ErrNothingToRedo = errors.New("nothing to redo")

// RefWriter pushes ref changes to the repository. Implemented by
// gitio.Repository.
type RefWriter interface {
	UpdateRef(name, old, new string) error
}

// Result describes one applied undo or redo.
type Result struct {
	TxID         int64
	Transactions []int64 // ids of the transactions undone or redone
}

// Controller maintains the redo stack and builds compensating
// transactions. Undo never deletes or mutates logged events; it
// appends new inverse events as a transaction of its own.
type Controller struct {
	log   *eventlog.Log
	refs  RefWriter
	actor string

	mu   sync.Mutex
	redo []eventlog.Transaction // LIFO; top is the next transaction to redo
}

// New creates a controller.
func New(log *eventlog.Log, refs RefWriter, actor string) *Controller {
	return &Controller{log: log, refs: refs, actor: actor}
}

// Undo inverts the most recent n transactions and applies the
// inverses as one new logged transaction. The undone transactions are
// pushed on the redo stack.
func (c *Controller) Undo(ctx context.Context, n int) (*Result, error) {
	if n <= 0 {
		return nil, fmt.Errorf("undo count must be positive, got %d", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	txs, err := c.log.Transactions(n)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ErrNothingToUndo
	}

	// Newest transaction first, events inverted in reverse order.
	var inverse []eventlog.Event
	for _, tx := range txs {
		for i := len(tx.Events) - 1; i >= 0; i-- {
			inverse = append(inverse, Invert(tx.Events[i]))
		}
	}

	if err := c.applyRefs(inverse); err != nil {
		return nil, err
	}

	desc := fmt.Sprintf("undo %q", txs[0].Description)
	if len(txs) > 1 {
		desc = fmt.Sprintf("undo %d transactions back to %q", len(txs), txs[len(txs)-1].Description)
	}
	txID, err := c.log.Append(desc, c.actor, inverse)
	if err != nil {
		return nil, err
	}

	result := &Result{TxID: txID}
	// Push newest first so the top of the stack is the oldest undone
	// transaction: redo replays forward in original order.
	for _, tx := range txs {
		c.redo = append(c.redo, tx)
		result.Transactions = append(result.Transactions, tx.ID)
	}
	return result, nil
}

// Redo re-applies the n most recently undone transactions as one new
// logged transaction.
func (c *Controller) Redo(ctx context.Context, n int) (*Result, error) {
	if n <= 0 {
		return nil, fmt.Errorf("redo count must be positive, got %d", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.redo) == 0 {
		return nil, ErrNothingToRedo
	}
	if n > len(c.redo) {
		n = len(c.redo)
	}

	var forward []eventlog.Event
	var ids []int64
	popped := make([]eventlog.Transaction, 0, n)
	for i := 0; i < n; i++ {
		tx := c.redo[len(c.redo)-1]
		c.redo = c.redo[:len(c.redo)-1]
		popped = append(popped, tx)
		ids = append(ids, tx.ID)
		forward = append(forward, tx.Events...)
	}

	if err := c.applyRefs(forward); err != nil {
		// Restore the stack so a retry is possible.
		for i := len(popped) - 1; i >= 0; i-- {
			c.redo = append(c.redo, popped[i])
		}
		return nil, err
	}

	txID, err := c.log.Append(fmt.Sprintf("redo %d transactions", n), c.actor, forward)
	if err != nil {
		for i := len(popped) - 1; i >= 0; i-- {
			c.redo = append(c.redo, popped[i])
		}
		return nil, err
	}
	return &Result{TxID: txID, Transactions: ids}, nil
}

// ClearRedo empties the redo stack. Every non-redo mutation calls
// this: a new action invalidates the undone future.
func (c *Controller) ClearRedo() {
	c.mu.Lock()
	c.redo = nil
	c.mu.Unlock()
}

// RedoDepth returns the number of transactions available to redo.
func (c *Controller) RedoDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.redo)
}

// applyRefs pushes the ref.updated events in a batch to the
// repository with compare-and-swap. On failure, updates already
// applied are rolled back best-effort before returning.
func (c *Controller) applyRefs(events []eventlog.Event) error {
	var applied []eventlog.Event
	for _, e := range events {
		if e.Kind != eventlog.KindRefUpdated {
			continue
		}
		if err := c.refs.UpdateRef(e.RefName, e.OldTarget, e.NewTarget); err != nil {
			for i := len(applied) - 1; i >= 0; i-- {
				a := applied[i]
				c.refs.UpdateRef(a.RefName, a.NewTarget, a.OldTarget)
			}
			return fmt.Errorf("applying ref update %s: %w", e.RefName, err)
		}
		applied = append(applied, e)
	}
	return nil
}

// Invert returns the compensating event: ref updates revert to the
// prior value, rewrites reverse the mapping, hide and unhide swap,
// and a recorded commit is hidden (nodes are never removed).
func Invert(e eventlog.Event) eventlog.Event {
	switch e.Kind {
	case eventlog.KindRefUpdated:
		return eventlog.RefUpdated(e.RefName, e.NewTarget, e.OldTarget)
	case eventlog.KindCommitRewritten:
		return eventlog.Rewritten(e.NewCommit, e.OldCommit)
	case eventlog.KindCommitHidden:
		return eventlog.Unhidden(e.Commit)
	case eventlog.KindCommitUnhidden:
		return eventlog.Hidden(e.Commit)
	case eventlog.KindCommitRecorded:
		return eventlog.Hidden(e.Commit)
	default:
		return e
	}
}
