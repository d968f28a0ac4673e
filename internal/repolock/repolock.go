// Package repolock provides the exclusive advisory lock held for the
// duration of any mutating transaction.
package repolock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Lock is a held advisory lock over the repository and log.
type Lock struct {
	fl    *flock.Flock
	owner string
}

const retryDelay = 50 * time.Millisecond

// Acquire takes the exclusive lock at {dir}/.keel/lock, blocking
// until it is acquired or ctx is done. Callers must Release on every
// exit path.
func Acquire(ctx context.Context, dir string) (*Lock, error) {
	lockDir := filepath.Join(dir, ".keel")
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	fl := flock.New(filepath.Join(lockDir, "lock"))
	ok, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquiring repository lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("acquiring repository lock: not acquired")
	}
	return &Lock{fl: fl, owner: uuid.NewString()}, nil
}

// Owner returns the unique id of this lock acquisition, for log
// correlation.
func (l *Lock) Owner() string { return l.owner }

// Release drops the lock. Safe to call once per acquisition.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("releasing repository lock: %w", err)
	}
	return nil
}
