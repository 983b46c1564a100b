// Package lockfile implements the per-board advisory exclusive lock the
// agent takes before opening a session, so two client connections never
// drive the same physical board concurrently. The lock file lives at
// /tmp/cdba-<board>.lock and is taken with flock(LOCK_EX|LOCK_NB),
// retrying on contention.
// Here the OS-level locking is delegated to github.com/gofrs/flock,
// which wraps the same flock(2) semantics with a context-aware
// TryLockContext instead of a hand-rolled retry loop.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/jangala-dev/cdba-go/errcode"
)

// RetryInterval is how often TryLockContext re-attempts the lock.
var RetryInterval = 3 * time.Second

// Lock wraps one board's advisory exclusive lock.
type Lock struct {
	boardID string
	fl      *flock.Flock
}

// Path returns the lockfile path for a given board id, under the host's
// shared temp directory.
func Path(boardID string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("cdba-%s.lock", boardID))
}

// New returns a Lock for boardID, without acquiring it.
func New(boardID string) *Lock {
	return &Lock{boardID: boardID, fl: flock.New(Path(boardID))}
}

// Acquire blocks, internally retrying every RetryInterval, until the lock
// is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	ok, err := l.fl.TryLockContext(ctx, RetryInterval)
	if err != nil {
		return errcode.Wrap(errcode.LockBusy, "lockfile.Acquire", err)
	}
	if !ok {
		return errcode.Wrap(errcode.LockBusy, "lockfile.Acquire", ctx.Err())
	}
	return nil
}

// Release unlocks the board's lockfile. Safe to call on an unlocked Lock.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
