package reindex

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/vdimir/esmigrate/app/reindex/types"
)

// Locker guards a logical name for the duration of a migration.
//
// Running two migrations of the same logical name concurrently from different
// processes is undefined behaviour: both may pick the same destination, and the
// later cutover wins. Deployments running more than one orchestrator must supply
// a Locker backed by an external lease.
//
// Writes arriving to the live generation after copy started are not carried over.
// Caller is responsible for a write pause or a dual-write bridge around cutover.
// Returned unlock must be safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, logical string) (unlock func(), err error)
}

// LocalLocker rejects concurrent migrations of the same logical name within one process
type LocalLocker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewLocalLocker makes in-process Locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{active: map[string]struct{}{}}
}

// Lock doesn't wait, a held name is reported with types.ErrMigrationInProgress
func (l *LocalLocker) Lock(_ context.Context, logical string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[logical]; busy {
		return nil, errors.Wrapf(types.ErrMigrationInProgress, "%s", logical)
	}
	l.active[logical] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, logical)
			l.mu.Unlock()
		})
	}, nil
}
