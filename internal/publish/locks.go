package publish

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"rotadominios/backend/internal/apperr"
)

// ErrWorkflowRunning is returned when a second workflow targets a domain
// whose previous workflow has not finished.
var ErrWorkflowRunning = fmt.Errorf("workflow already running: %w", apperr.ErrConflict)

// Locks is the in-process registry of domains with a running workflow.
type Locks struct {
	running sync.Map // uuid.UUID -> struct{}
}

func NewLocks() *Locks {
	return &Locks{}
}

// TryLock claims id. It does not wait: a held lock is reported as a
// validation error so the caller can surface it immediately.
func (l *Locks) TryLock(id uuid.UUID) (unlock func(), err error) {
	if _, loaded := l.running.LoadOrStore(id, struct{}{}); loaded {
		return nil, apperr.New(apperr.Validation, "acquire domain lock", "", fmt.Errorf("%w for domain %s", ErrWorkflowRunning, id))
	}
	return func() { l.running.Delete(id) }, nil
}

// InFlight reports whether a workflow currently holds id.
func (l *Locks) InFlight(id uuid.UUID) bool {
	_, ok := l.running.Load(id)
	return ok
}
