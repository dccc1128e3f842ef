package health

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rotadominios/backend/internal/agent"
	"rotadominios/backend/internal/apperr"
)

const (
	MinBatchSize = 3
	MaxBatchSize = 5
)

// BatchOptions bounds the fan-out of EvaluateBatch.
type BatchOptions struct {
	Size    int
	Pause   time.Duration
	Retries int
	Backoff time.Duration
}

func (b BatchOptions) withDefaults() BatchOptions {
	switch {
	case b.Size == 0:
		b.Size = 4
	case b.Size < MinBatchSize:
		b.Size = MinBatchSize
	case b.Size > MaxBatchSize:
		b.Size = MaxBatchSize
	}
	if b.Pause < 0 {
		b.Pause = 0
	}
	if b.Retries < 0 {
		b.Retries = 0
	}
	if b.Backoff <= 0 {
		b.Backoff = 500 * time.Millisecond
	}
	return b
}

// BatchItem is one domain's outcome in a batch. Err is set when no verdict
// could be produced or recorded.
type BatchItem struct {
	DomainID uuid.UUID `json:"domain_id"`
	Verdict  *Verdict  `json:"verdict,omitempty"`
	Err      error     `json:"-"`
	Error    string    `json:"error,omitempty"`
}

// EvaluateBatch evaluates and records ids a batch at a time, pausing between
// batches. One domain failing never fails the others.
func (e *Evaluator) EvaluateBatch(ctx context.Context, ids []uuid.UUID, force bool) []BatchItem {
	items := make([]BatchItem, len(ids))
	log := e.log.WithField("domains", len(ids))
	log.Infof("evaluating %d domains in batches of %d", len(ids), e.batch.Size)

	for start := 0; start < len(ids); start += e.batch.Size {
		if start > 0 && e.batch.Pause > 0 {
			select {
			case <-ctx.Done():
				return e.cancelled(ctx, items, ids, start)
			case <-time.After(e.batch.Pause):
			}
		}
		end := min(start+e.batch.Size, len(ids))

		g, groupCtx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				v, err := e.evaluateWithRetry(groupCtx, ids[i], force)
				items[i] = BatchItem{DomainID: ids[i], Verdict: v, Err: err}
				if err != nil {
					items[i].Error = err.Error()
				}
				// Never fail the group: a failing domain must not cancel its neighbours.
				return nil
			})
		}
		_ = g.Wait()
	}

	failed := 0
	for _, it := range items {
		if it.Err != nil || (it.Verdict != nil && !it.Verdict.Healthy) {
			failed++
		}
	}
	log.Infof("health batch complete: %d/%d unhealthy or failed", failed, len(ids))
	return items
}

// evaluateWithRetry re-runs a domain whose only failures were unreachable
// systems, doubling the wait each time.
func (e *Evaluator) evaluateWithRetry(ctx context.Context, id uuid.UUID, force bool) (*Verdict, error) {
	wait := e.batch.Backoff
	for attempt := 0; ; attempt++ {
		v, err := e.EvaluateAndRecord(ctx, id, force || attempt > 0)
		if attempt >= e.batch.Retries || !onlyUnreachable(v, err) {
			return v, err
		}
		e.log.WithField("domain_id", id).Debugf("retrying health check in %s (attempt %d/%d)", wait, attempt+1, e.batch.Retries)
		select {
		case <-ctx.Done():
			return v, err
		case <-time.After(wait):
		}
		wait *= 2
	}
}

var unreachableKinds = map[string]bool{
	string(apperr.Unreachable):              true,
	string(agent.FailureTimeout):           true,
	string(agent.FailureConnectionRefused): true,
	string(agent.FailureNetwork):           true,
}

func onlyUnreachable(v *Verdict, err error) bool {
	if err != nil {
		return apperr.Retryable(err)
	}
	if v == nil || v.Healthy || v.Cached {
		return false
	}
	for _, c := range v.Checks {
		if c.Applicable && !c.OK && !unreachableKinds[c.FailureKind] {
			return false
		}
	}
	return true
}

func (e *Evaluator) cancelled(ctx context.Context, items []BatchItem, ids []uuid.UUID, from int) []BatchItem {
	for i := from; i < len(ids); i++ {
		items[i] = BatchItem{DomainID: ids[i], Err: ctx.Err(), Error: ctx.Err().Error()}
	}
	return items
}
