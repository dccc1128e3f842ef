// Package publish switches a domain between dns and tunnel publication.
//
// A switch is a fixed sequence of named steps. Steps before the commit
// checkpoint only touch Cloudflare; a failure there leaves the database
// untouched. From the commit on, any failure rolls the domain back to a
// state that satisfies the strategy/assignment invariant and records the
// failing step in error_message.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/cloudflare"
	"rotadominios/backend/internal/metrics"
	"rotadominios/backend/internal/models"
	"rotadominios/backend/internal/store"
)

type Step string

const (
	StepResolveZone      Step = "resolve_zone"
	StepRemoveDNSRecords Step = "remove_dns_records"
	StepCommitStrategy   Step = "commit_strategy"
	StepPushIngress      Step = "push_ingress"
	StepCreateCNAME      Step = "create_cname"
	StepCreateRecords    Step = "create_records"
	StepMarkLive         Step = "mark_live"
	StepDeleteRecord     Step = "delete_record"
)

// DefaultService is the ingress origin for tunnel hostnames whose service is
// not known from the tunnel's current configuration.
const DefaultService = "http://localhost:80"

// Cloudflare is the slice of the Cloudflare API a workflow needs.
type Cloudflare interface {
	FindZone(ctx context.Context, root string) (*cloudflare.Zone, error)
	ListDNSRecords(ctx context.Context, zoneID, name string) ([]cloudflare.DNSRecord, error)
	CreateDNSRecord(ctx context.Context, zoneID string, record cloudflare.DNSRecord) (*cloudflare.DNSRecord, error)
	DeleteDNSRecord(ctx context.Context, zoneID, recordID string) error
	GetTunnelConfiguration(ctx context.Context, accountID, tunnelID string) ([]cloudflare.IngressRule, error)
	PutTunnelConfiguration(ctx context.Context, accountID, tunnelID string, rules []cloudflare.IngressRule) error
}

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type StepRecord struct {
	Name       Step       `json:"name"`
	Status     StepStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}

// Result describes one workflow run, successful or not.
type Result struct {
	DomainID      uuid.UUID              `json:"domain_id"`
	Hostname      string                 `json:"hostname"`
	Strategy      models.PublishStrategy `json:"strategy"`
	Steps         []StepRecord           `json:"steps"`
	LastSucceeded Step                   `json:"last_succeeded,omitempty"`
	FailedStep    Step                   `json:"failed_step,omitempty"`
	Committed     bool                   `json:"committed"`
	RolledBack    bool                   `json:"rolled_back"`
	// RollbackErrors lists compensations that failed after the database
	// was already restored.
	RollbackErrors []string `json:"rollback_errors,omitempty"`
	Retryable     bool                   `json:"retryable"`
	Error         string                 `json:"error,omitempty"`
	Domain        *models.Domain         `json:"domain,omitempty"`
}

// StepError is the error a failed workflow returns. Once the commit step
// has run, the database was forced to error state and the kind is
// Inconsistent; before it, the cause's own kind applies.
type StepError struct {
	Step      Step
	System    apperr.System
	Committed bool
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) ErrorKind() apperr.Kind {
	if e.Committed {
		return apperr.Inconsistent
	}
	return apperr.KindOf(e.Err)
}

type Workflow struct {
	store          store.Store
	cf             Cloudflare
	locks          *Locks
	log            *logrus.Entry
	metrics        *metrics.Metrics
	attempts       int
	backoff        time.Duration
	defaultService string
	now            func() time.Time
}

type Option func(*Workflow)

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithRetry sets how often idempotent Cloudflare steps are attempted and
// the initial backoff, which doubles after every failed attempt.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(w *Workflow) {
		if attempts < 1 {
			attempts = 1
		}
		w.attempts = attempts
		w.backoff = backoff
	}
}

// WithDefaultService sets the origin used for tunnel hostnames whose
// service cannot be recovered from the live ingress. Empty keeps DefaultService.
func WithDefaultService(service string) Option {
	return func(w *Workflow) {
		if service != "" {
			w.defaultService = service
		}
	}
}

func New(st store.Store, cf Cloudflare, log *logrus.Entry, opts ...Option) *Workflow {
	w := &Workflow{
		store:          st,
		cf:             cf,
		locks:          NewLocks(),
		log:            log,
		attempts:       3,
		backoff:        200 * time.Millisecond,
		defaultService: DefaultService,
		now:            time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Locks exposes the registry so other components can tell whether a domain
// is mid-workflow.
func (w *Workflow) Locks() *Locks { return w.locks }

type step struct {
	name   Step
	system apperr.System
	run    func(ctx context.Context) error
}

// rollbackFunc restores the invariant after a post-commit failure.
type rollbackFunc func(ctx context.Context, failed *StepError) error

// runSteps executes steps in order until one fails. commit names the
// checkpoint step; failures after it are handed to rollback.
func (w *Workflow) runSteps(ctx context.Context, log *logrus.Entry, res *Result, steps []step, commit Step, rollback rollbackFunc) error {
	for i, s := range steps {
		log.Infof("running step %s", s.name)
		start := w.now()
		err := s.run(ctx)
		rec := StepRecord{Name: s.name, Status: StepSucceeded, DurationMS: w.now().Sub(start).Milliseconds()}

		if err == nil {
			res.Steps = append(res.Steps, rec)
			res.LastSucceeded = s.name
			if s.name == commit {
				res.Committed = true
			}
			continue
		}

		log.Errorf("step %s encountered error: %s", s.name, err.Error())
		rec.Status = StepFailed
		rec.Error = err.Error()
		res.Steps = append(res.Steps, rec)
		for _, rest := range steps[i+1:] {
			res.Steps = append(res.Steps, StepRecord{Name: rest.name, Status: StepSkipped})
		}
		res.FailedStep = s.name
		res.Retryable = apperr.Retryable(err)
		w.metrics.StepFailed(string(s.name))

		se := &StepError{Step: s.name, System: s.system, Committed: res.Committed, Err: err}
		res.Error = se.Error()
		if res.Committed && rollback != nil {
			// The caller's context may be the reason the step failed.
			rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if rbErr := rollback(rbCtx, se); rbErr != nil {
				log.Errorf("rollback after %s failed: %s", s.name, rbErr)
				return fmt.Errorf("%w (rollback failed: %v)", se, rbErr)
			}
			res.RolledBack = true
		}
		return se
	}
	return nil
}

// retry runs fn up to w.attempts times while it fails with an unreachable
// error, doubling the wait between attempts.
func (w *Workflow) retry(ctx context.Context, log *logrus.Entry, what string, fn func(ctx context.Context) error) error {
	wait := w.backoff
	var err error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if err = fn(ctx); err == nil || !apperr.Retryable(err) || attempt == w.attempts {
			return err
		}
		log.Warnf("%s failed (attempt %d/%d), retrying in %s: %s", what, attempt, w.attempts, wait, err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

func runResult(res *Result, err error) string {
	switch {
	case err == nil:
		return "success"
	case res.RolledBack:
		return "rolled_back"
	default:
		return "failed"
	}
}

// finish records the run in metrics and attaches the domain as stored now.
func (w *Workflow) finish(ctx context.Context, res *Result, err error) {
	w.metrics.WorkflowRun(string(res.Strategy), runResult(res, err))
	if d, gErr := w.store.GetDomain(context.WithoutCancel(ctx), res.DomainID); gErr == nil {
		res.Domain = d
	}
}

func (w *Workflow) logger(res *Result) *logrus.Entry {
	return w.log.WithFields(logrus.Fields{
		"domain_id": res.DomainID,
		"hostname":  res.Hostname,
		"strategy":  res.Strategy,
	})
}

func errorMessage(se *StepError) *string {
	msg := se.Error()
	return &msg
}
