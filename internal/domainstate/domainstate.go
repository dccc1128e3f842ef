// Package domainstate defines the domain lifecycle: which status changes are
// legal, what a reset does, and how a health verdict moves a domain.
package domainstate

import (
	"fmt"

	"rotadominios/backend/internal/models"
)

// Cause records who asked for a transition.
type Cause string

const (
	CauseWorkflowStart  Cause = "workflow_start"
	CauseWorkflowDone   Cause = "workflow_done"
	CauseWorkflowFailed Cause = "workflow_failed"
	CauseHealth         Cause = "health"
	CauseReset          Cause = "reset"
)

// TransitionError is returned for an edge the lifecycle does not allow.
type TransitionError struct {
	From  models.DomainStatus
	To    models.DomainStatus
	Cause Cause
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal domain transition %s -> %s (%s)", e.From, e.To, e.Cause)
}

// Transition checks that from -> to is a legal edge for cause.
//
//	any         -> propagating  a workflow starts mutating external records
//	propagating -> live
//	live, error -> live         re-evaluation
//	any         -> error
//	any         -> pending      only by reset
//
// pending -> live is never legal: a domain has to go through a workflow first.
func Transition(from, to models.DomainStatus, cause Cause) error {
	if _, err := ParseStatus(string(from)); err != nil {
		return err
	}
	if _, err := ParseStatus(string(to)); err != nil {
		return err
	}

	ok := false
	switch to {
	case models.StatusPropagating, models.StatusError:
		ok = true
	case models.StatusLive:
		ok = from == models.StatusPropagating || from == models.StatusLive || from == models.StatusError
	case models.StatusPending:
		ok = cause == CauseReset
	}
	if !ok {
		return &TransitionError{From: from, To: to, Cause: cause}
	}
	return nil
}

// Reset returns d to pending on dns strategy with no tunnel and no error.
// It never touches external systems and reports whether anything changed;
// resetting a reset domain is a no-op.
func Reset(d *models.Domain) bool {
	if IsReset(d) {
		return false
	}
	d.TunnelID = nil
	d.PublishStrategy = models.StrategyDNS
	d.Status = models.StatusPending
	d.ErrorMessage = nil
	return true
}

// IsReset reports whether d is already in the state Reset produces.
func IsReset(d *models.Domain) bool {
	return d.TunnelID == nil &&
		d.PublishStrategy == models.StrategyDNS &&
		d.Status == models.StatusPending &&
		d.ErrorMessage == nil
}

// FromHealth derives the status a health verdict implies. It returns the
// current status and false when nothing should change: pending domains are
// never promoted and domains with a running workflow are never moved.
func FromHealth(current models.DomainStatus, healthy, midWorkflow bool) (models.DomainStatus, bool) {
	if midWorkflow || current == models.StatusPending {
		return current, false
	}

	next := models.StatusError
	if healthy {
		next = models.StatusLive
	}
	if next == current {
		return current, false
	}
	if Transition(current, next, CauseHealth) != nil {
		return current, false
	}
	return next, true
}

// ParseStatus parses a status string.
func ParseStatus(s string) (models.DomainStatus, error) {
	switch s {
	case string(models.StatusPending):
		return models.StatusPending, nil
	case string(models.StatusPropagating):
		return models.StatusPropagating, nil
	case string(models.StatusLive):
		return models.StatusLive, nil
	case string(models.StatusError):
		return models.StatusError, nil
	default:
		return "", fmt.Errorf("unknown domain status %q", s)
	}
}

// ParseStrategy parses a publish strategy string; empty means dns.
func ParseStrategy(s string) (models.PublishStrategy, error) {
	switch s {
	case "", string(models.StrategyDNS):
		return models.StrategyDNS, nil
	case string(models.StrategyTunnel):
		return models.StrategyTunnel, nil
	default:
		return "", fmt.Errorf("unknown publish strategy %q", s)
	}
}
