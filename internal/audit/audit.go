// Package audit records operator-visible changes as structured log entries.
package audit

import (
	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event
type EventType string

const (
	EventDomainCreated   EventType = "domain_created"
	EventDomainDeleted   EventType = "domain_deleted"
	EventDomainPublished EventType = "domain_published"
	EventDomainReset     EventType = "domain_reset"
	EventVPSCreated      EventType = "vps_created"
	EventTunnelCreated   EventType = "tunnel_created"
	EventReconcileFixed  EventType = "reconcile_fixed"
	EventCaddySynced     EventType = "caddy_synced"
	EventAgentAction     EventType = "agent_action"
)

// Log records an audit event on log with audit=true so sinks can filter it.
func Log(log *logrus.Entry, eventType EventType, targetID string, details logrus.Fields) {
	log.WithFields(details).WithFields(logrus.Fields{
		"audit":  true,
		"event":  eventType,
		"target": targetID,
	}).Info("audit event")
}

// LogWithIP records an audit event with the caller's address.
func LogWithIP(log *logrus.Entry, eventType EventType, targetID, ip string, details logrus.Fields) {
	if details == nil {
		details = logrus.Fields{}
	}
	details["ip"] = ip
	Log(log, eventType, targetID, details)
}
