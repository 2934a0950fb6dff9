// Package audit records security-relevant gateway events as structured log
// entries: pairing lifecycle, privilege upgrades, auth failures, and token
// revocations.
package audit

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventPairingRequested EventType = "pairing.requested"
	EventPairingApproved  EventType = "pairing.approved"
	EventPairingDenied    EventType = "pairing.denied"
	EventPairingUpgrade   EventType = "pairing.upgrade"
	EventAuthFailure      EventType = "auth.failure"
	EventHandshakeReject  EventType = "handshake.rejected"
	EventTokenRevoked     EventType = "token.revoked"
)

// Event is a single audit entry. Details carries event-specific fields, for
// upgrade events the before and after role/scope sets.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	DeviceID  string         `json:"deviceId,omitempty"`
	ClientID  string         `json:"clientId,omitempty"`
	RemoteIP  string         `json:"remoteIp,omitempty"`
	Method    string         `json:"method,omitempty"` // auth method involved, if any
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger writes audit events through slog so they land in the shared rotated
// log alongside operational entries, tagged with component=audit.
type Logger struct {
	slogger *slog.Logger
}

// NewLogger wraps base, falling back to the process default when base is nil.
func NewLogger(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{slogger: base.With("component", "audit")}
}

// Record writes one event, filling ID and Timestamp when unset.
func (l *Logger) Record(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	attrs := []any{
		"audit_id", ev.ID,
		"audit_type", string(ev.Type),
	}
	if ev.DeviceID != "" {
		attrs = append(attrs, "device_id", ev.DeviceID)
	}
	if ev.ClientID != "" {
		attrs = append(attrs, "client_id", ev.ClientID)
	}
	if ev.RemoteIP != "" {
		attrs = append(attrs, "remote_ip", ev.RemoteIP)
	}
	if ev.Method != "" {
		attrs = append(attrs, "method", ev.Method)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}

	l.slogger.Info("audit", attrs...)
	return ev
}

// Upgrade reason values.
const (
	ReasonRoleUpgrade  = "role-upgrade"
	ReasonScopeUpgrade = "scope-upgrade"
)

// Upgrade records an attempted privilege upgrade with the auth method that
// carried the connect and the before and after role/scope sets.
func (l *Logger) Upgrade(deviceID, clientID, remoteIP, authMethod, reason string, rolesFrom, rolesTo, scopesFrom, scopesTo []string) Event {
	return l.Record(Event{
		Type:     EventPairingUpgrade,
		DeviceID: deviceID,
		ClientID: clientID,
		RemoteIP: remoteIP,
		Method:   authMethod,
		Reason:   reason,
		Details: map[string]any{
			"roles_from":  rolesFrom,
			"roles_to":    rolesTo,
			"scopes_from": scopesFrom,
			"scopes_to":   scopesTo,
		},
	})
}

// AuthFailure records a failed authentication attempt.
func (l *Logger) AuthFailure(remoteIP, clientID, method, reason string) Event {
	return l.Record(Event{
		Type:     EventAuthFailure,
		ClientID: clientID,
		RemoteIP: remoteIP,
		Method:   method,
		Reason:   reason,
	})
}
