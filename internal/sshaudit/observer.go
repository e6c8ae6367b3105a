package sshaudit

import (
	"errors"
	"fmt"
	"time"

	"github.com/gluk-w/claworc/ssh-service/internal/logutil"
	"github.com/gluk-w/claworc/ssh-service/internal/sshbroker"
	"github.com/gluk-w/claworc/ssh-service/internal/sshterminal"
)

// SessionOpened implements sshbroker.Observer.
func (a *Auditor) SessionOpened(h *sshterminal.Handle) {
	a.Log(AuditEntry{
		EventType:    EventSessionOpened,
		ConnectionID: h.ConnectionID,
		ClientID:     h.ClientID,
		Target:       logutil.Target(h.Username, h.Host, h.Port),
		Details:      "tab=" + h.TabID,
	})
}

// SessionFailed implements sshbroker.Observer.
func (a *Auditor) SessionFailed(clientID, target string, err error) {
	event := EventConnectFailed
	details := err.Error()
	var limited *sshbroker.ErrRateLimited
	if errors.As(err, &limited) {
		event = EventConnectRateLimited
	} else if kind := sshterminal.KindOf(err); kind != "" {
		details = fmt.Sprintf("%s: %s", kind, details)
	}
	a.Log(AuditEntry{
		EventType: event,
		ClientID:  clientID,
		Target:    target,
		Details:   details,
	})
}

// SessionClosed implements sshbroker.Observer.
func (a *Auditor) SessionClosed(h *sshterminal.Handle, reason string, err error) {
	details := "reason=" + reason
	if err != nil {
		details += " error=" + err.Error()
	}
	var durationMs int64
	if !h.CreatedAt.IsZero() {
		durationMs = a.nowFn().Sub(h.CreatedAt).Milliseconds()
	}
	a.Log(AuditEntry{
		EventType:    EventSessionClosed,
		ConnectionID: h.ConnectionID,
		ClientID:     h.ClientID,
		Target:       logutil.Target(h.Username, h.Host, h.Port),
		Details:      details,
		DurationMs:   durationMs,
	})
}

// ClientConnected implements gateway.ClientObserver.
func (a *Auditor) ClientConnected(clientID, sourceIP string) {
	a.Log(AuditEntry{
		EventType: EventClientConnected,
		ClientID:  clientID,
		SourceIP:  sourceIP,
	})
}

// ClientDisconnected implements gateway.ClientObserver.
func (a *Auditor) ClientDisconnected(clientID string, connected time.Duration, closedSessions int) {
	a.Log(AuditEntry{
		EventType:  EventClientDisconnected,
		ClientID:   clientID,
		Details:    fmt.Sprintf("closed_sessions=%d", closedSessions),
		DurationMs: connected.Milliseconds(),
	})
}
