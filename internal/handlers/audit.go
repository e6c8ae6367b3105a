package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/claworc/ssh-service/internal/sshaudit"
)

// Auditor is set from main.go during init.
var Auditor *sshaudit.Auditor

// GetAuditLogs returns paginated audit log entries.
//
// Query parameters:
//
//	event_type    - filter by event type
//	connection_id - filter by session
//	client_id     - filter by client channel
//	since         - RFC3339 timestamp, only entries after this time
//	until         - RFC3339 timestamp, only entries before this time
//	limit         - max entries to return (default 50, max 1000)
//	offset        - pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	q := r.URL.Query()
	opts := sshaudit.QueryOptions{
		EventType:    q.Get("event_type"),
		ConnectionID: q.Get("connection_id"),
		ClientID:     q.Get("client_id"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp (use RFC3339)")
			return
		}
		opts.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	result, err := Auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PurgeAuditLogs deletes audit entries older than ?days=N, or older than the
// configured retention when days is omitted.
func PurgeAuditLogs(w http.ResponseWriter, r *http.Request) {
	if Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	var age time.Duration
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid days parameter")
			return
		}
		age = time.Duration(n) * 24 * time.Hour
	}

	deleted, err := Auditor.PurgeOlderThan(age)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to purge audit logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":        deleted,
		"retention_days": int(Auditor.Retention().Hours() / 24),
	})
}
