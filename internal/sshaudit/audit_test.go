package sshaudit

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/ssh-service/internal/database"
	"github.com/gluk-w/claworc/ssh-service/internal/sshbroker"
	"github.com/gluk-w/claworc/ssh-service/internal/sshterminal"
)

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	// A file DB in t.TempDir() so every pooled connection sees the same data.
	if err := database.Open(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewAuditor(database.DB, 0)
}

func TestNewAuditor_DefaultRetention(t *testing.T) {
	a := newTestAuditor(t)
	if a.Retention() != DefaultRetention {
		t.Errorf("Retention() = %s, want %s", a.Retention(), DefaultRetention)
	}
	if got := NewAuditor(database.DB, time.Hour).Retention(); got != time.Hour {
		t.Errorf("Retention() = %s, want 1h", got)
	}
}

func TestLog_BasicEvent(t *testing.T) {
	a := newTestAuditor(t)

	err := a.Log(AuditEntry{
		EventType:    EventSessionOpened,
		ConnectionID: "conn-1",
		ClientID:     "client-1",
		Target:       "root@10.0.0.5:22",
		Details:      "tab=t1",
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}

	result, err := a.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.Total != 1 || len(result.Entries) != 1 {
		t.Fatalf("expected 1 entry, got total=%d len=%d", result.Total, len(result.Entries))
	}
	e := result.Entries[0]
	if e.EventType != EventSessionOpened || e.ConnectionID != "conn-1" || e.Target != "root@10.0.0.5:22" || e.Details != "tab=t1" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestLog_SanitizesFreeText(t *testing.T) {
	a := newTestAuditor(t)
	a.Log(AuditEntry{EventType: EventConnectFailed, Target: "u@h\nfake:22", Details: "line1\r\nline2"})

	result, _ := a.Query(QueryOptions{})
	e := result.Entries[0]
	if strings.ContainsAny(e.Target, "\r\n") || strings.ContainsAny(e.Details, "\r\n") {
		t.Errorf("control characters stored: %q / %q", e.Target, e.Details)
	}
}

func TestQuery_Filters(t *testing.T) {
	a := newTestAuditor(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		a.SetNowFunc(func() time.Time { return at })
		event := EventSessionOpened
		if i%2 == 1 {
			event = EventSessionClosed
		}
		a.Log(AuditEntry{EventType: event, ConnectionID: fmt.Sprintf("conn-%d", i/2), ClientID: fmt.Sprintf("client-%d", i%3)})
	}

	tests := []struct {
		name string
		opts QueryOptions
		want int64
	}{
		{"all", QueryOptions{}, 6},
		{"event type", QueryOptions{EventType: EventSessionClosed}, 3},
		{"connection", QueryOptions{ConnectionID: "conn-1"}, 2},
		{"client", QueryOptions{ClientID: "client-0"}, 2},
		{"since", QueryOptions{Since: ptrTime(base.Add(4 * time.Minute))}, 2},
		{"until", QueryOptions{Until: ptrTime(base.Add(time.Minute))}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := a.Query(tt.opts)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if result.Total != tt.want {
				t.Errorf("Total = %d, want %d", result.Total, tt.want)
			}
		})
	}
}

func TestQuery_NewestFirstAndPagination(t *testing.T) {
	a := newTestAuditor(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		a.SetNowFunc(func() time.Time { return at })
		a.Log(AuditEntry{EventType: EventClientConnected, ClientID: fmt.Sprintf("c%d", i)})
	}

	page1, _ := a.Query(QueryOptions{Limit: 2})
	page2, _ := a.Query(QueryOptions{Limit: 2, Offset: 2})
	if page1.Total != 5 || len(page1.Entries) != 2 || len(page2.Entries) != 2 {
		t.Fatalf("unexpected pages: %+v / %+v", page1, page2)
	}
	if page1.Entries[0].ClientID != "c4" || page1.Entries[1].ClientID != "c3" || page2.Entries[0].ClientID != "c2" {
		t.Errorf("unexpected order: %s %s %s", page1.Entries[0].ClientID, page1.Entries[1].ClientID, page2.Entries[0].ClientID)
	}

	capped, _ := a.Query(QueryOptions{Limit: 5000})
	if capped.Limit != 1000 {
		t.Errorf("limit not capped: %d", capped.Limit)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	a := newTestAuditor(t)
	now := time.Now()

	a.SetNowFunc(func() time.Time { return now.Add(-100 * 24 * time.Hour) })
	a.Log(AuditEntry{EventType: EventSessionOpened})
	a.SetNowFunc(func() time.Time { return now.Add(-2 * time.Hour) })
	a.Log(AuditEntry{EventType: EventSessionOpened})
	a.SetNowFunc(func() time.Time { return now })
	a.Log(AuditEntry{EventType: EventSessionOpened})

	deleted, err := a.PurgeOlderThan(0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Errorf("default retention purged %d, want 1", deleted)
	}

	deleted, _ = a.PurgeOlderThan(time.Hour)
	if deleted != 1 {
		t.Errorf("1h purge removed %d, want 1", deleted)
	}
	if result, _ := a.Query(QueryOptions{}); result.Total != 1 {
		t.Errorf("remaining = %d, want 1", result.Total)
	}
}

func TestObserver_SessionEvents(t *testing.T) {
	a := newTestAuditor(t)
	opened := time.Now().Add(-3 * time.Second)
	h := &sshterminal.Handle{ConnectionID: "conn-1", ClientID: "client-1", TabID: "t1", Host: "10.0.0.5", Port: 22, Username: "root", CreatedAt: opened}

	a.SessionOpened(h)
	a.SessionClosed(h, sshbroker.CloseReasonRemote, errors.New("keepalive failed"))
	a.SessionFailed("client-2", "root@10.0.0.6:22", &sshterminal.Failure{Kind: sshterminal.KindAuthentication, Op: "ssh connection error", Err: errors.New("denied")})
	a.SessionFailed("client-2", "root@10.0.0.6:22", &sshbroker.ErrRateLimited{Target: "root@10.0.0.6:22", Reason: "blocked", RetryAfter: time.Minute})

	byType := map[string]string{}
	var closedDuration int64
	result, _ := a.Query(QueryOptions{})
	for _, e := range result.Entries {
		byType[e.EventType] = e.Details
		if e.EventType == EventSessionClosed {
			closedDuration = e.DurationMs
		}
	}

	if byType[EventSessionOpened] != "tab=t1" {
		t.Errorf("opened details = %q", byType[EventSessionOpened])
	}
	if !strings.Contains(byType[EventSessionClosed], "reason=remote") || !strings.Contains(byType[EventSessionClosed], "keepalive failed") {
		t.Errorf("closed details = %q", byType[EventSessionClosed])
	}
	if closedDuration < 3000 {
		t.Errorf("closed duration = %dms, want >= 3000", closedDuration)
	}
	if !strings.HasPrefix(byType[EventConnectFailed], "authentication: ") {
		t.Errorf("failed details = %q", byType[EventConnectFailed])
	}
	if _, ok := byType[EventConnectRateLimited]; !ok {
		t.Error("rate-limited connect not recorded")
	}
}

func TestObserver_ClientEvents(t *testing.T) {
	a := newTestAuditor(t)
	a.ClientConnected("client-1", "192.0.2.4")
	a.ClientDisconnected("client-1", 90*time.Second, 2)

	result, _ := a.Query(QueryOptions{ClientID: "client-1"})
	if result.Total != 2 {
		t.Fatalf("expected 2 entries, got %d", result.Total)
	}
	for _, e := range result.Entries {
		switch e.EventType {
		case EventClientConnected:
			if e.SourceIP != "192.0.2.4" {
				t.Errorf("SourceIP = %q", e.SourceIP)
			}
		case EventClientDisconnected:
			if e.Details != "closed_sessions=2" || e.DurationMs != 90000 {
				t.Errorf("unexpected disconnect entry %+v", e)
			}
		default:
			t.Errorf("unexpected event %s", e.EventType)
		}
	}
}

func TestLog_ConcurrentWrites(t *testing.T) {
	a := newTestAuditor(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.Log(AuditEntry{EventType: EventSessionOpened, ConnectionID: fmt.Sprintf("conn-%d", i)})
		}(i)
	}
	wg.Wait()

	if result, _ := a.Query(QueryOptions{}); result.Total != 20 {
		t.Errorf("expected 20 entries, got %d", result.Total)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
