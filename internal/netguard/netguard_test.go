package netguard

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// --- Parse tests ---

func TestParse_Empty(t *testing.T) {
	l, err := Parse("  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.Empty() {
		t.Error("expected empty list")
	}
	if err := l.Check("203.0.113.9:22"); err != nil {
		t.Errorf("empty list should allow everything, got %v", err)
	}
}

func TestParse_Normalizes(t *testing.T) {
	l, err := Parse("10.0.0.1, 192.168.1.7/24,,2001:db8::1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.String(); got != "10.0.0.1/32, 192.168.1.0/24, 2001:db8::1/128" {
		t.Errorf("String() = %q", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"10.0.0.256", "10.0.0.0/33", "example.com", "10.0.0.1,nope"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

// --- Check tests ---

func TestCheck(t *testing.T) {
	l, err := Parse("10.0.0.0/8, 127.0.0.1, ::1")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		addr  string
		allow bool
	}{
		{"10.1.2.3", true},
		{"10.1.2.3:22", true},
		{"127.0.0.1:2222", true},
		{"[::1]:22", true},
		{"127.0.0.2", false},
		{"192.168.0.1:22", false},
		{"[2001:db8::1]:22", false},
		{"not-an-ip:22", false},
	}
	for _, tt := range tests {
		err := l.Check(tt.addr)
		if tt.allow && err != nil {
			t.Errorf("Check(%q) = %v, want allowed", tt.addr, err)
		}
		if !tt.allow {
			if err == nil {
				t.Errorf("Check(%q) allowed, want blocked", tt.addr)
			} else if !errors.Is(err, ErrNotAllowed) {
				t.Errorf("Check(%q) = %v, want ErrNotAllowed", tt.addr, err)
			}
		}
	}
}

func TestCheck_SanitizesAddress(t *testing.T) {
	l, _ := Parse("10.0.0.1")
	err := l.Check("bad\nhost")
	if err == nil || strings.Contains(err.Error(), "\n") {
		t.Errorf("expected sanitized rejection, got %q", err)
	}
}

// --- DialControl tests ---

func TestDialControl(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	blocked, _ := Parse("10.0.0.0/8")
	d := net.Dialer{Control: blocked.DialControl}
	if _, err := d.Dial("tcp", ln.Addr().String()); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("expected dial to be blocked, got %v", err)
	}

	allowed, _ := Parse("127.0.0.0/8")
	d = net.Dialer{Control: allowed.DialControl}
	conn, err := d.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("expected dial to succeed, got %v", err)
	}
	conn.Close()
}

// --- Middleware tests ---

func TestMiddleware(t *testing.T) {
	l, _ := Parse("192.0.2.0/24")
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "192.0.2.10:51234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("allowed client: expected 204, got %d", w.Code)
	}

	r.RemoteAddr = "198.51.100.1:51234"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("blocked client: expected 403, got %d", w.Code)
	}

	// RealIP leaves a bare IP in RemoteAddr.
	r.RemoteAddr = "192.0.2.99"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("bare IP: expected 204, got %d", w.Code)
	}
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "[2001:db8::5]:443"
	if got := RemoteIP(r); got != "2001:db8::5" {
		t.Errorf("RemoteIP = %q", got)
	}
	r.RemoteAddr = "192.0.2.1"
	if got := RemoteIP(r); got != "192.0.2.1" {
		t.Errorf("RemoteIP = %q", got)
	}
}
