// Package netguard restricts which addresses the relay talks to: the remote
// hosts it dials and the browsers it accepts.
package netguard

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/gluk-w/claworc/ssh-service/internal/logutil"
)

// ErrNotAllowed is wrapped by every rejection.
var ErrNotAllowed = errors.New("address not in the allowed list")

// AllowList is a set of IP networks. A nil or empty list allows everything.
type AllowList struct {
	networks []*net.IPNet
}

// Parse parses a comma-separated list of IPs and CIDR ranges. Single IPs
// become /32 (IPv4) or /128 (IPv6) networks. Empty input returns an empty
// list, which allows all addresses.
func Parse(allowList string) (*AllowList, error) {
	l := &AllowList{}
	allowList = strings.TrimSpace(allowList)
	if allowList == "" {
		return l, nil
	}

	for _, part := range strings.Split(allowList, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			l.networks = append(l.networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		var mask net.IPMask
		if ip.To4() != nil {
			ip = ip.To4()
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		l.networks = append(l.networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}

	return l, nil
}

// Empty reports whether the list allows every address.
func (l *AllowList) Empty() bool {
	return l == nil || len(l.networks) == 0
}

// String returns the normalized list.
func (l *AllowList) String() string {
	if l.Empty() {
		return ""
	}
	parts := make([]string, len(l.networks))
	for i, n := range l.networks {
		parts[i] = n.String()
	}
	return strings.Join(parts, ", ")
}

// Contains reports whether ip falls inside the list.
func (l *AllowList) Contains(ip net.IP) bool {
	if l.Empty() {
		return true
	}
	for _, network := range l.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Check verifies addr, either a bare IP or host:port with a literal IP.
func (l *AllowList) Check(addr string) error {
	if l.Empty() {
		return nil
	}
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("connection blocked: could not parse address %q: %w", logutil.SanitizeForLog(addr), ErrNotAllowed)
	}
	if !l.Contains(ip) {
		return fmt.Errorf("connection blocked: %s: %w", ip, ErrNotAllowed)
	}
	return nil
}

// DialControl is a net.Dialer Control function. It runs after name
// resolution, so the check applies to the address actually dialed.
func (l *AllowList) DialControl(network, address string, _ syscall.RawConn) error {
	return l.Check(address)
}

// Middleware rejects requests whose remote address is outside the list with
// 403. Put it after chi's RealIP middleware when running behind a proxy.
func (l *AllowList) Middleware(next http.Handler) http.Handler {
	if l.Empty() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := l.Check(r.RemoteAddr); err != nil {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RemoteIP returns the request's remote address without the port.
func RemoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
