package sshterminal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultPort is used when a request carries no port.
	DefaultPort = 22

	// MaxCols and MaxRows bound PTY geometry from clients.
	MaxCols = 500
	MaxRows = 500

	// DefaultTimeout, DefaultTerminalType, DefaultCols and DefaultRows apply
	// when neither the request nor the configured Defaults say otherwise.
	DefaultTimeout      = 30 * time.Second
	DefaultTerminalType = "xterm-256color"
	DefaultCols         = 80
	DefaultRows         = 24

	maxTerminalTypeLen = 64
)

// AuthMode is the credential a request authenticates with.
type AuthMode int

const (
	AuthPassword AuthMode = iota
	AuthPrivateKey
	AuthAgent
)

func (m AuthMode) String() string {
	switch m {
	case AuthPassword:
		return "password"
	case AuthPrivateKey:
		return "key"
	case AuthAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// ConnectRequest is what a client sends to open a remote shell. Timeout is
// in milliseconds to match the browser's profile format.
type ConnectRequest struct {
	Host         string `json:"host"`
	Port         int    `json:"port,omitempty"`
	Username     string `json:"username"`
	Password     string `json:"password,omitempty"`
	PrivateKey   string `json:"privateKey,omitempty"`
	Passphrase   string `json:"passphrase,omitempty"`
	Timeout      int    `json:"timeout,omitempty"`
	TerminalType string `json:"terminalType,omitempty"`
	Cols         int    `json:"cols,omitempty"`
	Rows         int    `json:"rows,omitempty"`
}

// Defaults fill in whatever a request leaves out.
type Defaults struct {
	Timeout      time.Duration
	TerminalType string
	Cols         int
	Rows         int
}

// AuthMode reports which credential will be used. A private key wins over a
// password; with neither the ambient agent is tried.
func (r ConnectRequest) AuthMode() AuthMode {
	switch {
	case r.PrivateKey != "":
		return AuthPrivateKey
	case r.Password != "":
		return AuthPassword
	default:
		return AuthAgent
	}
}

// ConnectTimeout returns the request's timeout as a duration.
func (r ConnectRequest) ConnectTimeout() time.Duration {
	return time.Duration(r.Timeout) * time.Millisecond
}

// Normalize validates the request and returns a copy with defaults applied.
func (r ConnectRequest) Normalize(d Defaults) (ConnectRequest, error) {
	r.Host = strings.TrimSpace(r.Host)
	r.Username = strings.TrimSpace(r.Username)

	if r.Host == "" {
		return r, errors.New("host is required")
	}
	if strings.ContainsAny(r.Host, " /\\@") {
		return r, fmt.Errorf("invalid host %q", r.Host)
	}
	if r.Username == "" {
		return r, errors.New("username is required")
	}
	if r.Port == 0 {
		r.Port = DefaultPort
	}
	if r.Port < 1 || r.Port > 65535 {
		return r, fmt.Errorf("port %d out of range", r.Port)
	}
	if r.Passphrase != "" && r.PrivateKey == "" {
		return r, errors.New("passphrase supplied without a private key")
	}
	if r.Timeout < 0 {
		return r, fmt.Errorf("timeout %d must not be negative", r.Timeout)
	}
	if r.Timeout == 0 {
		r.Timeout = int(d.Timeout / time.Millisecond)
	}
	if r.Timeout == 0 {
		r.Timeout = int(DefaultTimeout / time.Millisecond)
	}

	if r.TerminalType == "" {
		r.TerminalType = d.TerminalType
	}
	if r.TerminalType == "" {
		r.TerminalType = DefaultTerminalType
	}
	if err := validateTerminalType(r.TerminalType); err != nil {
		return r, err
	}

	if r.Cols <= 0 {
		r.Cols = d.Cols
	}
	if r.Cols <= 0 {
		r.Cols = DefaultCols
	}
	if r.Rows <= 0 {
		r.Rows = d.Rows
	}
	if r.Rows <= 0 {
		r.Rows = DefaultRows
	}
	r.Cols, r.Rows = ClampGeometry(r.Cols, r.Rows)

	return r, nil
}

// ClampGeometry bounds cols and rows to [1, MaxCols] and [1, MaxRows].
func ClampGeometry(cols, rows int) (int, int) {
	return clamp(cols, 1, MaxCols), clamp(rows, 1, MaxRows)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func validateTerminalType(term string) error {
	if term == "" {
		return errors.New("terminal type is required")
	}
	if len(term) > maxTerminalTypeLen {
		return fmt.Errorf("terminal type too long (%d bytes)", len(term))
	}
	for _, c := range term {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == '+':
		default:
			return fmt.Errorf("terminal type %q contains forbidden character %q", term, string(c))
		}
	}
	return nil
}
