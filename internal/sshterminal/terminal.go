// Package sshterminal opens interactive shells on remote hosts.
//
// A Handle owns one SSH transport and the single PTY-backed shell channel
// opened over it. Handles move through Connecting -> Ready -> Closed|Failed;
// the terminal transition happens exactly once no matter how many close
// signals arrive from the channel, the transport or the caller.
package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/ssh-service/internal/logutil"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

const (
	// ReferenceWidthPx and ReferenceHeightPx are sent with every window
	// change; the browser only tracks character geometry.
	ReferenceWidthPx  = 640
	ReferenceHeightPx = 480

	// MaxPendingInput bounds the stdin bytes waiting on a remote that has
	// stopped reading. Past it the handle fails instead of stalling callers.
	MaxPendingInput = 1 << 20
)

// State is the lifecycle state of a Handle.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options holds the per-process transport settings.
type Options struct {
	Defaults Defaults
	// KeepaliveInterval is the probe period; zero disables probing.
	KeepaliveInterval time.Duration
	// KeepaliveCountMax consecutive missed probes mark the transport dead.
	KeepaliveCountMax int
	HostKeyCallback   ssh.HostKeyCallback
	AgentSocket       string
	// DialControl, when set, vets the resolved address before connecting.
	DialControl func(network, address string, c syscall.RawConn) error
}

// Owner identifies the client channel and tab a session belongs to.
type Owner struct {
	ClientID string
	TabID    string
}

// Handle is one established SSH transport plus its interactive shell channel.
type Handle struct {
	ConnectionID string
	ClientID     string
	TabID        string
	Host         string
	Port         int
	Username     string
	CreatedAt    time.Time

	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	inputMu      sync.Mutex
	inputQueue   [][]byte
	inputPending int
	inputReady   chan struct{}
	closed       chan struct{}

	mu    sync.Mutex
	state State
	err   error
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

// Open dials the remote host, authenticates and starts a PTY shell. The whole
// sequence is bounded by the request timeout; on any failure every resource
// acquired so far is released and a *Failure is returned.
func Open(ctx context.Context, req ConnectRequest, owner Owner, opts Options) (*Handle, error) {
	req, err := req.Normalize(opts.Defaults)
	if err != nil {
		return nil, newFailure(KindInvalidRequest, "invalid connect request", err)
	}

	auth, authCloser, err := authMethods(req, opts.AgentSocket)
	if err != nil {
		return nil, err
	}
	defer authCloser.Close()

	hostKeyCallback := opts.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	timeout := req.ConnectTimeout()
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	target := logutil.Target(req.Username, req.Host, req.Port)

	dialer := net.Dialer{Control: opts.DialControl}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(parent, timeout, "connecting to", addr)
		}
		return nil, newFailure(KindTransport, "ssh connection error", err)
	}

	// Closing the socket is the only way to interrupt a handshake or a
	// channel request that is waiting on the peer.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })

	h, err := establish(netConn, addr, req, auth, hostKeyCallback)
	if !stop() {
		if err == nil {
			h.release()
		}
		return nil, interrupted(parent, timeout, "waiting for", addr)
	}
	if err != nil {
		netConn.Close()
		log.Printf("[sshterminal] open %s failed: %v", target, err)
		return nil, err
	}

	h.ConnectionID = uuid.New().String()
	h.ClientID = owner.ClientID
	h.TabID = owner.TabID
	h.CreatedAt = time.Now()
	h.setState(StateReady)

	go h.writeInput()
	go h.keepalive(opts.KeepaliveInterval, opts.KeepaliveCountMax)

	log.Printf("[sshterminal] session %s ready (%s, %s %dx%d)", h.ConnectionID, target, req.TerminalType, req.Cols, req.Rows)
	return h, nil
}

// interrupted reports why the connect context ended: the caller went away
// (parent cancelled) or the connect timeout elapsed.
func interrupted(parent context.Context, timeout time.Duration, doing, addr string) *Failure {
	if err := parent.Err(); err != nil {
		return newFailure(KindCanceled, "ssh connection error", fmt.Errorf("canceled while %s %s: %w", doing, addr, err))
	}
	return newFailure(KindTimeout, "ssh connection error", fmt.Errorf("timed out after %s %s %s", timeout, doing, addr))
}

func establish(netConn net.Conn, addr string, req ConnectRequest, auth []ssh.AuthMethod, hostKeyCallback ssh.HostKeyCallback) (*Handle, error) {
	cfg := &ssh.ClientConfig{
		User:            req.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, newFailure(KindAuthentication, "authentication failed", err)
		}
		return nil, newFailure(KindTransport, "ssh connection error", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	h := &Handle{
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		client:     client,
		closed:     make(chan struct{}),
		inputReady: make(chan struct{}, 1),
		state:      StateConnecting,
	}

	if err := h.startShell(req); err != nil {
		client.Close()
		return nil, newFailure(KindChannel, "failed to create shell", err)
	}
	return h, nil
}

func (h *Handle) startShell(req ConnectRequest) error {
	session, err := h.client.NewSession()
	if err != nil {
		return fmt.Errorf("open session channel: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(req.TerminalType, req.Rows, req.Cols, modes); err != nil {
		session.Close()
		return fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return fmt.Errorf("start shell: %w", err)
	}

	h.session = session
	h.stdin = stdin
	h.stdout = stdout
	h.stderr = stderr
	return nil
}

// Stdout returns the shell's main output stream.
func (h *Handle) Stdout() io.Reader { return h.stdout }

// Stderr returns the shell's extended (diagnostic) output stream.
func (h *Handle) Stderr() io.Reader { return h.stderr }

// Done is closed once the handle reaches Closed or Failed.
func (h *Handle) Done() <-chan struct{} { return h.closed }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the transport error that failed the handle, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Write queues p for the shell's stdin and returns without waiting for the
// remote. Bytes reach the remote in the order Write was called. If more than
// MaxPendingInput bytes are still undelivered the handle fails with
// ErrInputBacklog.
func (h *Handle) Write(p []byte) error {
	select {
	case <-h.closed:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(p))
	copy(buf, p)

	h.inputMu.Lock()
	if h.inputPending+len(buf) > MaxPendingInput {
		pending := h.inputPending
		h.inputMu.Unlock()
		err := fmt.Errorf("%w: %d bytes not yet read by the remote", ErrInputBacklog, pending)
		log.Printf("[sshterminal] session %s: %v", h.ConnectionID, err)
		// Tearing down writes to the peer; keep that off the caller.
		go h.fail(err)
		return err
	}
	h.inputQueue = append(h.inputQueue, buf)
	h.inputPending += len(buf)
	h.inputMu.Unlock()

	select {
	case h.inputReady <- struct{}{}:
	default:
	}
	return nil
}

// writeInput is the only writer of stdin.
func (h *Handle) writeInput() {
	for {
		select {
		case <-h.closed:
			return
		case <-h.inputReady:
		}
		for {
			h.inputMu.Lock()
			if len(h.inputQueue) == 0 {
				h.inputMu.Unlock()
				break
			}
			p := h.inputQueue[0]
			h.inputQueue[0] = nil
			h.inputQueue = h.inputQueue[1:]
			h.inputMu.Unlock()

			if _, err := h.stdin.Write(p); err != nil {
				log.Printf("[sshterminal] session %s stdin write failed: %v", h.ConnectionID, err)
				return
			}

			h.inputMu.Lock()
			h.inputPending -= len(p)
			h.inputMu.Unlock()
		}
	}
}

// Resize tells the remote PTY about new character geometry.
func (h *Handle) Resize(cols, rows int) error {
	if h.State() != StateReady {
		return ErrClosed
	}
	cols, rows = ClampGeometry(cols, rows)
	_, err := h.session.SendRequest("window-change", false, ssh.Marshal(&windowChangeMsg{
		Columns: uint32(cols),
		Rows:    uint32(rows),
		Width:   ReferenceWidthPx,
		Height:  ReferenceHeightPx,
	}))
	if err != nil {
		return fmt.Errorf("window change: %w", err)
	}
	return nil
}

// Close ends the channel and the transport. It is safe to call repeatedly
// and concurrently; only the first call releases anything.
func (h *Handle) Close() error {
	return h.shutdown(StateClosed, nil)
}

func (h *Handle) fail(cause error) {
	h.shutdown(StateFailed, cause)
}

func (h *Handle) shutdown(final State, cause error) error {
	h.mu.Lock()
	if h.state == StateClosed || h.state == StateFailed {
		h.mu.Unlock()
		return nil
	}
	h.state = final
	h.err = cause
	h.mu.Unlock()

	return h.release()
}

func (h *Handle) release() error {
	select {
	case <-h.closed:
	default:
		close(h.closed)
	}

	var firstErr error
	if h.stdin != nil {
		h.stdin.Close()
	}
	if h.session != nil {
		if err := h.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			firstErr = fmt.Errorf("close channel: %w", err)
		}
	}
	if err := h.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) && firstErr == nil {
		firstErr = fmt.Errorf("close transport: %w", err)
	}
	return firstErr
}
