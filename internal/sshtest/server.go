// Package sshtest runs an in-process SSH server for tests.
//
// The server accepts password and public key authentication, serves a tiny
// line-oriented shell and records what it receives so tests can assert on
// stdin ordering, PTY geometry and connection teardown.
//
// Shell commands (one per line):
//
//	ls    -> "file1.txt\r\nfile2.txt\r\n"
//	size  -> "size:<cols>x<rows>\r\n"
//	warn  -> "warning: disk almost full\r\n" on stderr
//	exit  -> exit-status 0, channel closed
//	other -> "echo:<line>\r\n"
package sshtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gluk-w/claworc/ssh-service/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// Options configures the behaviour of a test server.
type Options struct {
	// User and Password enable password authentication.
	User     string
	Password string
	// AuthorizedKey enables public key authentication for User.
	AuthorizedKey ssh.PublicKey
	// RejectShell makes the server refuse "shell" requests.
	RejectShell bool
	// DropOnSession closes the TCP connection when a session channel is requested.
	DropOnSession bool
	// IgnoreGlobalRequests leaves keepalive requests unanswered.
	IgnoreGlobalRequests bool
	// NoHandshake accepts TCP connections but never speaks SSH.
	NoHandshake bool
	// IgnoreStdin starts the shell but never reads from it, so the
	// client's send window eventually fills.
	IgnoreStdin bool
}

// Geometry is a PTY size reported by the client.
type Geometry struct {
	Cols, Rows        uint32
	WidthPx, HeightPx uint32
	Term              string
}

// Server is a running test SSH server.
type Server struct {
	Addr string
	Host string
	Port int

	opts     Options
	listener net.Listener
	done     chan struct{}

	mu       sync.Mutex
	received bytes.Buffer
	geometry Geometry
	conns    map[net.Conn]struct{}
	accepted int
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := sshkeys.ParsePrivateKey(hostKeyPEM, "")
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	config := &ssh.ServerConfig{}
	if opts.Password != "" {
		config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == opts.User && string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		}
	}
	if opts.AuthorizedKey != nil {
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == opts.User && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(opts.AuthorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := &Server{
		Addr:     listener.Addr().String(),
		Host:     host,
		Port:     port,
		opts:     opts,
		listener: listener,
		done:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns[netConn] = struct{}{}
			s.accepted++
			s.mu.Unlock()
			go s.handleConnection(netConn, config)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Close stops the listener and drops every open connection.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	<-s.done
}

// DropConnections closes every open TCP connection without stopping the listener.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Received returns everything written to shell stdin so far.
func (s *Server) Received() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.String()
}

// Geometry returns the last PTY size seen by the server.
func (s *Server) Geometry() Geometry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geometry
}

// OpenConns returns the number of TCP connections still open.
func (s *Server) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Accepted returns the total number of TCP connections accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *Server) forget(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleConnection(netConn net.Conn, config *ssh.ServerConfig) {
	defer s.forget(netConn)
	defer netConn.Close()

	if s.opts.NoHandshake {
		buf := make([]byte, 256)
		for {
			if _, err := netConn.Read(buf); err != nil {
				return
			}
		}
	}

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if s.opts.IgnoreGlobalRequests {
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		if s.opts.DropOnSession {
			netConn.Close()
			return
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

type ptyRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var pty ptyRequest
			if err := ssh.Unmarshal(req.Payload, &pty); err == nil {
				s.mu.Lock()
				s.geometry = Geometry{
					Cols: pty.Columns, Rows: pty.Rows,
					WidthPx: pty.Width, HeightPx: pty.Height,
					Term: pty.Term,
				}
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 16 {
				s.mu.Lock()
				s.geometry.Cols = binary.BigEndian.Uint32(req.Payload[0:4])
				s.geometry.Rows = binary.BigEndian.Uint32(req.Payload[4:8])
				s.geometry.WidthPx = binary.BigEndian.Uint32(req.Payload[8:12])
				s.geometry.HeightPx = binary.BigEndian.Uint32(req.Payload[12:16])
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if s.opts.RejectShell {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			if !s.opts.IgnoreStdin {
				go s.runShell(ch)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runShell(ch ssh.Channel) {
	var line []byte
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.received.Write(buf[:n])
			s.mu.Unlock()

			for _, b := range buf[:n] {
				if b != '\n' {
					line = append(line, b)
					continue
				}
				cmd := strings.TrimRight(string(line), "\r")
				line = line[:0]
				if !s.runCommand(ch, cmd) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) runCommand(ch ssh.Channel, cmd string) bool {
	switch cmd {
	case "ls":
		ch.Write([]byte("file1.txt\r\nfile2.txt\r\n"))
	case "size":
		g := s.Geometry()
		ch.Write([]byte(fmt.Sprintf("size:%dx%d\r\n", g.Cols, g.Rows)))
	case "warn":
		ch.Stderr().Write([]byte("warning: disk almost full\r\n"))
	case "exit":
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
		ch.Close()
		return false
	default:
		ch.Write([]byte("echo:" + cmd + "\r\n"))
	}
	return true
}
