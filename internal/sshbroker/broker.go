// Package sshbroker turns client connect requests into registered remote
// shell sessions and relays their output and lifecycle back to the owning
// client.
//
// Every session is opened on behalf of one client channel and one tab. The
// broker registers the session only after its shell channel is ready, and
// removes it exactly once: whichever of local close, remote close, transport
// failure or client cleanup gets there first wins, and only the winner emits
// the closed notification.
package sshbroker

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/gluk-w/claworc/ssh-service/internal/logutil"
	"github.com/gluk-w/claworc/ssh-service/internal/registry"
	"github.com/gluk-w/claworc/ssh-service/internal/sshterminal"
)

var (
	// ErrTabPending rejects a connect while another connect for the same
	// client and tab has not resolved yet.
	ErrTabPending = errors.New("session already pending for this tab")

	// ErrClientGone is returned when the requesting client disconnected
	// before its session became ready.
	ErrClientGone = errors.New("client disconnected before session was ready")

	// ErrShuttingDown rejects connects once Shutdown has been called.
	ErrShuttingDown = errors.New("service is shutting down")
)

// Clients delivers events to client channels.
type Clients interface {
	// Emit queues ev for clientID. Events for one client are delivered in
	// the order Emit is called; events for unknown clients are dropped.
	Emit(clientID string, ev Event)
	// Connected reports whether clientID still has a live channel.
	Connected(clientID string) bool
}

// Close reasons passed to Observer.SessionClosed.
const (
	CloseReasonClient     = "client"
	CloseReasonClientGone = "client_gone"
	CloseReasonRemote     = "remote"
)

// Observer is told how each connect attempt and session ended. Calls are
// made from broker goroutines and should return quickly.
type Observer interface {
	SessionOpened(h *sshterminal.Handle)
	SessionFailed(clientID, target string, err error)
	SessionClosed(h *sshterminal.Handle, reason string, err error)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(*sshterminal.Handle)                {}
func (nopObserver) SessionFailed(string, string, error)              {}
func (nopObserver) SessionClosed(*sshterminal.Handle, string, error) {}

type pendingKey struct {
	clientID string
	tabID    string
}

// Broker opens, relays and closes remote sessions.
type Broker struct {
	reg      *registry.Registry
	clients  Clients
	opts     sshterminal.Options
	limiter  *RateLimiter
	observer Observer

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	pending  map[pendingKey]struct{}
	stopping bool

	relays sync.WaitGroup
	// gates serializes a relay's output with CloseSession's closed event,
	// keyed by connection id while the relay runs.
	gates sync.Map
}

// New creates a broker that registers sessions in reg and reports to clients.
func New(reg *registry.Registry, clients Clients, opts sshterminal.Options) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		reg:      reg,
		clients:  clients,
		opts:     opts,
		limiter:  NewRateLimiter(),
		observer: nopObserver{},
		baseCtx:  ctx,
		cancel:   cancel,
		pending:  make(map[pendingKey]struct{}),
	}
}

// SetObserver installs o. It must be called before the first OpenSession.
func (b *Broker) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	b.observer = o
}

// RateLimiter returns the per-target connect limiter.
func (b *Broker) RateLimiter() *RateLimiter { return b.limiter }

// OpenSession establishes a session for clientID/tabID and returns its
// connection id. Progress and failure are reported to the client as events:
// connecting first, then either connected or a single error addressed by
// tabID. Nothing is registered when an error is returned.
func (b *Broker) OpenSession(ctx context.Context, req sshterminal.ConnectRequest, clientID, tabID string) (string, error) {
	key := pendingKey{clientID: clientID, tabID: tabID}
	if err := b.beginPending(key); err != nil {
		b.emitTabError(clientID, tabID, err)
		return "", err
	}
	defer b.endPending(key)

	norm, err := req.Normalize(b.opts.Defaults)
	if err != nil {
		failure := &sshterminal.Failure{Kind: sshterminal.KindInvalidRequest, Op: "invalid connect request", Err: err}
		b.emitTabError(clientID, tabID, failure)
		return "", failure
	}

	target := logutil.Target(norm.Username, norm.Host, norm.Port)
	b.clients.Emit(clientID, Event{Name: EventConnecting, Data: ConnectingPayload{TabID: tabID, Host: norm.Host}})

	if err := b.limiter.Allow(target); err != nil {
		log.Printf("[sshbroker] connect to %s rejected: %v", logutil.SanitizeForLog(target), err)
		b.observer.SessionFailed(clientID, target, err)
		b.emitTabError(clientID, tabID, err)
		return "", err
	}

	// Shutdown cancels baseCtx so in-flight dials stop promptly.
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.baseCtx, cancel)
	defer stop()

	h, err := sshterminal.Open(openCtx, norm, sshterminal.Owner{ClientID: clientID, TabID: tabID}, b.opts)
	if err != nil {
		switch sshterminal.KindOf(err) {
		case sshterminal.KindInvalidRequest, sshterminal.KindCanceled:
		default:
			b.limiter.RecordFailure(target)
		}
		log.Printf("[sshbroker] connect to %s for client %s failed: %v",
			logutil.SanitizeForLog(target), logutil.SanitizeForLog(clientID), err)
		b.observer.SessionFailed(clientID, target, err)
		b.emitTabError(clientID, tabID, err)
		return "", err
	}
	b.limiter.RecordSuccess(target)

	if err := b.reg.Register(h); err != nil {
		h.Close()
		b.emitTabError(clientID, tabID, err)
		return "", err
	}

	// The client or the process may have started tearing down while the
	// handshake was in flight. Their cleanup passes have either already seen
	// this entry or ran before it existed, so check again now that it does.
	if b.isStopping() || !b.clients.Connected(clientID) {
		if _, removed := b.reg.Remove(h.ConnectionID); removed {
			h.Close()
		}
		if b.isStopping() {
			return "", ErrShuttingDown
		}
		return "", ErrClientGone
	}

	b.clients.Emit(clientID, Event{Name: EventConnected, Data: ConnectedPayload{
		ConnectionID: h.ConnectionID,
		TabID:        tabID,
		Host:         h.Host,
		Username:     h.Username,
		Port:         h.Port,
	}})
	log.Printf("[sshbroker] session %s opened to %s for client %s tab %s",
		h.ConnectionID, logutil.SanitizeForLog(target), logutil.SanitizeForLog(clientID), logutil.SanitizeForLog(tabID))
	b.observer.SessionOpened(h)

	b.gates.Store(h.ConnectionID, &sync.Mutex{})
	b.relays.Add(1)
	go func() {
		defer b.relays.Done()
		defer b.gates.Delete(h.ConnectionID)
		b.relay(h)
	}()

	return h.ConnectionID, nil
}

// SendInput writes data to the session's stdin. Unknown ids are ignored.
func (b *Broker) SendInput(connectionID string, data []byte) {
	h, ok := b.reg.Lookup(connectionID)
	if !ok {
		return
	}
	if err := h.Write(data); err != nil && !errors.Is(err, sshterminal.ErrClosed) {
		log.Printf("[sshbroker] session %s input failed: %v", connectionID, err)
	}
}

// Resize changes the remote PTY geometry. Unknown ids are ignored.
func (b *Broker) Resize(connectionID string, cols, rows int) {
	h, ok := b.reg.Lookup(connectionID)
	if !ok {
		return
	}
	if err := h.Resize(cols, rows); err != nil && !errors.Is(err, sshterminal.ErrClosed) {
		log.Printf("[sshbroker] session %s resize failed: %v", connectionID, err)
	}
}

// CloseSession tears down a session and notifies its owner. Calling it again,
// or after the remote side closed, does nothing.
func (b *Broker) CloseSession(connectionID string) {
	unlock := b.lockOutput(connectionID)
	h, removed := b.reg.Remove(connectionID)
	if !removed {
		unlock()
		return
	}
	b.clients.Emit(h.ClientID, Event{Name: EventClosed, Data: ClosedPayload{ConnectionID: connectionID}})
	unlock()
	if err := h.Close(); err != nil {
		log.Printf("[sshbroker] session %s close: %v", connectionID, err)
	}
	log.Printf("[sshbroker] session %s closed by client", connectionID)
	b.observer.SessionClosed(h, CloseReasonClient, nil)
}

// CloseSessionFor closes connectionID only if clientID owns it.
func (b *Broker) CloseSessionFor(clientID, connectionID string) {
	h, ok := b.reg.Lookup(connectionID)
	if !ok || h.ClientID != clientID {
		return
	}
	b.CloseSession(connectionID)
}

// CloseAllForClient closes every session owned by clientID without emitting
// events; the client's channel is already gone. It returns how many sessions
// were closed.
func (b *Broker) CloseAllForClient(clientID string) int {
	closed := 0
	b.reg.ForEachOwnedBy(clientID, func(h *sshterminal.Handle) {
		if _, removed := b.reg.Remove(h.ConnectionID); !removed {
			return
		}
		if err := h.Close(); err != nil {
			log.Printf("[sshbroker] session %s close: %v", h.ConnectionID, err)
		}
		b.observer.SessionClosed(h, CloseReasonClientGone, nil)
		closed++
	})
	if closed > 0 {
		log.Printf("[sshbroker] closed %d session(s) for disconnected client %s", closed, logutil.SanitizeForLog(clientID))
	}
	return closed
}

// Owns reports whether clientID owns connectionID.
func (b *Broker) Owns(clientID, connectionID string) bool {
	h, ok := b.reg.Lookup(connectionID)
	return ok && h.ClientID == clientID
}

// Shutdown stops accepting connects and aborts the ones in flight. Live
// sessions are left to the caller, which drains the registry.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()
	b.cancel()
}

// Wait blocks until every relay goroutine has finished or ctx is done.
func (b *Broker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.relays.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lockOutput holds connectionID's output gate. Sessions without a running
// relay have nothing to serialize against.
func (b *Broker) lockOutput(connectionID string) func() {
	g, ok := b.gates.Load(connectionID)
	if !ok {
		return func() {}
	}
	mu := g.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (b *Broker) beginPending(key pendingKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		return ErrShuttingDown
	}
	if _, busy := b.pending[key]; busy {
		return ErrTabPending
	}
	b.pending[key] = struct{}{}
	return nil
}

func (b *Broker) endPending(key pendingKey) {
	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
}

func (b *Broker) isStopping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopping
}

func (b *Broker) emitTabError(clientID, tabID string, err error) {
	b.clients.Emit(clientID, Event{Name: EventError, Data: ErrorPayload{TabID: tabID, Error: err.Error()}})
}
