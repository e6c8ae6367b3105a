// Package gateway serves the browser event channel over WebSocket.
//
// Each accepted socket becomes one client with its own id. Messages in both
// directions are JSON text frames of the form {"event": "...", "data": {...}}.
// Client events are dispatched to the session broker; broker events are
// queued on the owning client's outbound channel and written by a single
// writer goroutine, so per-client event order is the order of Emit calls.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/ssh-service/internal/logutil"
	"github.com/gluk-w/claworc/ssh-service/internal/netguard"
	"github.com/gluk-w/claworc/ssh-service/internal/registry"
	"github.com/gluk-w/claworc/ssh-service/internal/sshbroker"
	"github.com/gluk-w/claworc/ssh-service/internal/sshterminal"
	"github.com/google/uuid"
)

// Options tunes the client channel.
type Options struct {
	// PingInterval is how often the server pings each client; zero disables it.
	PingInterval time.Duration
	// PingTimeout is how long a ping may go unanswered before the client is dropped.
	PingTimeout time.Duration
	// MaxInputSize drops ssh:input payloads larger than this many bytes.
	MaxInputSize int
	// InputRateLimit is the per-client budget of input and resize messages per second.
	InputRateLimit int
	// OutboundQueue is the per-client event buffer.
	OutboundQueue int
	// Observer, if set, is told about every client that connects and leaves.
	Observer ClientObserver
}

const (
	readyMessage         = "SSH service ready"
	defaultOutboundQueue = 1024
	readLimitSlack       = 16 * 1024
)

// ClientObserver is told when client channels come and go.
type ClientObserver interface {
	ClientConnected(clientID, sourceIP string)
	ClientDisconnected(clientID string, connected time.Duration, closedSessions int)
}

type nopObserver struct{}

func (nopObserver) ClientConnected(string, string)                {}
func (nopObserver) ClientDisconnected(string, time.Duration, int) {}

// Gateway tracks connected clients and routes events between them and the broker.
type Gateway struct {
	opts     Options
	reg      *registry.Registry
	broker   *sshbroker.Broker
	observer ClientObserver

	mu      sync.RWMutex
	clients map[string]*client
	closing bool

	conns sync.WaitGroup
}

// New creates a gateway. Bind must be called before serving.
func New(reg *registry.Registry, opts Options) *Gateway {
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = defaultOutboundQueue
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = opts.PingInterval
	}
	var observer ClientObserver = nopObserver{}
	if opts.Observer != nil {
		observer = opts.Observer
	}
	return &Gateway{
		opts:     opts,
		reg:      reg,
		observer: observer,
		clients:  make(map[string]*client),
	}
}

// Bind attaches the broker that handles client requests.
func (g *Gateway) Bind(b *sshbroker.Broker) {
	g.broker = b
}

// Emit implements sshbroker.Clients.
func (g *Gateway) Emit(clientID string, ev sshbroker.Event) {
	g.mu.RLock()
	c, ok := g.clients[clientID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	c.enqueue(ev)
}

// Connected implements sshbroker.Clients.
func (g *Gateway) Connected(clientID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.clients[clientID]
	return ok
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// ServeHTTP upgrades the request and runs the client until either side goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.broker == nil {
		http.Error(w, "service not ready", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	if g.opts.MaxInputSize > 0 {
		conn.SetReadLimit(int64(g.opts.MaxInputSize)*2 + readLimitSlack)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClient(uuid.New().String(), conn, g.opts.OutboundQueue)
	if !g.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	g.conns.Add(1)
	defer g.conns.Done()
	defer g.remove(c)

	sourceIP := netguard.RemoteIP(r)
	log.Printf("[gateway] client %s connected from %s", c.id, logutil.SanitizeForLog(sourceIP))
	g.observer.ClientConnected(c.id, sourceIP)

	go c.writeLoop(ctx, cancel)
	if g.opts.PingInterval > 0 {
		go c.pingLoop(ctx, cancel, g.opts.PingInterval, g.opts.PingTimeout)
	}

	c.enqueue(sshbroker.Event{Name: sshbroker.EventReady, Data: sshbroker.ReadyPayload{
		Message:           readyMessage,
		ActiveConnections: g.reg.Size(),
	}})

	g.readLoop(ctx, c)
}

func (g *Gateway) readLoop(ctx context.Context, c *client) {
	var bucket *tokenBucket
	if g.opts.InputRateLimit > 0 {
		bucket = newTokenBucket(g.opts.InputRateLimit, g.opts.InputRateLimit)
	}

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				log.Printf("[gateway] client %s read: %v", c.id, err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[gateway] client %s sent malformed message: %v", c.id, err)
			continue
		}

		switch msg.Event {
		case sshbroker.EventConnect:
			var p connectPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				log.Printf("[gateway] client %s bad connect payload: %v", c.id, err)
				continue
			}
			go g.broker.OpenSession(ctx, p.Config, c.id, p.TabID)

		case sshbroker.EventInput:
			if bucket != nil && !bucket.allow() {
				continue
			}
			var p inputPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				continue
			}
			if g.opts.MaxInputSize > 0 && len(p.Input) > g.opts.MaxInputSize {
				log.Printf("[gateway] client %s input of %d bytes dropped", c.id, len(p.Input))
				continue
			}
			if g.broker.Owns(c.id, p.ConnectionID) {
				g.broker.SendInput(p.ConnectionID, []byte(p.Input))
			}

		case sshbroker.EventResize:
			if bucket != nil && !bucket.allow() {
				continue
			}
			var p resizePayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				continue
			}
			cols, rows := sshterminal.ClampGeometry(p.Cols, p.Rows)
			if g.broker.Owns(c.id, p.ConnectionID) {
				g.broker.Resize(p.ConnectionID, cols, rows)
			}

		case sshbroker.EventDisconnect:
			var p disconnectPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				continue
			}
			g.broker.CloseSessionFor(c.id, p.ConnectionID)

		default:
			log.Printf("[gateway] client %s sent unknown event %q", c.id, logutil.SanitizeForLog(msg.Event))
		}
	}
}

func (g *Gateway) add(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.clients[c.id] = c
	return true
}

// remove unroutes the client first so nothing new can be addressed to it,
// then closes every session it still owns.
func (g *Gateway) remove(c *client) {
	g.mu.Lock()
	delete(g.clients, c.id)
	g.mu.Unlock()
	c.shutdown()

	closed := g.broker.CloseAllForClient(c.id)
	log.Printf("[gateway] client %s disconnected (%d session(s) cleaned up)", c.id, closed)
	g.observer.ClientDisconnected(c.id, time.Since(c.connectedAt), closed)
}

// Close disconnects every client and waits for their cleanup, or for ctx.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		go c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
