package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/claworc/ssh-service/internal/sshbroker"
	"github.com/gluk-w/claworc/ssh-service/internal/sshterminal"
)

const writeTimeout = 10 * time.Second

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type connectPayload struct {
	Config sshterminal.ConnectRequest `json:"config"`
	TabID  string                     `json:"tabId"`
}

type inputPayload struct {
	ConnectionID string `json:"connectionId"`
	Input        string `json:"input"`
}

type resizePayload struct {
	ConnectionID string `json:"connectionId"`
	Cols         int    `json:"cols"`
	Rows         int    `json:"rows"`
}

type disconnectPayload struct {
	ConnectionID string `json:"connectionId"`
}

type client struct {
	id          string
	conn        *websocket.Conn
	out         chan sshbroker.Event
	connectedAt time.Time

	done     chan struct{}
	doneOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, queue int) *client {
	return &client{
		id:          id,
		conn:        conn,
		out:         make(chan sshbroker.Event, queue),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// enqueue blocks while the outbound queue is full so that a slow browser
// slows down the relays feeding it instead of losing output.
func (c *client) enqueue(ev sshbroker.Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- ev:
	case <-c.done:
	}
}

func (c *client) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// writeLoop is the only writer of c.conn. Once it stops, nothing can be
// delivered, so it releases anyone blocked in enqueue.
func (c *client) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.out:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, outbound{Event: ev.Name, Data: ev.Data})
			wcancel()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[gateway] client %s write: %v", c.id, err)
				}
				return
			}
		}
	}
}

func (c *client) pingLoop(ctx context.Context, cancel context.CancelFunc, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, timeout)
			err := c.conn.Ping(pctx)
			pcancel()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[gateway] client %s ping failed: %v", c.id, err)
				}
				cancel()
				return
			}
		}
	}
}

type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	refill := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.refillRate))
	if refill > 0 {
		tb.tokens += refill
		tb.lastRefill = now
	}
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
