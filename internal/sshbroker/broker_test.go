package sshbroker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/ssh-service/internal/logutil"
	"github.com/gluk-w/claworc/ssh-service/internal/registry"
	"github.com/gluk-w/claworc/ssh-service/internal/sshterminal"
	"github.com/gluk-w/claworc/ssh-service/internal/sshtest"
)

// fakeClients records every emitted event per client.
type fakeClients struct {
	mu     sync.Mutex
	events map[string][]Event
	gone   map[string]bool
}

func newFakeClients() *fakeClients {
	return &fakeClients{events: map[string][]Event{}, gone: map[string]bool{}}
}

func (f *fakeClients) Emit(clientID string, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[clientID] {
		return
	}
	f.events[clientID] = append(f.events[clientID], ev)
}

func (f *fakeClients) Connected(clientID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.gone[clientID]
}

func (f *fakeClients) disconnect(clientID string) {
	f.mu.Lock()
	f.gone[clientID] = true
	f.mu.Unlock()
}

func (f *fakeClients) all(clientID string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events[clientID]...)
}

func (f *fakeClients) named(clientID, name string) []Event {
	var out []Event
	for _, ev := range f.all(clientID) {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeClients) output(clientID, connectionID string) string {
	var sb strings.Builder
	for _, ev := range f.named(clientID, EventData) {
		if p := ev.Data.(DataPayload); p.ConnectionID == connectionID {
			sb.WriteString(p.Data)
		}
	}
	return sb.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestBroker(t *testing.T) (*Broker, *fakeClients, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	clients := newFakeClients()
	b := New(reg, clients, sshterminal.Options{
		Defaults: sshterminal.Defaults{Timeout: 5 * time.Second, TerminalType: "xterm-256color", Cols: 80, Rows: 24},
	})
	t.Cleanup(func() {
		b.Shutdown()
		for _, h := range reg.Drain() {
			h.Close()
		}
	})
	return b, clients, reg
}

func newServer(t *testing.T, opts sshtest.Options) (*sshtest.Server, sshterminal.ConnectRequest) {
	t.Helper()
	opts.User = "u"
	opts.Password = "p"
	srv := sshtest.NewServer(t, opts)
	return srv, sshterminal.ConnectRequest{Host: srv.Host, Port: srv.Port, Username: "u", Password: "p"}
}

func TestOpenSession_EndToEnd(t *testing.T) {
	b, clients, reg := newTestBroker(t)
	srv, req := newServer(t, sshtest.Options{})

	id, err := b.OpenSession(context.Background(), req, "c1", "tab-1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	events := clients.all("c1")
	if len(events) < 2 || events[0].Name != EventConnecting || events[1].Name != EventConnected {
		t.Fatalf("expected connecting then connected, got %+v", events)
	}
	connecting := events[0].Data.(ConnectingPayload)
	if connecting.TabID != "tab-1" || connecting.Host != srv.Host {
		t.Errorf("unexpected connecting payload %+v", connecting)
	}
	connected := events[1].Data.(ConnectedPayload)
	if connected.ConnectionID != id || connected.TabID != "tab-1" || connected.Username != "u" || connected.Port != srv.Port {
		t.Errorf("unexpected connected payload %+v", connected)
	}
	if _, ok := reg.Lookup(id); !ok {
		t.Fatal("session not registered")
	}

	b.SendInput(id, []byte("ls\n"))
	waitFor(t, "ls output", func() bool { return strings.Contains(clients.output("c1", id), "file2.txt") })

	before := len(clients.all("c1"))
	b.Resize(id, 100, 40)
	waitFor(t, "resize", func() bool {
		g := srv.Geometry()
		return g.Cols == 100 && g.Rows == 40
	})
	if after := len(clients.all("c1")); after != before {
		t.Errorf("resize emitted %d events", after-before)
	}

	b.CloseSession(id)
	if _, ok := reg.Lookup(id); ok {
		t.Error("session still registered after close")
	}
	waitFor(t, "transport closed", func() bool { return srv.OpenConns() == 0 })
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := len(clients.named("c1", EventClosed)); n != 1 {
		t.Errorf("expected exactly one closed event, got %d", n)
	}
}

func TestOpenSession_BadCredentials(t *testing.T) {
	b, clients, reg := newTestBroker(t)
	_, req := newServer(t, sshtest.Options{})
	req.Password = "nope"

	_, err := b.OpenSession(context.Background(), req, "c1", "tab-9")
	if sshterminal.KindOf(err) != sshterminal.KindAuthentication {
		t.Fatalf("expected authentication failure, got %v", err)
	}
	if reg.Size() != 0 {
		t.Errorf("registry has %d entries after failure", reg.Size())
	}
	errs := clients.named("c1", EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	p := errs[0].Data.(ErrorPayload)
	if p.TabID != "tab-9" || p.ConnectionID != "" || p.Error == "" {
		t.Errorf("unexpected error payload %+v", p)
	}
	if len(clients.named("c1", EventConnected)) != 0 {
		t.Error("connected must not be emitted on failure")
	}
}

func TestOpenSession_InvalidRequest(t *testing.T) {
	b, clients, _ := newTestBroker(t)

	_, err := b.OpenSession(context.Background(), sshterminal.ConnectRequest{Username: "u"}, "c1", "tab-1")
	if sshterminal.KindOf(err) != sshterminal.KindInvalidRequest {
		t.Fatalf("expected invalid request, got %v", err)
	}
	events := clients.all("c1")
	if len(events) != 1 || events[0].Name != EventError {
		t.Errorf("expected a single error event, got %+v", events)
	}
}

func TestCloseSession_Idempotent(t *testing.T) {
	b, clients, _ := newTestBroker(t)
	_, req := newServer(t, sshtest.Options{})

	id, err := b.OpenSession(context.Background(), req, "c1", "tab-1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	b.CloseSession(id)
	b.CloseSession(id)
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := len(clients.named("c1", EventClosed)); n != 1 {
		t.Errorf("expected one closed event, got %d", n)
	}
}

func TestRemoteExit_EmitsClosedOnce(t *testing.T) {
	b, clients, reg := newTestBroker(t)
	_, req := newServer(t, sshtest.Options{})

	id, err := b.OpenSession(context.Background(), req, "c1", "tab-1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	b.SendInput(id, []byte("exit\n"))

	waitFor(t, "closed event", func() bool { return len(clients.named("c1", EventClosed)) == 1 })
	if _, ok := reg.Lookup(id); ok {
		t.Error("session still registered after remote exit")
	}
	b.CloseSession(id)
	if n := len(clients.named("c1", EventClosed)); n != 1 {
		t.Errorf("expected one closed event, got %d", n)
	}
}

func TestTransportDrop_EmitsClosed(t *testing.T) {
	b, clients, reg := newTestBroker(t)
	srv, req := newServer(t, sshtest.Options{})

	id, err := b.OpenSession(context.Background(), req, "c1", "tab-1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	srv.DropConnections()

	waitFor(t, "closed event", func() bool { return len(clients.named("c1", EventClosed)) == 1 })
	if _, ok := reg.Lookup(id); ok {
		t.Error("session still registered after transport drop")
	}
}

func TestStderrForwardedAsError(t *testing.T) {
	b, clients, _ := newTestBroker(t)
	_, req := newServer(t, sshtest.Options{})

	id, err := b.OpenSession(context.Background(), req, "c1", "tab-1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	b.SendInput(id, []byte("warn\n"))

	waitFor(t, "stderr error event", func() bool {
		for _, ev := range clients.named("c1", EventError) {
			p := ev.Data.(ErrorPayload)
			if p.ConnectionID == id && strings.Contains(p.Error, "disk almost full") {
				return true
			}
		}
		return false
	})
	if strings.Contains(clients.output("c1", id), "disk almost full") {
		t.Error("stderr must not be merged into the data stream")
	}
}

func TestInputOrdering(t *testing.T) {
	b, _, _ := newTestBroker(t)
	srv, req := newServer(t, sshtest.Options{})

	id, err := b.OpenSession(context.Background(), req, "c1", "tab-1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	b.SendInput(id, []byte("a"))
	b.SendInput(id, []byte("b"))
	b.SendInput(id, []byte("c"))

	waitFor(t, "ordered input", func() bool { return srv.Received() == "abc" })
}

func TestUnknownConnectionIgnored(t *testing.T) {
	b, clients, _ := newTestBroker(t)

	b.SendInput("missing", []byte("x"))
	b.Resize("missing", 10, 10)
	b.CloseSession("missing")
	b.CloseSessionFor("c1", "missing")

	if n := len(clients.all("c1")); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestIsolation(t *testing.T) {
	b, clients, _ := newTestBroker(t)
	_, req := newServer(t, sshtest.Options{})

	idA, err := b.OpenSession(context.Background(), req, "client-a", "tab")
	if err != nil {
		t.Fatalf("OpenSession a: %v", err)
	}
	idB, err := b.OpenSession(context.Background(), req, "client-b", "tab")
	if err != nil {
		t.Fatalf("OpenSession b: %v", err)
	}

	b.SendInput(idA, []byte("hello-a\n"))
	waitFor(t, "echo on a", func() bool { return strings.Contains(clients.output("client-a", idA), "echo:hello-a") })

	for _, ev := range clients.all("client-b") {
		if p, ok := ev.Data.(DataPayload); ok && p.ConnectionID == idA {
			t.Fatalf("client-b received data for %s", idA)
		}
	}

	b.CloseSessionFor("client-b", idA)
	if !b.Owns("client-a", idA) {
		t.Error("client-b must not be able to close client-a's session")
	}
	if b.Owns("client-a", idB) {
		t.Error("Owns reported the wrong owner")
	}
}

func TestCloseAllForClient(t *testing.T) {
	b, clients, reg := newTestBroker(t)
	srv, req := newServer(t, sshtest.Options{})

	const n = 4
	for i := 0; i < n; i++ {
		if _, err := b.OpenSession(context.Background(), req, "c1", fmt.Sprintf("tab-%d", i)); err != nil {
			t.Fatalf("OpenSession %d: %v", i, err)
		}
	}
	if _, err := b.OpenSession(context.Background(), req, "c2", "tab"); err != nil {
		t.Fatalf("OpenSession c2: %v", err)
	}

	clients.disconnect("c1")
	if closed := b.CloseAllForClient("c1"); closed != n {
		t.Errorf("closed %d sessions, want %d", closed, n)
	}
	if reg.Size() != 1 {
		t.Errorf("registry size %d, want 1", reg.Size())
	}
	waitFor(t, "transports closed", func() bool { return srv.OpenConns() == 1 })
}

func TestOpenSession_ClientGoneDuringConnect(t *testing.T) {
	b, clients, reg := newTestBroker(t)
	srv, req := newServer(t, sshtest.Options{})

	clients.disconnect("c1")
	_, err := b.OpenSession(context.Background(), req, "c1", "tab-1")
	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("expected ErrClientGone, got %v", err)
	}
	if reg.Size() != 0 {
		t.Errorf("registry size %d, want 0", reg.Size())
	}
	waitFor(t, "transport closed", func() bool { return srv.OpenConns() == 0 })
}

func TestOpenSession_PendingTab(t *testing.T) {
	b, clients, _ := newTestBroker(t)
	_, req := newServer(t, sshtest.Options{NoHandshake: true})
	req.Timeout = 500

	first := make(chan error, 1)
	go func() {
		_, err := b.OpenSession(context.Background(), req, "c1", "tab-1")
		first <- err
	}()
	waitFor(t, "first connect to be pending", func() bool { return len(clients.named("c1", EventConnecting)) == 1 })

	_, err := b.OpenSession(context.Background(), req, "c1", "tab-1")
	if !errors.Is(err, ErrTabPending) {
		t.Fatalf("expected ErrTabPending, got %v", err)
	}

	if err := <-first; sshterminal.KindOf(err) != sshterminal.KindTimeout {
		t.Errorf("expected first connect to time out, got %v", err)
	}

	var pendingErrs int
	for _, ev := range clients.named("c1", EventError) {
		if ev.Data.(ErrorPayload).Error == ErrTabPending.Error() {
			pendingErrs++
		}
	}
	if pendingErrs != 1 {
		t.Errorf("expected one pending-tab error, got %d", pendingErrs)
	}
}

func TestOpenSession_RateLimited(t *testing.T) {
	b, clients, _ := newTestBroker(t)
	_, req := newServer(t, sshtest.Options{})
	req.Password = "wrong"

	for i := 0; i < rateLimitFailureThreshold; i++ {
		b.OpenSession(context.Background(), req, "c1", "tab")
	}

	_, err := b.OpenSession(context.Background(), req, "c1", "tab")
	var rl *ErrRateLimited
	if !errors.As(err, &rl) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	last := clients.named("c1", EventError)
	if p := last[len(last)-1].Data.(ErrorPayload); !strings.Contains(p.Error, "too many connection attempts") {
		t.Errorf("unexpected error payload %+v", p)
	}
}

func TestShutdownRejectsConnects(t *testing.T) {
	b, _, _ := newTestBroker(t)
	_, req := newServer(t, sshtest.Options{})

	b.Shutdown()
	if _, err := b.OpenSession(context.Background(), req, "c1", "tab"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(ev string) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) SessionOpened(h *sshterminal.Handle) { o.add("opened:" + h.ClientID) }

func (o *recordingObserver) SessionFailed(clientID, target string, err error) {
	o.add("failed:" + clientID)
}

func (o *recordingObserver) SessionClosed(h *sshterminal.Handle, reason string, err error) {
	o.add("closed:" + reason)
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func TestObserver(t *testing.T) {
	b, _, _ := newTestBroker(t)
	obs := &recordingObserver{}
	b.SetObserver(obs)
	_, req := newServer(t, sshtest.Options{})

	id, err := b.OpenSession(context.Background(), req, "c1", "t1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	b.CloseSession(id)

	if _, err := b.OpenSession(context.Background(), req, "c2", "t1"); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	b.CloseAllForClient("c2")

	id, err = b.OpenSession(context.Background(), req, "c3", "t1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	b.SendInput(id, []byte("exit\n"))
	waitFor(t, "remote close", func() bool { return len(obs.snapshot()) == 6 })

	bad := req
	bad.Password = "wrong"
	b.OpenSession(context.Background(), bad, "c4", "t1")

	want := "opened:c1,closed:client,opened:c2,closed:client_gone,opened:c3,closed:remote,failed:c4"
	if got := strings.Join(obs.snapshot(), ","); got != want {
		t.Errorf("observer saw %s, want %s", got, want)
	}
}

func TestCompletePrefix(t *testing.T) {
	euro := []byte("€") // 3 bytes
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"ascii", []byte("abc"), 3},
		{"empty", nil, 0},
		{"complete multibyte", append([]byte("a"), euro...), 4},
		{"one byte of three", append([]byte("a"), euro[0]), 1},
		{"two bytes of three", append([]byte("a"), euro[:2]...), 1},
		{"only partial", euro[:2], 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := completePrefix(tt.in); got != tt.want {
				t.Errorf("completePrefix(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestSendInput_RemoteNotReading(t *testing.T) {
	b, clients, reg := newTestBroker(t)
	_, req := newServer(t, sshtest.Options{IgnoreStdin: true})

	id, err := b.OpenSession(context.Background(), req, "c1", "tab")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	chunk := []byte(strings.Repeat("x", 64*1024))
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i < 400; i++ {
			b.SendInput(id, chunk)
		}
	}()
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("SendInput blocked while the remote was not reading")
	}

	waitFor(t, "session torn down", func() bool { return len(clients.named("c1", EventClosed)) == 1 })
	if reg.Size() != 0 {
		t.Errorf("registry size = %d, want 0", reg.Size())
	}
	var backlog bool
	for _, ev := range clients.named("c1", EventError) {
		if p := ev.Data.(ErrorPayload); p.ConnectionID == id && strings.Contains(p.Error, sshterminal.ErrInputBacklog.Error()) {
			backlog = true
		}
	}
	if !backlog {
		t.Errorf("expected an input backlog error for %s, got %+v", id, clients.named("c1", EventError))
	}
}

func TestOpenSession_CanceledNotCountedAsFailure(t *testing.T) {
	b, clients, _ := newTestBroker(t)
	srv, req := newServer(t, sshtest.Options{NoHandshake: true})
	target := logutil.Target(req.Username, req.Host, req.Port)

	for i := 0; i < rateLimitFailureThreshold; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)
		_, err := b.OpenSession(ctx, req, "c1", fmt.Sprintf("tab-%d", i))
		cancel()
		if kind := sshterminal.KindOf(err); kind != sshterminal.KindCanceled {
			t.Fatalf("attempt %d: expected kind %s, got %s (%v)", i, sshterminal.KindCanceled, kind, err)
		}
	}

	b.limiter.mu.Lock()
	state := b.limiter.states[target]
	failures, blocked := state.consecutiveFailures, !state.blockedUntil.IsZero()
	b.limiter.mu.Unlock()
	if failures != 0 || blocked {
		t.Errorf("canceled connects recorded as failures: failures=%d blocked=%v", failures, blocked)
	}

	for _, ev := range clients.named("c1", EventError) {
		if p := ev.Data.(ErrorPayload); strings.Contains(p.Error, "timed out") {
			t.Errorf("canceled connect reported as timeout: %q", p.Error)
		}
	}
	waitFor(t, "half-open sockets released", func() bool { return srv.OpenConns() == 0 })
}

func TestNoOutputAfterClosed(t *testing.T) {
	for i := 0; i < 5; i++ {
		b, clients, _ := newTestBroker(t)
		_, req := newServer(t, sshtest.Options{})
		client := fmt.Sprintf("c%d", i)

		id, err := b.OpenSession(context.Background(), req, client, "tab")
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}

		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
					b.SendInput(id, []byte("ls\n"))
					time.Sleep(time.Millisecond)
				}
			}
		}()
		waitFor(t, "output", func() bool { return strings.Contains(clients.output(client, id), "file1.txt") })
		b.CloseSession(id)
		close(stop)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = b.Wait(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}

		closedAt := -1
		for n, ev := range clients.all(client) {
			switch ev.Name {
			case EventClosed:
				closedAt = n
			case EventData:
				if closedAt >= 0 {
					t.Fatalf("data event at %d after closed event at %d", n, closedAt)
				}
			}
		}
		if closedAt < 0 {
			t.Fatal("no closed event")
		}
	}
}
