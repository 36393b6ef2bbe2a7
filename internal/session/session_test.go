package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/blinkmux/internal/codec"
	"github.com/rickgao/blinkmux/internal/connection"
	"github.com/rickgao/blinkmux/internal/transport"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []codec.Message
	closed bool

	msgs chan connection.Frame
	errs chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs: make(chan connection.Frame, 64),
		errs: make(chan error, 1),
	}
}

func (c *fakeConn) Send(data []byte) error {
	msg, err := codec.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Messages() <-chan connection.Frame { return c.msgs }
func (c *fakeConn) Errors() <-chan error              { return c.errs }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) lastSent() codec.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

// scriptDialer returns conns in order; a nil entry fails the dial.
type scriptDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls int
}

func (d *scriptDialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	if len(d.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	if c == nil {
		return nil, errors.New("connection refused")
	}
	return c, nil
}

func newStream() *transport.Stream {
	return transport.NewStream(transport.StreamConfig{Protocol: codec.DefaultProtocol()}, nil)
}

func fastConfig() Config {
	return Config{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSupervisor_RetriesUntilConnected(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptDialer{conns: []*fakeConn{nil, nil, conn}}
	sup := New(fastConfig(), newStream(), dialer, nil)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	stats := sup.Stats()
	if stats.Failures != 2 {
		t.Errorf("Failures = %d, want 2", stats.Failures)
	}
	if stats.Connects != 1 {
		t.Errorf("Connects = %d, want 1", stats.Connects)
	}
	if stats.Reconnects != 0 {
		t.Errorf("Reconnects = %d, want 0", stats.Reconnects)
	}
	if !stats.Connected {
		t.Error("expected Connected = true")
	}
	if stats.SessionID != sup.ID().String() {
		t.Errorf("SessionID = %q, want %q", stats.SessionID, sup.ID())
	}

	if err := sup.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrStopped) {
		t.Errorf("Run = %v, want ErrStopped", err)
	}
}

func TestSupervisor_GivesUp(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	dialer := &scriptDialer{}
	sup := New(cfg, newStream(), dialer, nil)

	err := sup.Run(context.Background())
	if !errors.Is(err, ErrGiveUp) {
		t.Fatalf("Run = %v, want ErrGiveUp", err)
	}
	if dialer.calls != 3 {
		t.Errorf("dial calls = %d, want 3", dialer.calls)
	}
}

func TestSupervisor_ContextCancel(t *testing.T) {
	sup := New(Config{BaseDelay: time.Hour}, newStream(), &scriptDialer{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer waitCancel()
	if err := sup.WaitReady(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady = %v, want DeadlineExceeded", err)
	}
}

func TestSupervisor_ReconnectReplaysStanding(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &scriptDialer{conns: []*fakeConn{first, second}}
	stream := newStream()
	sup := New(fastConfig(), stream, dialer, nil)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()
	defer func() {
		sup.Stop()
		<-done
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	var mu sync.Mutex
	var updates []codec.Message
	call, err := stream.Submit(ctx, transport.Request{
		Message: codec.Message{"MsgType": "V", "MDReqID": nil, "Symbol": "BTCUSD"},
		IDField: "MDReqID",
		Stream: func(m codec.Message) {
			mu.Lock()
			updates = append(updates, m)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if first.sentCount() != 1 {
		t.Fatalf("first conn sent %d, want 1", first.sentCount())
	}

	first.errs <- errors.New("connection reset")

	if _, err := call.Wait(ctx); !errors.Is(err, transport.ErrConnectivity) {
		t.Errorf("Wait = %v, want ErrConnectivity", err)
	}

	waitFor(t, "replay on second connection", func() bool { return sup.Stats().Replayed == 1 })

	replay := second.lastSent()
	if replay["Symbol"] != "BTCUSD" {
		t.Errorf("replayed Symbol = %v, want BTCUSD", replay["Symbol"])
	}
	if replay["MDReqID"] == nil {
		t.Fatal("replayed request has no MDReqID")
	}

	stats := sup.Stats()
	if stats.Connects != 2 || stats.Reconnects != 1 {
		t.Errorf("Connects/Reconnects = %d/%d, want 2/1", stats.Connects, stats.Reconnects)
	}
	if second.sentCount() != 1 {
		t.Errorf("second conn sent %d, want 1", second.sentCount())
	}

	// The first frame answers the replayed request; the second is an
	// update for the new id and reaches the original listener.
	data, _ := codec.Encode(codec.Message{"MsgType": "X", "MDReqID": replay["MDReqID"], "Symbol": "BTCUSD"})
	second.msgs <- connection.Frame{Data: data, ReceivedAt: time.Now()}
	second.msgs <- connection.Frame{Data: data, ReceivedAt: time.Now()}

	waitFor(t, "stream update", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) >= 1
	})

	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Error("lost connection was not closed")
	}
}

func TestSupervisor_WebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := codec.Decode(data)
			if err != nil {
				return
			}
			resp, _ := codec.Encode(codec.Message{"MsgType": "0", "TestReqID": req["TestReqID"]})
			if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := connection.DefaultClientConfig()
	cfg.URL = "ws" + strings.TrimPrefix(server.URL, "http")

	stream := newStream()
	sup := New(fastConfig(), stream, WebSocketDialer(cfg, nil), nil)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()
	defer func() {
		sup.Stop()
		<-done
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	call, err := stream.Submit(ctx, transport.Request{
		Message: codec.Message{"MsgType": "1", "TestReqID": nil},
		IDField: "TestReqID",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	reply, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if reply.Type("MsgType") != "0" {
		t.Errorf("reply MsgType = %q, want 0", reply.Type("MsgType"))
	}
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		d, limit, want time.Duration
	}{
		{time.Second, time.Minute, 2 * time.Second},
		{40 * time.Second, time.Minute, time.Minute},
		{time.Minute, time.Minute, time.Minute},
	}

	for _, tt := range tests {
		if got := nextDelay(tt.d, tt.limit); got != tt.want {
			t.Errorf("nextDelay(%v, %v) = %v, want %v", tt.d, tt.limit, got, tt.want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	sup := New(Config{}, newStream(), &scriptDialer{}, nil)
	if sup.cfg.BaseDelay != time.Second {
		t.Errorf("BaseDelay = %v, want 1s", sup.cfg.BaseDelay)
	}
	if sup.cfg.MaxDelay != time.Minute {
		t.Errorf("MaxDelay = %v, want 1m", sup.cfg.MaxDelay)
	}
}
