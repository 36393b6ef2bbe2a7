package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// startVenue serves handler over WebSocket and returns the ws:// URL.
func startVenue(t *testing.T, handler func(ws *websocket.Conn)) string {
	t.Helper()

	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// connect dials url with short test timeouts, applying tweak first.
func connect(t *testing.T, url string, tweak func(*ClientConfig)) Client {
	t.Helper()

	cfg := ClientConfig{URL: url, PingTimeout: 30 * time.Second, BufferSize: 100}
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := Dial(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestDial_ConnectAndClose(t *testing.T) {
	c := connect(t, startVenue(t, drain), nil)

	if !c.IsConnected() {
		t.Error("IsConnected = false after Dial")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected = true after Close")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
}

func TestDial_HandshakeHeaders(t *testing.T) {
	got := make(chan http.Header, 1)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		if ws, err := up.Upgrade(w, r, nil); err == nil {
			ws.Close()
		}
	}))
	defer srv.Close()

	connect(t, "ws"+strings.TrimPrefix(srv.URL, "http"), func(cfg *ClientConfig) {
		cfg.Header = http.Header{"Origin": {"https://blinktrade.example"}}
	})

	h := <-got
	if o := h.Get("Origin"); o != "https://blinktrade.example" {
		t.Errorf("Origin = %q, want https://blinktrade.example", o)
	}
	if a := h.Get("Accept"); a != "application/json" {
		t.Errorf("Accept = %q, want application/json", a)
	}
}

func TestDial_NotWebSocket(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Dial(context.Background(), ClientConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil)
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("Dial error = %v, want status 404", err)
	}
}

func TestSend_WritesTextFrame(t *testing.T) {
	got := make(chan string, 1)
	url := startVenue(t, func(ws *websocket.Conn) {
		kind, data, err := ws.ReadMessage()
		if err == nil && kind == websocket.TextMessage {
			got <- string(data)
		}
		drain(ws)
	})
	c := connect(t, url, nil)

	const frame = `{"MsgType":"1","TestReqID":1}`
	if err := c.Send([]byte(frame)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case s := <-got:
		if s != frame {
			t.Errorf("server got %s, want %s", s, frame)
		}
	case <-time.After(time.Second):
		t.Fatal("frame never reached server")
	}
}

func TestSend_Unconnected(t *testing.T) {
	c := NewClient(ClientConfig{URL: "ws://127.0.0.1:1"}, nil)
	if err := c.Send([]byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestMessages_InOrderWithTimestamps(t *testing.T) {
	frames := []string{
		`{"MsgType":"0","TestReqID":1}`,
		`{"MsgType":"8","ExecType":"0"}`,
		`{"MsgType":"f","Symbol":"BTCUSD"}`,
	}
	url := startVenue(t, func(ws *websocket.Conn) {
		for _, f := range frames {
			if ws.WriteMessage(websocket.TextMessage, []byte(f)) != nil {
				return
			}
		}
		drain(ws)
	})
	c := connect(t, url, nil)

	for i, want := range frames {
		select {
		case f := <-c.Messages():
			if string(f.Data) != want {
				t.Errorf("frame %d = %s, want %s", i, f.Data, want)
			}
			if f.ReceivedAt.IsZero() {
				t.Errorf("frame %d has zero ReceivedAt", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("got %d of %d frames", i, len(frames))
		}
	}
}

func TestMessages_BackpressureKeepsEveryFrame(t *testing.T) {
	const n = 20
	url := startVenue(t, func(ws *websocket.Conn) {
		for i := 0; i < n; i++ {
			if ws.WriteMessage(websocket.TextMessage, []byte(`{"MsgType":"0"}`)) != nil {
				return
			}
		}
		drain(ws)
	})
	c := connect(t, url, func(cfg *ClientConfig) { cfg.BufferSize = 2 })

	// Give the reader time to fill the buffer and block.
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < n; i++ {
		select {
		case <-c.Messages():
		case <-time.After(time.Second):
			t.Fatalf("got %d of %d frames", i, n)
		}
	}
}

func TestErrors_RemoteClose(t *testing.T) {
	c := connect(t, startVenue(t, func(*websocket.Conn) {}), nil)

	select {
	case err := <-c.Errors():
		if err == nil {
			t.Error("got nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("remote close not reported")
	}

	deadline := time.Now().Add(time.Second)
	for c.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.IsConnected() {
		t.Error("IsConnected = true after remote close")
	}
}

func TestErrors_SilentPeerIsStale(t *testing.T) {
	// The peer never reads, so pings go unanswered and nothing arrives.
	url := startVenue(t, func(*websocket.Conn) { time.Sleep(time.Second) })
	c := connect(t, url, func(cfg *ClientConfig) {
		cfg.PingInterval = 20 * time.Millisecond
		cfg.PingTimeout = 50 * time.Millisecond
	})

	select {
	case err := <-c.Errors():
		if !errors.Is(err, ErrStaleConnection) {
			t.Errorf("error = %v, want ErrStaleConnection", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stale connection not reported")
	}
}

func TestKeepalive_TrafficCountsAsLiveness(t *testing.T) {
	url := startVenue(t, func(ws *websocket.Conn) {
		for i := 0; i < 15; i++ {
			if ws.WriteMessage(websocket.TextMessage, []byte(`{"MsgType":"0"}`)) != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	})
	c := connect(t, url, func(cfg *ClientConfig) {
		cfg.PingInterval = 20 * time.Millisecond
		cfg.PingTimeout = 100 * time.Millisecond
	})

	timeout := time.After(200 * time.Millisecond)
	for {
		select {
		case err := <-c.Errors():
			t.Fatalf("unexpected error while frames flow: %v", err)
		case <-c.Messages():
		case <-timeout:
			return
		}
	}
}

func TestKeepalive_AnswersServerPing(t *testing.T) {
	pong := make(chan string, 1)
	url := startVenue(t, func(ws *websocket.Conn) {
		ws.SetPongHandler(func(p string) error {
			pong <- p
			return nil
		})
		if err := ws.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)); err != nil {
			return
		}
		ws.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		drain(ws)
	})
	c := connect(t, url, nil)

	select {
	case p := <-pong:
		if p != "hb" {
			t.Errorf("pong payload = %q, want hb", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no pong for server ping")
	}
	if !c.IsConnected() {
		t.Error("IsConnected = false after ping exchange")
	}
}

func TestClientConfig_Defaults(t *testing.T) {
	d := DefaultClientConfig()
	if d.PingInterval != 30*time.Second || d.PingTimeout != 90*time.Second {
		t.Errorf("ping = %v/%v, want 30s/90s", d.PingInterval, d.PingTimeout)
	}
	if d.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", d.BufferSize)
	}

	got := ClientConfig{BufferSize: 5}.withDefaults()
	if got.BufferSize != 5 {
		t.Errorf("BufferSize = %d, want explicit 5 kept", got.BufferSize)
	}
	if got.WriteTimeout != 5*time.Second || got.HandshakeTimeout != 10*time.Second {
		t.Errorf("timeouts = %v/%v, want defaults 5s/10s", got.WriteTimeout, got.HandshakeTimeout)
	}
}
