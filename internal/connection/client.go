package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one WebSocket session with the venue. It carries raw frames
// only; framing into messages happens in the transport.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	Send(data []byte) error

	// Messages yields every inbound frame, replies and pushes alike, in
	// arrival order.
	Messages() <-chan Frame

	// Errors yields at most one error, after which the session is dead.
	Errors() <-chan error

	IsConnected() bool
}

// socket is the gorilla/websocket implementation of Client.
type socket struct {
	cfg    ClientConfig
	logger *slog.Logger

	frames chan Frame
	errs   chan error
	stop   chan struct{}

	reportOnce sync.Once
	stopOnce   sync.Once

	// wmu serializes every write, data and control frames alike.
	wmu sync.Mutex

	mu       sync.RWMutex
	ws       *websocket.Conn
	up       bool
	shut     bool
	lastSeen time.Time
}

// NewClient returns an unconnected Client for cfg.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &socket{
		cfg:    cfg,
		logger: logger,
		frames: make(chan Frame, cfg.BufferSize),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (Client, error) {
	c := NewClient(cfg, logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *socket) Connect(ctx context.Context) error {
	s.mu.RLock()
	shut := s.shut
	s.mu.RUnlock()
	if shut {
		return ErrAlreadyClosed
	}

	ws, err := s.handshake(ctx)
	if err != nil {
		return err
	}

	ws.SetPingHandler(func(payload string) error {
		s.touch()
		s.wmu.Lock()
		defer s.wmu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(s.cfg.WriteTimeout))
	})
	ws.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	s.mu.Lock()
	s.ws = ws
	s.up = true
	s.lastSeen = time.Now()
	s.mu.Unlock()

	go s.readFrames(ws)
	go s.keepalive(ws)

	s.logger.Debug("websocket connected", "url", s.cfg.URL)
	return nil
}

func (s *socket) handshake(ctx context.Context) (*websocket.Conn, error) {
	header := make(http.Header, len(s.cfg.Header)+1)
	for k, v := range s.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}

	d := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	ws, resp, err := d.DialContext(ctx, s.cfg.URL, header)
	if err == nil {
		return ws, nil
	}
	if resp != nil {
		return nil, fmt.Errorf("dial %s: %w (status %d)", s.cfg.URL, err, resp.StatusCode)
	}
	return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
}

// Close sends a normal closure and tears the socket down. Safe to call
// more than once.
func (s *socket) Close() error {
	s.mu.Lock()
	if s.shut {
		s.mu.Unlock()
		return nil
	}
	s.shut = true
	s.up = false
	ws := s.ws
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })

	if ws == nil {
		return nil
	}

	s.wmu.Lock()
	bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	ws.WriteControl(websocket.CloseMessage, bye, time.Now().Add(time.Second))
	s.wmu.Unlock()

	return ws.Close()
}

func (s *socket) Send(data []byte) error {
	s.mu.RLock()
	ws, up := s.ws, s.up
	s.mu.RUnlock()
	if !up {
		return ErrNotConnected
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) Messages() <-chan Frame { return s.frames }

func (s *socket) Errors() <-chan error { return s.errs }

func (s *socket) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.up
}

// readFrames forwards inbound frames in order. When frames is full the
// reader waits, applying backpressure to the socket.
func (s *socket) readFrames(ws *websocket.Conn) {
	defer s.markDown()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !s.stopping() {
				s.report(err)
			}
			return
		}

		f := Frame{Data: data, ReceivedAt: time.Now()}
		s.touchAt(f.ReceivedAt)

		select {
		case s.frames <- f:
		case <-s.stop:
			return
		}
	}
}

// keepalive pings every PingInterval and fails the session once nothing
// has been heard for PingTimeout.
func (s *socket) keepalive(ws *websocket.Conn) {
	tick := time.NewTicker(s.cfg.PingInterval)
	defer tick.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-tick.C:
		}

		if !s.IsConnected() {
			return
		}

		s.wmu.Lock()
		err := ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(s.cfg.WriteTimeout))
		s.wmu.Unlock()
		if err != nil {
			s.logger.Debug("failed to send ping", "error", err)
		}

		s.mu.RLock()
		quiet := time.Since(s.lastSeen)
		s.mu.RUnlock()

		if quiet > s.cfg.PingTimeout {
			s.logger.Warn("websocket silent, connection stale", "quiet_for", quiet, "timeout", s.cfg.PingTimeout)
			s.report(ErrStaleConnection)
			return
		}
	}
}

func (s *socket) touch() { s.touchAt(time.Now()) }

func (s *socket) touchAt(t time.Time) {
	s.mu.Lock()
	s.lastSeen = t
	s.mu.Unlock()
}

func (s *socket) markDown() {
	s.mu.Lock()
	s.up = false
	s.mu.Unlock()
}

func (s *socket) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// report delivers the session's single error; later ones are discarded.
func (s *socket) report(err error) {
	s.reportOnce.Do(func() { s.errs <- err })
}
