package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/blinkmux/internal/connection"
	"github.com/rickgao/blinkmux/internal/transport"
)

// Errors
var (
	ErrGiveUp  = errors.New("reconnect attempts exhausted")
	ErrStopped = errors.New("session stopped")
)

// Dialer opens a downstream connection.
type Dialer interface {
	Dial(ctx context.Context) (transport.Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (transport.Conn, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context) (transport.Conn, error) { return f(ctx) }

// WebSocketDialer dials the venue WebSocket endpoint described by cfg.
func WebSocketDialer(cfg connection.ClientConfig, logger *slog.Logger) Dialer {
	return DialFunc(func(ctx context.Context) (transport.Conn, error) {
		c, err := connection.Dial(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Config configures reconnect behaviour.
type Config struct {
	BaseDelay   time.Duration // First retry delay
	MaxDelay    time.Duration // Retry delay cap
	MaxAttempts int           // Consecutive dial failures before giving up (0 = never)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	SessionID  string
	Connected  bool
	Connects   int64
	Reconnects int64
	Failures   int64
	Replayed   int64
}

// Supervisor keeps a Stream attached to a live connection, redialing with
// exponential backoff and replaying standing requests after each reconnect.
type Supervisor struct {
	cfg    Config
	id     uuid.UUID
	stream *transport.Stream
	dialer Dialer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	connected bool
	ready     chan struct{}

	connects   atomic.Int64
	reconnects atomic.Int64
	failures   atomic.Int64
	replayed   atomic.Int64
}

// New creates a Supervisor for stream.
func New(cfg Config, stream *transport.Stream, dialer Dialer, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = d.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(d.MaxDelay, cfg.BaseDelay)
	}

	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		cfg:    cfg,
		id:     id,
		stream: stream,
		dialer: dialer,
		logger: logger.With("session_id", id.String()),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Supervisor) ID() uuid.UUID { return s.id }

// Run dials, attaches and serves the stream until ctx ends, Stop is called
// or MaxAttempts consecutive dials fail.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	wait := s.cfg.BaseDelay
	attempts := 0

	for {
		if err := s.stopErr(ctx); err != nil {
			return err
		}

		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			if stop := s.stopErr(ctx); stop != nil {
				return stop
			}
			s.failures.Add(1)
			attempts++
			if s.cfg.MaxAttempts > 0 && attempts >= s.cfg.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %w", ErrGiveUp, attempts, err)
			}

			s.logger.Warn("reconnection failed",
				"attempt", attempts,
				"error", err,
				"retry_in", wait,
			)
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
			wait = nextDelay(wait, s.cfg.MaxDelay)
			continue
		}

		if err := s.stream.Attach(conn); err != nil {
			conn.Close()
			return err
		}

		attempts = 0
		wait = s.cfg.BaseDelay
		first := s.connects.Add(1) == 1
		if !first {
			s.reconnects.Add(1)
		}
		s.setConnected(true)

		if first {
			s.logger.Info("connected")
		} else {
			s.logger.Info("reconnected", "reconnects", s.reconnects.Load())
			s.resubscribe(ctx)
		}

		err = s.stream.Run(ctx)
		s.setConnected(false)

		if stop := s.stopErr(ctx); stop != nil {
			return stop
		}

		s.logger.Info("attempting reconnection", "error", err, "retry_in", wait)
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// WaitReady blocks until a connection is attached or ctx ends.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-s.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether a connection is currently attached.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Stop ends Run and closes the stream.
func (s *Supervisor) Stop() error {
	s.cancel()
	return s.stream.Close()
}

// Stats returns current statistics.
func (s *Supervisor) Stats() Stats {
	return Stats{
		SessionID:  s.id.String(),
		Connected:  s.Connected(),
		Connects:   s.connects.Load(),
		Reconnects: s.reconnects.Load(),
		Failures:   s.failures.Load(),
		Replayed:   s.replayed.Load(),
	}
}

func (s *Supervisor) resubscribe(ctx context.Context) {
	n, err := s.stream.Resubscribe(ctx)
	s.replayed.Add(int64(n))
	if err != nil {
		s.logger.Warn("resubscribe failed", "replayed", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("resubscribed", "count", n)
	}
}

func (s *Supervisor) setConnected(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected == up {
		return
	}
	s.connected = up
	if up {
		close(s.ready)
	} else {
		s.ready = make(chan struct{})
	}
}

func (s *Supervisor) stopErr(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	return ctx.Err()
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return s.stopErr(ctx)
	}
}

// nextDelay doubles d, capped at limit.
func nextDelay(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		d = limit
	}
	return d
}
