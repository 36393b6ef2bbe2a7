package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/blinkmux/internal/codec"
	"github.com/rickgao/blinkmux/internal/correlation"
	"github.com/rickgao/blinkmux/internal/dispatch"
	"github.com/rickgao/blinkmux/internal/subscription"
)

// StreamConfig configures a Stream transport.
type StreamConfig struct {
	Protocol       codec.Protocol
	Registry       subscription.Config
	DefaultTimeout time.Duration         // Reply deadline when a request sets none (0 = none)
	IDs            correlation.Generator // nil = random 7-digit ids
}

// StreamStats contains runtime statistics.
type StreamStats struct {
	Attached   bool
	Sent       int64
	SendErrors int64
	Standing   int
	Dispatch   dispatch.Stats
	Table      correlation.TableStats
	Registry   subscription.Stats
}

// standingRequest is a stream subscription replayed on reconnect.
type standingRequest struct {
	template codec.Message
	field    string
	timeout  time.Duration
	handle   subscription.Handle
}

// Stream multiplexes requests and pushes over one persistent connection.
type Stream struct {
	cfg    StreamConfig
	logger *slog.Logger

	table      *correlation.Table
	registry   *subscription.Registry
	dispatcher *dispatch.Dispatcher
	ids        correlation.Generator

	mu       sync.Mutex
	conn     Conn
	closed   bool
	standing map[correlation.ID]*standingRequest

	sent       atomic.Int64
	sendErrors atomic.Int64
}

// NewStream creates a Stream. A connection must be attached before Run.
func NewStream(cfg StreamConfig, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = defaultGenerator()
	}

	table := correlation.NewTable(logger.With("component", "correlation"))
	registry := subscription.NewRegistry(cfg.Registry, logger.With("component", "subscription"))

	return &Stream{
		cfg:        cfg,
		logger:     logger,
		table:      table,
		registry:   registry,
		dispatcher: dispatch.New(cfg.Protocol, table, registry, logger.With("component", "dispatch")),
		ids:        ids,
		standing:   make(map[correlation.ID]*standingRequest),
	}
}

// Attach binds conn as the downstream connection and resumes delivery to
// existing subscribers.
func (s *Stream) Attach(conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.conn = conn
	s.registry.SetActive(true)
	return nil
}

// Run dispatches inbound frames in arrival order until ctx ends or the
// connection fails. On failure every pending call fails with
// ErrConnectivity, subscribers are suspended and the wrapped error is
// returned.
func (s *Stream) Run(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: no connection attached", ErrConnectivity)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-conn.Messages():
			if !ok {
				return s.lost(conn, errors.New("message channel closed"))
			}
			s.dispatcher.Dispatch(f.Data)

		case err := <-conn.Errors():
			s.drain(conn)
			return s.lost(conn, err)
		}
	}
}

// HandleFrame dispatches one raw frame. It must only be called from the
// goroutine that would otherwise run Run.
func (s *Stream) HandleFrame(raw []byte) dispatch.Result {
	return s.dispatcher.Dispatch(raw)
}

// Submit sends req and returns its pending Call.
func (s *Stream) Submit(ctx context.Context, req Request) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := s.current()
	if err != nil {
		return nil, err
	}

	msg, field, p, err := register(s.table, s.ids, s.cfg.Protocol, req, s.cfg.DefaultTimeout, s.streamHeld)
	if err != nil {
		return nil, err
	}

	call := &Call{pending: p, message: msg}
	if req.Stream != nil {
		sr := &standingRequest{
			template: msg,
			field:    field,
			timeout:  req.Timeout,
		}
		sr.handle = s.registry.Subscribe(subscription.StreamKey(p.ID()), req.Stream)
		call.stream, call.hasStream = sr.handle, true

		s.mu.Lock()
		s.standing[p.ID()] = sr
		s.mu.Unlock()
	}

	if err := s.transmit(conn, msg); err != nil {
		s.table.Cancel(p.ID(), err)
		if call.hasStream {
			s.Unsubscribe(call.stream)
		}
		return nil, err
	}

	if call.hasStream {
		go s.watchStanding(p, call.stream)
	}

	return call, nil
}

// Send writes msg without expecting a reply.
func (s *Stream) Send(ctx context.Context, msg codec.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := s.current()
	if err != nil {
		return err
	}
	return s.transmit(conn, msg)
}

// Subscribe registers cb for every message published under key.
func (s *Stream) Subscribe(key subscription.Key, cb subscription.Callback) (subscription.Handle, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return subscription.Handle{}, ErrClosed
	}
	return s.registry.Subscribe(key, cb), nil
}

// Unsubscribe removes a listener, including a standing request's stream
// listener, so it is not replayed on reconnect.
func (s *Stream) Unsubscribe(h subscription.Handle) bool {
	s.mu.Lock()
	for id, sr := range s.standing {
		if sr.handle.Same(h) {
			delete(s.standing, id)
			break
		}
	}
	s.mu.Unlock()

	return s.registry.Unsubscribe(h)
}

// Resubscribe replays every standing stream request on the attached
// connection under fresh identifiers. Existing listeners keep receiving
// updates through their original handles. Returns the number replayed.
func (s *Stream) Resubscribe(ctx context.Context) (int, error) {
	conn, err := s.current()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	old := s.standing
	s.standing = make(map[correlation.ID]*standingRequest, len(old))
	s.mu.Unlock()

	replayed := 0
	for oldID, sr := range old {
		if err := ctx.Err(); err != nil {
			s.restore(old)
			return replayed, err
		}

		msg := sr.template.Clone()
		delete(msg, sr.field)

		timeout := sr.timeout
		if timeout == 0 {
			timeout = s.cfg.DefaultTimeout
		}
		if timeout < 0 {
			timeout = 0
		}

		p, err := assign(s.table, s.ids, msg, sr.field, timeout, s.streamHeld)
		if err != nil {
			s.logger.Warn("resubscribe failed", "id", oldID, "error", err)
			s.mu.Lock()
			s.standing[oldID] = sr
			s.mu.Unlock()
			continue
		}

		handle, ok := s.registry.Rekey(sr.handle, subscription.StreamKey(p.ID()))
		if !ok {
			// Unsubscribed while disconnected.
			s.table.Cancel(p.ID(), correlation.ErrCancelled)
			continue
		}

		next := &standingRequest{template: msg, field: sr.field, timeout: sr.timeout, handle: handle}
		s.mu.Lock()
		s.standing[p.ID()] = next
		s.mu.Unlock()

		if err := s.transmit(conn, msg); err != nil {
			s.table.Cancel(p.ID(), err)
			s.restore(old)
			return replayed, err
		}

		go s.watchStanding(p, handle)
		replayed++

		s.logger.Debug("resubscribed", "old_id", oldID, "new_id", p.ID())
	}

	return replayed, nil
}

// streamHeld reports whether id names a live stream listener.
func (s *Stream) streamHeld(id correlation.ID) bool {
	return s.registry.Has(subscription.StreamKey(id))
}

// Close fails every outstanding call with ErrClosed, drops all listeners
// and closes the attached connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.standing = make(map[correlation.ID]*standingRequest)
	s.mu.Unlock()

	s.table.CancelAll(ErrClosed)
	s.registry.Close()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Stats returns current statistics.
func (s *Stream) Stats() StreamStats {
	s.mu.Lock()
	attached := s.conn != nil
	standing := len(s.standing)
	s.mu.Unlock()

	return StreamStats{
		Attached:   attached,
		Sent:       s.sent.Load(),
		SendErrors: s.sendErrors.Load(),
		Standing:   standing,
		Dispatch:   s.dispatcher.Stats(),
		Table:      s.table.Stats(),
		Registry:   s.registry.Stats(),
	}
}

func (s *Stream) current() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConnectivity)
	}
	return s.conn, nil
}

func (s *Stream) transmit(conn Conn, msg codec.Message) error {
	data, err := codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if err := conn.Send(data); err != nil {
		s.sendErrors.Add(1)
		return fmt.Errorf("%w: send: %w", ErrConnectivity, err)
	}
	s.sent.Add(1)
	return nil
}

// drain dispatches frames already buffered ahead of a connection error.
func (s *Stream) drain(conn Conn) {
	for {
		select {
		case f, ok := <-conn.Messages():
			if !ok {
				return
			}
			s.dispatcher.Dispatch(f.Data)
		default:
			return
		}
	}
}

func (s *Stream) lost(conn Conn, cause error) error {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()

	conn.Close()

	reason := fmt.Errorf("%w: %w", ErrConnectivity, cause)
	n := s.table.CancelAll(reason)
	s.registry.SetActive(false)

	s.logger.Warn("connection lost", "error", cause, "failed_calls", n)
	return reason
}

// watchStanding drops a stream listener whose request was rejected,
// timed out or cancelled. Listeners survive connectivity loss so they can
// be replayed.
func (s *Stream) watchStanding(p *correlation.Pending, h subscription.Handle) {
	<-p.Done()

	_, err := p.Result()
	if err == nil || errors.Is(err, ErrConnectivity) || errors.Is(err, ErrClosed) {
		return
	}

	s.mu.Lock()
	sr, ok := s.standing[p.ID()]
	if ok && sr.handle.Same(h) {
		delete(s.standing, p.ID())
	}
	s.mu.Unlock()

	if ok {
		s.registry.Unsubscribe(h)
		s.logger.Debug("stream request failed, listener removed", "id", p.ID(), "error", err)
	}
}

// restore puts back standing requests not yet replayed when Resubscribe is
// interrupted.
func (s *Stream) restore(old map[correlation.ID]*standingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sr := range old {
		replayed := false
		for _, cur := range s.standing {
			if cur.handle.Same(sr.handle) {
				replayed = true
				break
			}
		}
		if !replayed {
			s.standing[id] = sr
		}
	}
}
