package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/blinkmux/internal/codec"
	"github.com/rickgao/blinkmux/internal/connection"
	"github.com/rickgao/blinkmux/internal/correlation"
	"github.com/rickgao/blinkmux/internal/subscription"
)

// Transport is the request/response and subscription contract shared by the
// persistent and one-shot variants.
type Transport interface {
	// Submit sends a request and returns a Call that completes with its reply.
	Submit(ctx context.Context, req Request) (*Call, error)

	// Subscribe registers a long-lived listener for key.
	Subscribe(key subscription.Key, cb subscription.Callback) (subscription.Handle, error)

	// Unsubscribe removes a listener. Returns false if already removed.
	Unsubscribe(h subscription.Handle) bool

	// Close tears the transport down, failing every outstanding call.
	Close() error
}

// Conn is a downstream persistent connection delivering raw frames.
type Conn interface {
	Send(data []byte) error
	Messages() <-chan connection.Frame
	Errors() <-chan error
	Close() error
}

// Request is one outbound request.
type Request struct {
	// Message is the wire message. It is copied, never modified.
	Message codec.Message

	// IDField names the correlation field. Empty selects the first
	// configured identifier field present in Message. When the field is
	// absent from Message a fresh identifier is generated into it.
	IDField string

	// Timeout bounds the wait for a reply. Zero uses the transport default;
	// negative disables the deadline.
	Timeout time.Duration

	// Stream, if set, also receives every later message carrying the
	// request's identifier, e.g. ticker or order book updates.
	Stream subscription.Callback
}

// Call is the pending outcome of a submitted request.
type Call struct {
	pending   *correlation.Pending
	message   codec.Message
	stream    subscription.Handle
	hasStream bool
}

// ID returns the request identifier.
func (c *Call) ID() correlation.ID { return c.pending.ID() }

// Message returns the message as sent, identifier included.
func (c *Call) Message() codec.Message { return c.message }

// Done is closed once the call completes.
func (c *Call) Done() <-chan struct{} { return c.pending.Done() }

// Wait blocks until the reply arrives, the call fails or ctx ends.
func (c *Call) Wait(ctx context.Context) (codec.Message, error) {
	return c.pending.Wait(ctx)
}

// Cancel abandons the call. A later reply is treated as unmatched.
func (c *Call) Cancel() bool { return c.pending.Cancel() }

// Stream returns the standing listener registered for the call, if any.
func (c *Call) Stream() (subscription.Handle, bool) { return c.stream, c.hasStream }

// maxIDAttempts bounds retries when a generated identifier collides.
const maxIDAttempts = 8

// reservedFunc reports whether id is held outside the table, such as by a
// live stream listener.
type reservedFunc func(id correlation.ID) bool

// register copies req.Message, assigns its identifier and creates the
// pending completion. Identifiers for which reserved returns true are
// treated as outstanding.
func register(table *correlation.Table, ids correlation.Generator, proto codec.Protocol, req Request, defaultTimeout time.Duration, reserved reservedFunc) (codec.Message, string, *correlation.Pending, error) {
	if req.Message == nil {
		return nil, "", nil, fmt.Errorf("%w: nil message", ErrInvalidRequest)
	}

	msg := req.Message.Clone()
	field := req.IDField
	if field == "" {
		f, _, ok := proto.Identify(msg)
		if !ok {
			return nil, "", nil, fmt.Errorf("%w: no identifier field", ErrInvalidRequest)
		}
		field = f
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if timeout < 0 {
		timeout = 0
	}

	if v, ok := msg[field]; ok && v != nil {
		id, ok := correlation.IDOf(v)
		if !ok {
			return nil, "", nil, fmt.Errorf("%w: unusable %s %v", ErrInvalidRequest, field, v)
		}
		if reserved != nil && reserved(id) {
			return nil, "", nil, fmt.Errorf("%w: %s held by a stream", correlation.ErrDuplicateID, id)
		}
		p, err := table.RegisterWithDeadline(id, timeout)
		if err != nil {
			return nil, "", nil, err
		}
		return msg, field, p, nil
	}

	p, err := assign(table, ids, msg, field, timeout, reserved)
	if err != nil {
		return nil, "", nil, err
	}
	return msg, field, p, nil
}

// assign writes a freshly generated identifier into msg[field] and
// registers it, retrying on collision with the table or a reserved id.
func assign(table *correlation.Table, ids correlation.Generator, msg codec.Message, field string, timeout time.Duration, reserved reservedFunc) (*correlation.Pending, error) {
	var lastErr error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := ids.Next()
		if reserved != nil && reserved(id) {
			lastErr = fmt.Errorf("%w: %s held by a stream", correlation.ErrDuplicateID, id)
			continue
		}
		p, err := table.RegisterWithDeadline(id, timeout)
		if err == nil {
			msg[field] = id.Value()
			return p, nil
		}
		if !errors.Is(err, correlation.ErrDuplicateID) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("allocate request id: %w", lastErr)
}

func defaultGenerator() correlation.Generator {
	return correlation.NewRandom(uint64(time.Now().UnixNano()))
}

var (
	_ Transport = (*Stream)(nil)
	_ Transport = (*OneShot)(nil)
)
