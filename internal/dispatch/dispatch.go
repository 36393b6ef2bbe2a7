package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/blinkmux/internal/codec"
	"github.com/rickgao/blinkmux/internal/correlation"
	"github.com/rickgao/blinkmux/internal/subscription"
)

// RejectError is the failure a request settles with when the venue answers
// with an error-type message.
type RejectError struct {
	MsgType string
	Reason  string
	Message codec.Message
}

func (e *RejectError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("request rejected (%s)", e.MsgType)
	}
	return fmt.Sprintf("request rejected (%s): %s", e.MsgType, e.Reason)
}

// ReplyError builds the RejectError for an error-type reply.
func ReplyError(proto codec.Protocol, msg codec.Message) error {
	reason := msg.String("Description")
	if detail := msg.String("Detail"); detail != "" {
		if reason != "" {
			reason += ": "
		}
		reason += detail
	}
	return &RejectError{
		MsgType: msg.Type(proto.TypeField),
		Reason:  reason,
		Message: msg,
	}
}

// Result describes what happened to one inbound frame.
type Result struct {
	Message   codec.Message
	ID        correlation.ID // Empty if the message carried no identifier
	Settled   bool           // A pending request was completed
	Keys      []subscription.Key
	Delivered int // Subscriber callbacks that accepted the message
	Err       error
}

// Stats contains runtime statistics.
type Stats struct {
	Received     int64
	Correlated   int64
	Published    int64
	Unmatched    int64
	Rejected     int64
	DecodeErrors int64
}

// Dispatcher classifies inbound frames, settles the requests they answer
// and publishes them to subscribers. It is driven by a single goroutine so
// messages are handled in arrival order.
type Dispatcher struct {
	proto    codec.Protocol
	table    *correlation.Table
	registry *subscription.Registry
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Dispatcher over the given table and registry.
func New(proto codec.Protocol, table *correlation.Table, registry *subscription.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		proto:    proto,
		table:    table,
		registry: registry,
		logger:   logger,
	}
}

// Dispatch handles one raw frame. Decode failures are counted and logged,
// never fatal. A reply whose groups fail to decode still settles its
// pending request, with the decode error.
func (d *Dispatcher) Dispatch(raw []byte) Result {
	d.mu.Lock()
	d.stats.Received++
	d.mu.Unlock()

	msg, err := codec.Decode(raw)
	if err != nil {
		return d.decodeFailed(Result{Err: err}, len(raw))
	}

	expanded, err := codec.ExpandGroups(msg, d.proto.ColumnsField, d.proto.GroupSuffix)
	if err != nil {
		res := Result{Message: msg, Err: err}
		if _, v, ok := d.proto.Identify(msg); ok {
			if id, ok := correlation.IDOf(v); ok && d.table.Has(id) {
				res.ID = id
				res.Settled = d.table.Settle(id, nil, err)
			}
		}
		return d.decodeFailed(res, len(raw))
	}

	return d.route(expanded)
}

func (d *Dispatcher) decodeFailed(res Result, size int) Result {
	d.mu.Lock()
	d.stats.DecodeErrors++
	d.mu.Unlock()

	d.logger.Warn("failed to decode frame", "error", res.Err, "size", size, "id", res.ID, "settled", res.Settled)
	return res
}

// DispatchMessage handles an already decoded message.
func (d *Dispatcher) DispatchMessage(msg codec.Message) Result {
	d.mu.Lock()
	d.stats.Received++
	d.mu.Unlock()

	return d.route(msg)
}

// Keys resolves the type and fan-out keys of msg, in publish order.
func (d *Dispatcher) Keys(msg codec.Message) []subscription.Key {
	msgType := msg.Type(d.proto.TypeField)
	if msgType == "" {
		return nil
	}

	keys := []subscription.Key{subscription.TypeKey(msgType)}
	for _, field := range d.proto.FanoutFields[msgType] {
		if v := msg.String(field); v != "" {
			keys = append(keys, subscription.FieldKey(msgType, field, v))
		}
	}
	return keys
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) route(msg codec.Message) Result {
	res := Result{Message: msg}
	msgType := msg.Type(d.proto.TypeField)

	if _, v, ok := d.proto.Identify(msg); ok {
		if id, ok := correlation.IDOf(v); ok {
			res.ID = id
			streamKey := subscription.StreamKey(id)

			switch {
			case d.table.Has(id):
				var replyErr error
				if d.proto.IsError(msgType) {
					replyErr = ReplyError(d.proto, msg)
				}
				res.Settled = d.table.Settle(id, msg, replyErr)
				if res.Settled && replyErr != nil {
					d.mu.Lock()
					d.stats.Rejected++
					d.mu.Unlock()
				}
			case d.registry.Has(streamKey):
				res.Keys = append(res.Keys, streamKey)
			}
		}
	}

	res.Keys = append(res.Keys, d.Keys(msg)...)
	for _, key := range res.Keys {
		res.Delivered += d.registry.Publish(key, msg)
	}

	d.mu.Lock()
	if res.Settled {
		d.stats.Correlated++
	}
	d.stats.Published += int64(res.Delivered)
	orphan := res.ID != "" && !res.Settled && res.Delivered == 0
	if orphan {
		d.stats.Unmatched++
	}
	d.mu.Unlock()

	if orphan {
		d.logger.Debug("unmatched reply", "id", res.ID, "type", msgType, "error", correlation.ErrUnmatchedReply)
	}

	return res
}
