// Package transport presents one request/response and subscription contract
// over two carriers.
//
// Stream multiplexes every request and push over one persistent connection:
// it owns a correlation table, a subscription registry and the dispatcher
// that feeds both from a single read goroutine. When the connection drops,
// pending calls fail with ErrConnectivity and listeners are suspended until
// a new connection is attached; standing stream requests can then be
// replayed with Resubscribe.
//
// OneShot sends each request as its own HTTP POST. It shares the Call
// semantics (deadlines, cancellation, rejection errors) but has no push
// channel, so Subscribe and stream requests fail with
// ErrUnsupportedOperation.
package transport
