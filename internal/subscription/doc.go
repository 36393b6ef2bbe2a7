// Package subscription routes published messages to long-lived listeners.
//
// A Registry maps a Key (message type, type plus field value, or standing
// request identifier) to callbacks invoked in registration order. Delivery
// is inline on the publishing goroutine, or queued per subscriber through a
// bounded Queue when Config.QueueSize is set, in which case a slow
// subscriber drops its own events without stalling anyone else.
package subscription
