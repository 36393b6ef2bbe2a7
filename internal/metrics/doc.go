// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Dispatch outcomes (correlated, published, unmatched, rejected, decode errors)
//   - Outstanding and completed correlated requests per transport
//   - Listener counts and delivery drops
//   - Session connection state and reconnects
//   - Journal throughput and backlog
//
// The Collector reads stats snapshots at scrape time, so components do not
// hold Prometheus state of their own.
package metrics
