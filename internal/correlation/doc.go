// Package correlation matches asynchronous replies to the requests that
// caused them.
//
// A Table maps each outstanding request ID to a Pending completion that is
// settled exactly once: by its reply, by cancellation, or by its deadline.
// Replies that find no pending entry (stale, late or duplicated) are counted
// as unmatched and dropped.
package correlation
