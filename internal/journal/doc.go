// Package journal records published pushes to PostgreSQL.
//
// A Journal subscribes like any other listener: Callback returns a
// subscription.Callback that buffers each push in a bounded queue. A flush
// loop copies buffered entries into the journal table in batches with
// pgx CopyFrom. When the buffer is full new pushes are dropped and counted.
package journal
