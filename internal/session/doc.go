// Package session supervises a stream transport's connection.
//
// A Supervisor dials through a Dialer, attaches the connection to a
// transport.Stream and serves it. When the connection fails it redials
// with exponential backoff and replays the stream's standing requests,
// so existing stream listeners keep receiving updates.
package session
