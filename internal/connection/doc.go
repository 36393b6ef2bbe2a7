// Package connection implements the venue WebSocket client.
//
// A Client owns one gorilla/websocket connection:
//   - forwards every frame, in order, with its receive timestamp
//   - answers server pings and sends keepalive pings of its own
//   - reports a read failure, or silence longer than PingTimeout, once on Errors()
//
// Reconnection is the caller's concern; see internal/session.
package connection
