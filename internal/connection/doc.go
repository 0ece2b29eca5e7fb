// Package connection implements the Connection State Machine.
//
// The Machine:
//   - Owns at most one WebSocket Client at a time
//   - Sends the "cn" authorization frame as soon as the socket opens
//   - Waits for the connect acknowledgement before accepting commands
//   - Watches for heartbeats and reconnects with capped exponential backoff
//   - Drops events from connections it has already detached (by generation)
//
// The Machine is not goroutine-safe. One owner goroutine calls its methods
// and feeds back the Events its dialer, read pump and timers post.
package connection
