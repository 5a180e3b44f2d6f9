// Package channel implements the realtime channel manager.
//
// The manager:
//   - Owns one authenticated WebSocket connection per session
//   - Sends an auth frame with the session token right after open
//   - Classifies inbound frames (monitoring_data, new_alert, auth)
//   - Reconnects with bounded exponential backoff after unexpected closes
//   - Fans inbound messages out to listeners and keeps the latest one
//
// All state transitions run on a single event loop goroutine. Public methods
// post events to it; transport goroutines post dial results, frames and
// errors tagged with the connection generation they belong to.
package channel
