// Package poller implements the background query refresher.
//
// The refresher:
//   - Reloads fields, alerts and per-field monitoring data on an interval
//   - Goes through the query cache so concurrent readers share one fetch
//   - Bounds per-field requests with a concurrency limit
//   - Keeps running while the realtime channel is down or exhausted
package poller
