// Package database manages the optional PostgreSQL alert journal.
//
// The journal keeps an append-only record of realtime alerts and monitoring
// payloads received over the channel:
//   - alert_journal: one row per new_alert frame
//   - reading_journal: one row per monitoring_data frame
//
// Rows are batched and written with ON CONFLICT DO NOTHING.
package database
