// Package monitor reacts to realtime channel messages.
//
// Each inbound message is handled in arrival order:
//   - monitoring_data: monitoring data queries are invalidated
//   - new_alert: alert queries are invalidated and a notification is raised
//   - auth failure: the OnAuthRejected hook runs
//
// Alerts and readings are also appended to the journal when one is set.
package monitor
