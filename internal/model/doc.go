// Package model defines shared data types used across fieldwatch.
//
// All types mirror the JSON returned by the dashboard backend.
//
// Conventions:
//   - IDs: opaque strings assigned by the backend
//   - Timestamps: time.Time, RFC 3339 on the wire
//   - Sensor values: float64 in the unit given by SensorUnit
package model
