// Package session owns the dashboard login state.
//
// The bearer token lives in a TokenStore and is read on every use, so the
// realtime channel and the REST client always see the current value. A
// Session tracks whether a user is present; Follow turns presence changes
// into channel Connect and Disconnect calls.
package session
