// Package api provides the dashboard backend REST client.
//
// Endpoints used by fieldwatch:
//   - POST /api/auth/login, GET /api/auth/me
//   - GET  /api/monitoring/fields, /api/monitoring/alerts, /api/monitoring/data
//   - PUT  /api/monitoring/alerts/{id}/read, /api/monitoring/alerts/{id}/resolve
//
// Requests carry "Authorization: Bearer <token>" with the token read from the
// TokenSource at request time, so a rotated token is used immediately.
package api
