// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Artifact submission, queued or direct
//   - Validation set and step status queries
//   - Worker pool status
//   - Health checks
//   - Prometheus metrics
package http
