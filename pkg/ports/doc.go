// Package ports defines the interfaces the orchestrator consumes.
//
// Adapters under pkg/adapters implement them for Redis, Postgres, MinIO,
// Prometheus and in-memory testing.
package ports
