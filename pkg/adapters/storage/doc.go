// Package storage provides persistence implementations.
//
// Implementations:
//   - redis: JSON documents with WATCH/MULTI optimistic updates and TTL
//     deduplication claims; also results, submission queue and rate counter
//   - postgres: version-column optimistic updates over database/sql (pgx)
//   - memory: in-process, for tests and single-node development
package storage
