// Package events provides event bus implementations and the bus-backed
// outcome notifier.
//
// Implementations:
//   - redis: Redis Streams with consumer groups
//   - memory: In-memory for testing and single-node runs
package events
