// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/sets/:id/ws to receive the current state of a
// validation set followed by its lifecycle events. The stream ends after the
// set's outcome is delivered.
package websocket
