// Package signaling serves the /ws WebSocket endpoint: it upgrades browser
// connections, enforces per-connection limits, and drives the hub with the
// parsed client messages.
package signaling
