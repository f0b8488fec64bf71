// Package signaling implements the WebSocket signaling surface: connection
// lifecycle, room membership events, and message routing between peers in a
// room, including per-room ICE candidate batching and deduplication.
package signaling
