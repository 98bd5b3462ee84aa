// Package connection implements the shared price socket.
//
// The Feed:
//   - Owns one WebSocket connection for the whole process
//   - Multiplexes per-screen coin interest into one subscription set
//   - Reconnects with exponential backoff and gives up (FAILED) once the
//     reconnect strategy says to fall back
//   - Replays the active subscription set after every reconnect
//   - Exposes connection state and decoded price updates as multi-observer
//     streams
package connection
