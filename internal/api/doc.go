// Package api provides the REST client for the price server.
//
// The socket is the primary price source. This client backs the fallback
// path: once the feed gives up reconnecting, the poller fetches the active
// coins here until the socket is back.
//
// Endpoints:
//   - GET /v1/prices?ids=bitcoin,ethereum
//
// Concurrent requests for the same coin set share one HTTP call.
package api
