// Package poller implements the REST fallback poller.
//
// The Fallback Poller:
//   - Polls the REST price endpoint for every active coin
//   - Runs only while its gate is open (the socket feed is FAILED)
//   - Batches coin ids per request and bounds concurrent requests
//   - Hands updates to the tracker with source="rest"
package poller
