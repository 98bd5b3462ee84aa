// Package price turns raw price updates into per-coin quotes and per-screen
// UI state.
//
// Flow:
//
//	Feed.PriceUpdates / REST poller → Tracker → Quote stream → Screens
//	                                      ↓
//	                                    Sinks (Redis cache, tick writer)
//
// The Tracker keeps the latest Quote per coin and derives its direction by
// comparing each new price with the previous one. The first price seen for a
// coin is Unchanged. Updates older than the stored quote are ignored.
//
// A Screen is a named observer: it watches a set of coin ids through the
// shared Feed and keeps only the quotes it cares about.
package price
