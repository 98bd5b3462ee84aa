// Package model defines shared data types used across the price service.
//
// Conventions:
//   - Prices: decimal strings on the wire, shopspring decimal.Decimal in memory
//   - Timestamps: int64 milliseconds since Unix epoch (matches the feed)
//   - IDs: lower-case coin ids (e.g. "bitcoin"), uuid.UUID for stored ticks
package model
