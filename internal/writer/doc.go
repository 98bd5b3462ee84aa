// Package writer implements the batch writer for price ticks.
//
// The PriceWriter consumes accepted quotes from its input queue and writes
// them to the price_ticks table (TimescaleDB or plain PostgreSQL) in
// batches. Writes are append-only; a tick already stored for the same coin,
// exchange timestamp and source is skipped.
//
// Prices are stored as NUMERIC, passed as decimal strings so no precision is
// lost on the way.
package writer
