// Package database provides the connection pool for the price tick store.
//
// Ticks go to a single PostgreSQL database. When the TimescaleDB extension
// is installed, EnsureSchema turns price_ticks into a hypertable; otherwise
// it stays a plain table.
package database
