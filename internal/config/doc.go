// Package config loads the price service configuration.
//
// Configuration is a YAML file. ${VAR} references are expanded from the
// environment before parsing, so secrets (API keys, database passwords)
// never have to live in the file. Durations use Go syntax ("10s", "1m").
//
// LoadAndValidate is the usual entry point: it loads, applies defaults for
// every optional field, and validates the result.
package config
