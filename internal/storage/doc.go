// Package storage provides the durable state used by a dispatch run.
//
// It currently supports:
//   - The dedup ledger (file snapshot + journal, sqlite, or a redis set)
//   - Identity state (file with atomic replace, or sqlite)
package storage
