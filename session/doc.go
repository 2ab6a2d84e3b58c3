// Package session provides Redis-backed session persistence and the atomic
// refresh-token rotation that makes reuse detectable.
//
// # Binary encoding
//
// Records are stored as a compact binary blob (version byte, account ID,
// refresh hash, timestamps). The format is append-only; the rotation script
// computes the hash offset from the first two bytes and splices the next
// hash in place.
//
// # Architecture boundaries
//
// This package owns the [Store] and the [Record] model. It does not mint
// tokens or decide policy — an invalidated record simply stops rotating,
// and the engine maps that to its public error taxonomy.
package session
