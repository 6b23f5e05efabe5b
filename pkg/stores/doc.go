// Package stores persists the management engine's state in SQLite: every
// committed configuration tree, keyed by generation, and a journal of
// finished operations.
//
// SQLiteStore implements tree.Persister, so a tree store configured with
// tree.WithPersister saves each commit before publishing it, and
// engine.Journal, so the operation pipeline records every operation outcome.
// The schema is managed by golang-migrate from embedded migrations.
//
// On startup the latest snapshot is loaded with LoadLatest and replayed as a
// composite add operation, which rebuilds both the tree and its services.
package stores
