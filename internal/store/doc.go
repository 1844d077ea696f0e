// Package store defines the graph store interface the federation importer
// and the changelog write through.
//
// The store is the single owner of persisted entities, edges, sources and
// changelog events. Backends live in subpackages:
//
//   - memory: ephemeral maps, for tests and dry runs
//   - sqlite: mattn/go-sqlite3 with WAL and user_version migrations
//   - postgres: lib/pq, serialized writers via pg_advisory_xact_lock
//
// # Write Discipline
//
// All writes go through Update, which runs its callback inside the store's
// single-writer critical section. Changelog seq numbers are allocated there,
// so seq is gap-free and strictly increasing per store, and a failed
// callback leaves neither records nor events behind.
//
// # Ordering
//
// Listing methods return records sorted by id (byte order) and events
// sorted by seq.
package store
