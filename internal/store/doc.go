// Package store persists the project directory.
//
// A Project names a working directory that sessions can be started against.
// The directory is consulted by operator commands (start a session in a known
// project) and by the coordinator's spawn_worker and list_projects tools.
//
// SQLiteStore is the production implementation, backed by the pure-Go
// modernc.org/sqlite driver with WAL enabled. MockStore is an in-memory
// implementation with the same semantics for tests.
//
// # Errors
//
//   - ErrNotFound: no project with the requested ID or name
//   - ErrDuplicateProject: the name (or ID) is already taken
package store
