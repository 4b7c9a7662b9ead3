// Package store persists graph versions.
//
// A version is durable once its WAL record is fsynced. The compactor
// later folds WAL records into content-addressed segments (zstd
// compressed, kept in BadgerDB, bbolt or memory) and per-version
// manifests in SQLite, then rewrites the WAL without them.
//
// # Layout
//
//	<dir>/wal.log         framed, checksummed commit records
//	<dir>/manifest.db     versions, refs, checkpoint, provenance (SQLite)
//	<dir>/objects/        segments (badger backend)
//	<dir>/segments.bolt   segments (bolt backend)
//
// # Integrity
//
// Every load recomputes the hash of each segment and element, the Merkle
// root and the version hash. Any mismatch is an INTEGRITY_ERROR and the
// version is refused. WAL replay re-applies each patch and checks that it
// reproduces the recorded version.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: the graph WAL, not SQLite, carries durability
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
