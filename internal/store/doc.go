// Package store provides the SQLite-backed replicated change-log store.
//
// Every tracked table is stored column-wise: one cell per (table, pk, column)
// carrying the column version and the site that wrote it, plus one row entry
// carrying the causal length (odd = live, even = deleted). Every mutation is
// also appended to an ordered replay log, which is what peers exchange.
//
// # Versioning
//
//   - db_version is the replica's logical clock. One write transaction
//     allocates exactly one version, and only if it changed something.
//   - sequence is a per-site counter assigned when a record is originated
//     and preserved when another replica re-logs it.
//   - (table, pk, column, site, sequence) identifies a record; applying a
//     record twice is a no-op.
//
// # Merge
//
// An incoming record is compared against the local state in this order:
// causal length (greater wins), column version (greater wins), site id
// (byte-wise greater wins). Anything that does not win is skipped, not
// rejected. Winning remote records are re-logged under a fresh local
// db_version, so the log always explains the current cells. They are
// normally not relayed: the sync cursor moves past them in the round that
// applied them, and every peer receives them from their origin. One that is
// sent on anyway, when that round could not advance the cursor, keeps its
// origin site and sequence and is skipped as a duplicate.
//
// # Inbox
//
// Batches accepted from peers are queued in crr_inbox until the
// coordinator has applied them, so a restart between accepting and
// applying loses nothing.
//
// # Ordering
//
// Log reads use ORDER BY db_version, seq, id so results are identical across
// calls and replays.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - auto_vacuum=INCREMENTAL: compaction can release pages cheaply
//   - one open connection: SQLite has a single writer
package store
