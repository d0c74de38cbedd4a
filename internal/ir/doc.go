// Package ir provides the replicated data model shared by every other package.
//
// This package contains type definitions and their encodings only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - column values are Null, String, Int, Bool or Bytes
//   - A change record is attributable: every record carries its origin SiteID
//     and the origin's sequence number, both preserved when relayed
//   - All persisted values go through the canonical encoding, so equal values
//     always have equal bytes (uniqueness lookups depend on this)
//   - JSON field names of ChangeRecord are part of the replication wire format
//     and must not change
package ir
