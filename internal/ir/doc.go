// Package ir provides the canonical intermediate representation shared by
// every other package: property values, Rule-IR, Patch-IR, Strategy-IR,
// content hashes and the typed error taxonomy.
//
// ir imports nothing internal. All other internal packages import it.
//
// Key design constraints:
//   - NO float and NO null values; numbers are int64
//   - Canonical JSON (RFC 8785) is the only input to content hashing
//   - Hashes are BLAKE3 with a per-kind domain prefix
//   - All JSON field names are lowercase, except the L/K/R/NAC pattern keys
package ir
