// Package storage keeps subscriber records.
//
// Two drivers are available:
//   - file: a single JSON object keyed by subscriber id. The full map is
//     kept in memory; every write mutates one entry on a copy and replaces
//     the file through temp+fsync+rename before memory is updated.
//   - sqlite: a subscribers table with upserts, WAL and synchronous=FULL.
package storage
