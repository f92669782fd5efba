// Package db provides a standardized interface for flat key-value database
// implementations. It is the physical layer below the key-value storage adapter:
// the adapter namespaces keys as {dbName}:{version}:{table}:{key} and stores
// JSON encoded records as values.
//
// The package focuses on:
//   - A unified interface for synchronous key-value operations
//   - Prefix scans so callers can enumerate one namespace
//   - Feature discovery through capability flags
//   - Standardized persistence operations
//
// Key Components:
//
//   - KVDB Interface: The core interface that all database implementations must satisfy.
//     It provides methods for basic operations (Set, Get, Has, Delete),
//     enumeration (Keys, Len), metadata retrieval (GetInfo)
//     and persistence operations (Save, Load).
//
//   - Feature Flags: The Feature type defines capability flags that implementations
//     can advertise through the SupportsFeature method.
//
//   - Database Information: The DatabaseInfo structure reports size estimates,
//     the number of entries and implementation specific metadata.
//
// Note on expiry:
//   - The engine knows nothing about time. Records carry their own expiresAt field and
//     expired entries are deleted by the reader that discovers them, never by a
//     background sweep.
//
// Related Packages:
//
// The engines/maple package provides a sharded in-memory implementation built on
// xsync.MapOf with a compact binary snapshot format.
//
// The testing package provides the standardized test suite (RunKVDBTests) and
// benchmarks (RunKVDBBenchmarks) every implementation must pass.
package db
