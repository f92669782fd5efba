// Package maple implements a sharded in-memory key-value database (KVDB).
// It is the physical store behind the key-value storage adapter and provides a
// complete implementation of the db.KVDB interface.
//
// The package focuses on:
//   - Concurrent access through sharding on top of xsync.MapOf
//   - Sorted prefix scans over the whole key space
//   - Persistence with fuzzy snapshots in a compact binary encoding
//
// Key Components:
//
//   - mapleImpl: The central structure implementing db.KVDB. It owns the shards,
//     stamps every write with a monotonically increasing write counter and
//     answers GetInfo with sampled size estimates.
//
//   - Shard: A partition of the key space with its own xsync.MapOf. Shards operate
//     independently, so writes to different keys rarely contend.
//
//   - Entry: The stored value plus the write counter value of its last update.
//
// Internal Mechanisms:
//
//   - Sharding Strategy: A key is hashed with util.HashString and an instance
//     specific seed. The hash is right-shifted by 7 bits before the modulo so the
//     higher-quality bits pick the shard.
//
//   - Prefix Scans: Keys(prefix) visits every shard and returns the matching keys
//     sorted. The adapter relies on this order for GetAll and Clear.
//
//   - No Expiry: The engine stores opaque bytes. Expiry lives inside the stored
//     JSON documents and is enforced by the adapter on read.
//
//   - Persistence Format:
//     1. Magic number "MAPLEDB\x00"
//     2. Version number (currently 4)
//     3. Number of entries (uint64)
//     4. For each entry: key length (uint32), key, value length (uint32), value
//     Save does not block writers, the snapshot is not a consistent cut. Load
//     builds a fresh set of shards and swaps them in under an exclusive lock, so a
//     failed Load leaves the old content untouched.
package maple
