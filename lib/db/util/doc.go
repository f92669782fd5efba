// Package util provides helpers for database implementations that satisfy the
// db.KVDB interface.
//
// The package contains:
//   - functions: seeded FNV-1a hashing used for shard selection and seed generation
//   - statistics: a SizeHistogram for estimating value sizes without a full scan,
//     plus Stats/DistributionStats to report how evenly entries are spread over shards
//
// Both are used by the maple engine to answer GetInfo cheaply.
package util
