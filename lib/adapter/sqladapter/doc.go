// Package sqladapter implements adapter.Adapter on a versioned SQLite database
// (modernc.org/sqlite, no cgo).
//
// Physical layout:
//
//   - One database file {DataDir}/{DBName}.db, or an in-memory database if DataDir is empty.
//   - The schema version lives in PRAGMA user_version.
//   - One SQL table per schema table with the columns
//     pk (no declared type, so keys keep their storage class),
//     doc (the record as JSON, including expiresAt) and
//     expires_at (a copy of expiresAt used by Count and evictions).
//   - One index per declared index field on json_extract(doc, '$."field"'),
//     named {table}__{field}.
//
// Versioning:
//
// Connect compares the configured version with the stored one. A newer stored version
// fails with RetCVersionError. An older one starts an upgrade transaction that creates
// every missing table and index, runs the optional MigrationFunc and writes the new
// version. Any failure rolls the upgrade back and Connect returns RetCMigrationFailed.
//
// Transactions:
//
// Every adapter call is one native transaction run by WithTransaction. The transaction
// decides the outcome, not the callback: writes issued before the callback fails are
// committed unless the error wraps ErrAbort.
//
// Expiry:
//
// Reads hide expired records and hand their keys to a small ants worker pool which
// deletes them in a separate transaction. Reads do not wait for these evictions;
// Close does.
//
// The database uses a single connection, so calls are serialized and a MigrationFunc
// must issue its statements on the transaction it is given.
package sqladapter
