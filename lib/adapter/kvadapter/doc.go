// Package kvadapter implements adapter.Adapter over a flat db.KVDB key space.
//
// Every record lives under the physical key
//
//	{dbName}:{version}:{table}:{key}
//
// and is stored as JSON, including the optional expiresAt field. GetAll, Clear and
// Count scan the keys with the table prefix, so GetAll returns records in the
// lexicographic order of their formatted keys. Bumping the version therefore starts
// with an empty namespace, old entries are left untouched.
//
// The backend is synchronous: expired records are deleted on the read that finds them
// and values that are not valid JSON are deleted and reported as absent.
//
// With a SnapshotPath the engine content survives restarts: Connect loads the
// snapshot if it exists and Close writes it back.
package kvadapter
