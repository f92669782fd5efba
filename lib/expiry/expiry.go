// Package expiry attaches and strips time-to-live timestamps on records.
//
// A record that should expire carries an absolute `expiresAt` field holding
// epoch milliseconds. The field is stored together with the record and is not
// part of the logical schema. Expired records are never swept in the
// background: a read that finds one reports it as absent and triggers the
// deletion through the onExpire callback.
package expiry

import (
	"time"

	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/spf13/cast"
)

// ExpiresAtField is the record field holding the absolute expiry time in epoch milliseconds.
const ExpiresAtField = "expiresAt"

// Clock returns the current time. Adapters accept a Clock so tests can move time.
type Clock func() time.Time

// SystemClock is the default Clock.
func SystemClock() time.Time {
	return time.Now()
}

// WrapWithExpiry returns rec unchanged if ttl is zero. Otherwise it returns a shallow
// copy with expiresAt = now + ttl attached. A negative ttl produces an already expired record.
func WrapWithExpiry(rec schema.Record, ttl time.Duration, now time.Time) schema.Record {
	if ttl == 0 {
		return rec
	}
	out := schema.Clone(rec)
	if out == nil {
		out = schema.Record{}
	}
	out[ExpiresAtField] = now.Add(ttl).UnixMilli()
	return out
}

// ExpiresAt returns the expiry timestamp of a stored record in epoch milliseconds.
// The boolean is false if the record has no (parsable) expiresAt field.
func ExpiresAt(stored schema.Record) (int64, bool) {
	raw, ok := stored[ExpiresAtField]
	if !ok || raw == nil {
		return 0, false
	}
	ms, err := cast.ToInt64E(raw)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// IsExpired reports whether the stored record is expired at now.
func IsExpired(stored schema.Record, now time.Time) bool {
	ms, ok := ExpiresAt(stored)
	return ok && now.UnixMilli() >= ms
}

// UnwrapWithExpiry returns the stored record as long as it is not expired.
//
//   - no expiresAt: stored is returned as-is
//   - now >= expiresAt: onExpire is called (if not nil) and (nil, false) is returned
//   - otherwise: stored is returned unchanged, including its expiresAt field
func UnwrapWithExpiry(stored schema.Record, now time.Time, onExpire func()) (schema.Record, bool) {
	if stored == nil {
		return nil, false
	}
	if !IsExpired(stored, now) {
		return stored, true
	}
	if onExpire != nil {
		onExpire()
	}
	return nil, false
}
