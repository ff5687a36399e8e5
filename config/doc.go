// Package config defines the persisted runtime configuration.
//
// Configuration lives in the store as admin-editable key/value rows and is
// parsed into a typed [Config] at one boundary, with defaults substituted
// for missing, malformed, or non-positive values. Interval and timeout keys
// are stored as integer seconds, or as Go duration strings ("90s", "10m").
//
// [Loader] caches the parsed Config behind a short TTL so that every
// scheduler tick observes fresh values without a store round-trip per
// check. Admin edits take effect within one TTL window, at most one check
// interval after the write.
package config
