// Package storage persists pillbot's scheduled-notification mappings.
//
// A mapping is the only durable record linking a medication schedule to the
// opaque identifier the device scheduler returned for it. Deleting a mapping
// without cancelling the scheduler entry first orphans that entry: it will
// keep firing with stale content. The reminder engine owns that ordering;
// this package just stores rows.
package storage
