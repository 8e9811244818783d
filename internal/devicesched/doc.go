// Package devicesched is pillbot's device-resident notification scheduler.
//
// # Overview
//
// It keeps an in-memory registry of notification registrations, each pairing
// rendered content with a trigger. Daily triggers are backed by a cron entry
// ("m h * * *") evaluated against the device clock; one-shot triggers are
// backed by a timer. When a trigger fires, the registration is handed to the
// configured fire callback on a small worker pool.
//
// # Volatility
//
// The registry is deliberately volatile: a process restart drops every
// registration, just like an OS notification center after a reinstall or an
// entry-count purge. Durable intent lives in the mapping store, and the
// reminder engine's convergence pass re-registers everything on startup.
// Callers must treat identifiers returned by Register as opaque.
package devicesched
