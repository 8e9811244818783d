// Package remind is pillbot's reminder scheduling and reconciliation engine.
//
// # Two stores, no transaction
//
// The engine keeps two independently-mutable stores consistent: the device
// scheduler's volatile registry (what will actually fire) and the mapping
// store's durable intent (what we believe is registered). They are never
// updated transactionally, so the engine is built around convergence:
//
//   - The orchestrator converges scheduler + store to match the current
//     medication configuration (targeted edits or a full rebuild).
//   - The reconciler classifies every stored mapping against a fresh
//     scheduler snapshot — matched, missing from the scheduler, or an
//     orphaned reference to a schedule that no longer exists — and repairs
//     the drift it finds. Classification is always derived, never persisted,
//     so the verdict cannot itself go stale.
//
// # Grouping
//
// Enabled daily schedules that share a wall-clock time and timezone merge
// into one grouped notification; per-medication settings combine with
// explicit combinators (strictest interruption level wins, smallest
// follow-up delay wins).
package remind
