// Package notify delivers reminder notifications to the chat platform.
//
// Fired scheduler registrations are rendered into messages and pushed through
// an async pipeline: bounded queue, worker pool, token-bucket rate limit and
// exponential retry. Delivery is best-effort; a full queue drops the message
// rather than blocking the scheduler's fire path.
package notify
