// Package delivery sends coordination messages: the pipeline from caller
// input to a signed, logged message and a best-effort nudge into each
// recipient's session.
//
// # Pipeline
//
// Send and Broadcast run the same steps:
//
//  1. validate and sanitize sender, recipients and content
//  2. build the message and sign it
//  3. admit it through the sender's rate limiter (no partial sends)
//  4. resolve each recipient through the registry
//  5. append the message to the log, exactly once
//  6. paste it into each resolved recipient with retry
//
// The log is the record of delivery, so it is written before any nudge:
// a nudged agent that reads its messages immediately will find it. An
// unknown recipient or a failed nudge is reported per recipient in the
// Result; it does not undo the log entry.
//
// Rate limiting is a result, not an error: Result.Status is
// StatusRateLimited and nothing is logged or delivered.
//
// # Retry
//
// A nudge first checks the target with the backend. An unverifiable target,
// a backend that cannot deliver, and any error not known to be transient
// fail after one attempt. Transient errors (timeouts, refused or reset
// connections, EAGAIN, and tmux messages such as "server not responding")
// are retried with cenkalti/backoff up to RetryPolicy.MaxAttempts. Delays
// double from InitialDelay, are capped at MaxDelay and get symmetric
// jitter, and the jittered value is clamped to MaxDelay again.
package delivery
