// Package dedupe suppresses repeated message ids.
//
// Delivery is at-least-once: an unacknowledged message is re-sent with the
// same msg_id, so a reader tailing the message log can see it more than
// once. A reader passes every id through Cache.Seen and skips the ones it
// has already handled. The cache is bounded in both time (TTL) and size, so
// a long-running watcher uses constant memory.
package dedupe
