// Package ack tracks messages that need an acknowledgment and re-sends
// them until one arrives or the retry budget runs out.
//
// # Store
//
// Pending entries live in one JSON document with a version counter:
//
//	{"version": 7, "pending_acks": [{"msg_id": "...", "sender_id": "planner",
//	  "recipient_id": "reviewer", "message": {...}, "sent_at": "...",
//	  "retry_count": 1, "next_retry_at": "..."}]}
//
// Writers never overwrite blindly. Store.CompareAndSwap re-reads the
// on-disk version under a flock guard and writes only when it still equals
// the version the caller started from, bumping it by one. Store.Update
// wraps that in a bounded read, mutate, compare-and-swap loop: on a
// conflict the mutation is discarded and recomputed against a fresh read.
//
// # Tracker
//
// SendWithAck sends a message and records it as pending. ReceiveAck
// removes the entry. ProcessPendingRetries is the sweep: it picks entries
// whose next_retry_at has passed, re-sends them outside any lock (this can
// be slow), then applies retry_count and next_retry_at through Update to
// the entries that are still pending at write time. An ACK that lands
// while the sweep is re-sending removes its entry and bumps the version,
// so the sweep's write conflicts, reloads, and does not bring the entry
// back. Entries that have used up MaxRetries are dropped and reported.
//
// An acknowledgment is itself a message of type ACK whose content is
// "ACK <msg_id>", sent back to the original sender.
package ack
