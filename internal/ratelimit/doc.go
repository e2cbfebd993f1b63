// Package ratelimit implements per-sender sliding-window admission control
// for outgoing messages.
//
// Each sender has a bounded ring of its most recent send times, at most
// MaxMessages long. A send is allowed when fewer than MaxMessages of those
// times fall inside the trailing Window. State is in memory for the life of
// the process and is never persisted.
//
// Check is a pure query and Record is the mutation. Allow does both under
// one lock, which is what the delivery pipeline uses so two goroutines
// cannot both pass the last free slot. CleanupInactiveAgents bounds memory
// when many distinct senders appear over a long run.
package ratelimit
