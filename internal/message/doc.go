// Package message defines the coordination message model: typed messages
// between agents, input validation and sanitization, and keyed-hash
// signatures.
//
// # Messages
//
// A Message has a unique id (uuid), a sender, one or more recipients (agent
// ids, or the broadcast token "all"), a Type, sanitized content, a UTC
// timestamp and a signature. The JSON form is exactly the message log line:
//
//	{"timestamp": "...", "sender": "planner", "msg_type": "INFO",
//	 "content": "...", "recipients": ["reviewer"], "msg_id": "...",
//	 "signature": "..."}
//
// # Validation
//
// Agent ids must match [A-Za-z0-9][A-Za-z0-9_.-]{0,63}. Content is stripped
// of terminal escape sequences and control characters (newline and tab are
// kept), must be non-empty and is bounded in runes. Every rejection is a
// *ValidationError naming the field; errors.Is(err, ErrValidation) matches
// all of them.
//
// # Signatures
//
// Signer computes a BLAKE2b-256 keyed hash over the JSON encoding of
// [sender, content, timestamp, recipients]. JSON framing keeps field
// boundaries unambiguous. Verify recomputes the hash and compares in
// constant time, so any change to those fields after signing is detected.
// The key is shared by every agent on the filesystem: LoadOrCreateKey
// creates it once with a first-writer-wins exclusive create.
package message
