// Package msglog is the durable, append-only record of every coordination
// message. It is the delivery mechanism of record: pane pastes are only a
// nudge, recipients find their messages here.
//
// # Format
//
// One JSON object per line, the message.Message encoding:
//
//	{"timestamp":"...","sender":"planner","msg_type":"INFO","content":"...","recipients":["all"],"msg_id":"...","signature":"..."}
//
// # Writing
//
// Append encodes the message and writes the whole line with a single
// write(2) on an O_APPEND descriptor while holding a flock guard, so lines
// from different processes never interleave.
//
// # Reading
//
// Read scans the file and applies a Filter (recipient or "all", sender,
// type, since, limit). Malformed lines are skipped and counted, never
// fatal. Signatures are left for the caller to check.
//
// # Watching
//
// Watch returns a Watcher positioned at the current end of the log. Run
// follows new lines using fsnotify events on the log's directory, with a
// slow poll as a backstop, and drops msg_ids it has already delivered
// using a dedupe.Cache, since at-least-once retries reuse the id.
package msglog
