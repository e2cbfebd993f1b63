// Package registry persists the set of known agents for a project.
//
// # Overview
//
// The registry is a single JSON document in the coordination state
// directory:
//
//	{
//	  "session_name": "coven",
//	  "updated_at": "2026-01-02T15:04:05Z",
//	  "agents": [{"id": "planner", "identifier": "%1", "pid": 4242, ...}]
//	}
//
// Whichever process runs discovery rewrites it with atomicfile, so readers
// always see a complete snapshot. Any agent resolves a peer's id to a
// deliverable backend identifier with Resolve. An id missing from the
// latest snapshot is unreachable.
//
// # Refresh
//
// Refresh scans with a Backend and replaces the snapshot. Agents that were
// present last time but not rediscovered are kept with status "stale" until
// StaleAfter has passed since they were last seen, so a briefly busy pane
// does not vanish from peers' view. Concurrent refreshes from different
// processes are serialized with a flock guard next to the registry file.
package registry
