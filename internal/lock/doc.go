// Package lock serializes agents' access to shared files with lock files in
// the coordination state directory.
//
// # Lock Objects
//
// Each locked path has one JSON file in the locks directory:
//
//	{"agent_id": "planner", "filepath": "src/auth/login.py",
//	 "locked_at": "2026-01-02T15:04:05Z", "reason": "refactoring"}
//
// The file name is derived from the normalized path: a readable prefix plus
// a short BLAKE2b hash, so distinct paths never share a lock file.
//
// # Paths
//
// Paths are normalized against the project root. Relative paths are joined
// to the root, symlinks in the longest existing prefix are resolved, and
// anything that ends up outside the root fails with ErrPathOutsideRoot.
// That is a hard error, not a conflict.
//
// # Acquire
//
// Acquire reads the current lock and decides under both an in-process mutex
// and a flock on the directory's guard file:
//
//   - no lock: write one for the caller
//   - same holder: rewrite it with a fresh locked_at (refresh)
//   - other holder, younger than the timeout: return a *Conflict
//   - other holder, at least the timeout old: take it over
//
// Every write goes through atomicfile, a temp file renamed over the lock, so
// a refreshed lock is never momentarily absent. A failed write leaves the
// previous lock in place and is returned to the caller.
//
// # Refresh
//
// Locks are leases. A holder keeps them alive with Refresh, usually from a
// Refresher goroutine running at a fraction of the stale timeout. Refresh
// reports locks the process thought it held but that now belong to someone
// else.
package lock
