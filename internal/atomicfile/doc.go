// Package atomicfile writes files so that readers never observe a partial
// or missing file.
//
// WriteFile stages content in a ".tmp" sibling, fsyncs it and renames it over
// the destination. rename(2) replaces the destination in one step, which is
// what lets a lock holder refresh its lock file without the lock ever being
// absent.
//
// CreateExclusive stages content under a unique name and hard-links it into
// place. link(2) fails if the destination exists, so the first writer wins
// and the loser can read what the winner wrote.
//
// Both functions remove their staging file on every failure path and report
// the failure wrapped in ErrWrite.
package atomicfile
