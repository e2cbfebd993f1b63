// Package flock provides advisory cross-process locks on a guard file.
//
// Agents coordinate through a shared directory. An in-process mutex cannot
// order two processes that both decide "the lock file is absent, create it",
// so every mutating path in lock and ack takes a short exclusive flock on a
// guard file for the duration of its read-decide-write step. The critical
// section never spans network or subprocess calls.
package flock
