// Package coord assembles the coordination components for one process.
//
// A Runtime is built once from a config.Config and owns every shared
// component: the discovery backend, the agent registry, the lock manager,
// the message log and signer, the rate limiter, the delivery service and
// the acknowledgment tracker. Components receive their collaborators
// through constructors; nothing is looked up from package globals.
//
// Coordination state lives under the project's state directory
// (".coven" by default):
//
//	registry.json        agent registry snapshot
//	locks/               one lock file per locked path
//	messages.jsonl       append-only message log
//	pending_acks.json    versioned pending-ack document
//	signing.key          shared message signing key
//
// Run drives the background loops a long-lived agent companion needs:
// registry refresh, rate limiter cleanup, the ack retry sweep and, when
// the runtime knows which agent it serves, lock refresh and inbound ACK
// handling. Run returns when its context ends or a loop fails, after
// releasing the agent's locks.
package coord
