// Package registry is the session registry and event router.
//
// A Registry owns every worker session, the pending questions they raise, the
// escalations the coordinator hands to the human, the bounded activity log,
// the chat transcript, and the current coordinator instance. Operator
// commands and coordinator tools both go through it.
//
// # Routing
//
// A question raised while a coordinator is running is pushed into the
// coordinator's input and kept out of the operator's question list. Without a
// coordinator the question is published as question_added (direct mode).
// When a coordinator stops, its unescalated questions are re-published to the
// operator so none is stranded.
//
// # Event stream
//
// Every mutation publishes exactly one event while the router lock is held,
// so subscribers observe a single serialized sequence. Subscribe returns a
// snapshot and a subscription taken under the same lock.
//
// # Locking
//
// Session and coordinator callbacks take the router lock. The registry
// therefore never calls Session.Stop, Coordinator.Start, Coordinator.Stop or
// Coordinator.ResolveEscalation while holding it.
package registry
