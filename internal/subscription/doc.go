// Package subscription implements the Subscription Registry.
//
// The registry tracks two sets of (kind, channel, identifier) keys:
//   - desired: what the consumer currently wants streamed
//   - active: what the server has accepted on the current connection
//
// SetDesired and Pending compute the minimal Diff between the two; the
// caller sends the resulting commands and only then commits them with
// MarkActive / MarkInactive. A key never leaves the active set without an
// unsubscribe having been accepted, except through Reset when the physical
// connection that held it is gone.
//
// A Registry is not safe for concurrent use; it is owned by the session
// goroutine.
package subscription
