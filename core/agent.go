package core

import "context"

// Invocation carries the inputs for one top-level request/response cycle
// handed to an Agent: the hydrated session (a clone; mutations do not leak
// back), the persisted user event that opened the cycle, and the branch the
// agent operates on ("" for the root).
type Invocation struct {
	InvocationID string
	Session      *Session
	UserContent  Content
	Branch       string
}

// Agent is the opaque abstraction the runner delegates to once per turn.
// Given an invocation it produces zero or more response events (model
// replies, tool interactions, sub-agent output) on the returned channel, in
// the order they should be persisted and surfaced.
//
// Implementations must:
//   - Close both channels when the invocation completes
//   - Send at most one terminal error (buffered size 1 suffices)
//   - Respect context cancellation promptly; events already emitted remain
//     valid and persisted by the runner
type Agent interface {
	Name() string
	Run(ctx context.Context, inv *Invocation) (<-chan Event, <-chan error)
}
