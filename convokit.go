// Package convokit provides a high-level façade over the session, memory and
// compaction services plus the turn runner, enabling rapid construction of
// stateful conversational backends. Most applications interact with this
// package by:
//  1. Creating a ConvoKit via New() with an agent (optionally overriding the
//     default in-memory services)
//  2. Creating sessions and driving turns asynchronously (Run) or
//     synchronously (RunSync)
//  3. Committing finished sessions to long-term memory and searching it on
//     later turns
//
// All defaults are safe for local development and testing; production
// deployments typically supply the file-backed session store, the semantic
// memory service and a structured logger.
package convokit

import (
	"context"

	"github.com/convokit/convokit/core"
	"github.com/convokit/convokit/logging"
	"github.com/convokit/convokit/memory"
	"github.com/convokit/convokit/runner"
	"github.com/convokit/convokit/session"
)

// Options configures the ConvoKit instance.
type Options struct {
	// EventBufferSize sets the channel buffer size for streamed events.
	// Larger buffers reduce blocking but increase memory usage.
	EventBufferSize int

	// SessionStore persists sessions (defaults to in-memory).
	SessionStore core.SessionStore

	// MemoryService stores cross-session knowledge (defaults to the
	// keyword strategy).
	MemoryService core.MemoryService

	// Compactor folds old history after each turn when set.
	Compactor runner.Compactor

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// ConvoKit is the high-level façade aggregating the runner and services.
type ConvoKit struct {
	opts   Options
	runner *runner.Runner
}

// New creates a ConvoKit driving the given agent. Any unset service is
// initialized with an in-memory implementation.
func New(agent core.Agent, optFns ...func(o *Options)) *ConvoKit {
	opts := Options{
		EventBufferSize: 100,
		SessionStore:    session.NewInMemoryStore(),
		MemoryService:   memory.NewInMemoryService(),
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	r := runner.New(agent, func(o *runner.Options) {
		o.EventBufferSize = opts.EventBufferSize
		o.SessionStore = opts.SessionStore
		o.Compactor = opts.Compactor
		o.Logger = opts.Logger
	})

	return &ConvoKit{opts: opts, runner: r}
}

// CreateSession creates a new session under the (appName, userID) scope. An
// empty sessionID generates one; initialState may carry scope-prefixed keys.
func (c *ConvoKit) CreateSession(ctx context.Context, appName, userID, sessionID string, initialState map[string]any) (*core.Session, error) {
	return c.opts.SessionStore.Create(ctx, appName, userID, sessionID, initialState)
}

// GetSession returns the hydrated session for the triple.
func (c *ConvoKit) GetSession(ctx context.Context, appName, userID, sessionID string) (*core.Session, error) {
	return c.opts.SessionStore.Get(ctx, appName, userID, sessionID)
}

// DeleteSession removes the session and its events. User- and app-scope
// state survives deletion.
func (c *ConvoKit) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	return c.opts.SessionStore.Delete(ctx, appName, userID, sessionID)
}

// ListSessions enumerates the sessions of one user within an app.
func (c *ConvoKit) ListSessions(ctx context.Context, appName, userID string) ([]core.SessionSummary, error) {
	return c.opts.SessionStore.List(ctx, appName, userID)
}

// Run starts an asynchronous turn returning the invocation id plus event and
// error channels.
func (c *ConvoKit) Run(
	ctx context.Context,
	appName, userID, sessionID string,
	userContent core.Content,
	optFns ...func(o *runner.RunOptions),
) (string, <-chan core.Event, <-chan error, error) {
	return c.runner.Run(ctx, appName, userID, sessionID, userContent, optFns...)
}

// RunSync drives one turn to completion and returns all emitted events.
func (c *ConvoKit) RunSync(
	ctx context.Context,
	appName, userID, sessionID string,
	userContent core.Content,
	optFns ...func(o *runner.RunOptions),
) ([]core.Event, error) {
	return c.runner.RunSync(ctx, appName, userID, sessionID, userContent, optFns...)
}

// Cancel aborts a running invocation by id.
func (c *ConvoKit) Cancel(invocationID string) error {
	return c.runner.Cancel(invocationID)
}

// AddSessionToMemory commits a session's content-bearing events to long-term
// memory.
func (c *ConvoKit) AddSessionToMemory(ctx context.Context, appName, userID, sessionID string) error {
	sess, err := c.opts.SessionStore.Get(ctx, appName, userID, sessionID)
	if err != nil {
		return err
	}
	return c.opts.MemoryService.AddSessionToMemory(ctx, sess)
}

// SearchMemory queries long-term memory within the (appName, userID) scope.
func (c *ConvoKit) SearchMemory(ctx context.Context, appName, userID, query string) ([]core.MemoryEntry, error) {
	return c.opts.MemoryService.SearchMemory(ctx, appName, userID, query)
}
