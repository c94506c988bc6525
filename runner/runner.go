package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convokit/convokit/core"
	"github.com/convokit/convokit/logging"
	"github.com/convokit/convokit/session"
)

// Compactor folds old history after an invocation completes. The compaction
// engine satisfies this; a nil Compactor disables post-turn compaction.
type Compactor interface {
	OnInvocationEnd(ctx context.Context, store core.SessionStore, sess *core.Session) (*core.Event, error)
}

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// EventBufferSize sets channel buffering for streamed events.
	EventBufferSize int
	// RunTimeout bounds a single turn end to end. Zero means no limit.
	// Events persisted before the deadline stay persisted.
	RunTimeout time.Duration
	// SessionStore provides session persistence.
	SessionStore core.SessionStore
	// Compactor runs after each completed invocation when set.
	Compactor Compactor
	// Logger receives runner diagnostics.
	Logger logging.Logger
}

// RunOptions tune a single Run call.
type RunOptions struct {
	// StateDelta is applied alongside the user's input event. Keys use the
	// usual scope prefixes.
	StateDelta map[string]any
	// Branch scopes the turn to a sub-agent conversation path.
	Branch string
}

// opTimer is the operation-timing surface a configured logger may offer, as
// logging.ConvoLogger does.
type opTimer interface {
	StartTimer(op string) func()
}

// Runner drives turns against a single agent. Public methods are safe for
// concurrent use.
type Runner struct {
	agent core.Agent

	eventBufferSize int
	runTimeout      time.Duration
	store           core.SessionStore
	compactor       Compactor
	logger          logging.Logger

	mu           sync.Mutex
	activeRuns   map[string]context.CancelFunc
	sessionLocks map[string]*sync.Mutex
}

// New constructs a Runner with optional overrides. The default session store
// is process-local.
func New(agent core.Agent, optFns ...func(o *Options)) *Runner {
	opts := Options{
		EventBufferSize: 100,
		SessionStore:    session.NewInMemoryStore(),
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Runner{
		agent:           agent,
		eventBufferSize: opts.EventBufferSize,
		runTimeout:      opts.RunTimeout,
		store:           opts.SessionStore,
		compactor:       opts.Compactor,
		logger:          opts.Logger,
		activeRuns:      make(map[string]context.CancelFunc),
		sessionLocks:    make(map[string]*sync.Mutex),
	}
}

// SessionStore exposes the runner's store for callers that manage session
// lifecycle directly.
func (r *Runner) SessionStore() core.SessionStore { return r.store }

func (r *Runner) sessionLock(appName, userID, sessionID string) *sync.Mutex {
	key := appName + "/" + userID + "/" + sessionID
	r.mu.Lock()
	defer r.mu.Unlock()
	lk, ok := r.sessionLocks[key]
	if !ok {
		lk = &sync.Mutex{}
		r.sessionLocks[key] = lk
	}
	return lk
}

// Run executes one turn asynchronously and returns the invocation id plus
// the event and error streams. The session must already exist; Run fails
// with core.ErrNotFound otherwise.
//
// Contract:
//   - The user's input event (carrying any caller state delta) is persisted
//     and emitted before any agent event.
//   - Agent events are persisted in production order; partial events are
//     emitted but never persisted.
//   - Compaction output, when any, is persisted but not emitted.
//   - Both channels are closed when the turn finishes.
func (r *Runner) Run(
	ctx context.Context,
	appName, userID, sessionID string,
	userContent core.Content,
	optFns ...func(o *RunOptions),
) (string, <-chan core.Event, <-chan error, error) {
	var runOpts RunOptions
	for _, fn := range optFns {
		fn(&runOpts)
	}

	lk := r.sessionLock(appName, userID, sessionID)
	lk.Lock()

	if _, err := r.store.Get(ctx, appName, userID, sessionID); err != nil {
		lk.Unlock()
		return "", nil, nil, fmt.Errorf("load session: %w", err)
	}

	invocationID := core.NewID()

	userEvent := core.NewUserContentEvent(invocationID, &userContent)
	if len(runOpts.StateDelta) > 0 {
		userEvent.Actions.StateDelta = runOpts.StateDelta
	}
	if runOpts.Branch != "" {
		b := runOpts.Branch
		userEvent.Branch = &b
	}
	if err := r.store.AppendEvent(ctx, appName, userID, sessionID, userEvent); err != nil {
		lk.Unlock()
		return "", nil, nil, fmt.Errorf("append user event: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.runTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	r.mu.Lock()
	r.activeRuns[invocationID] = cancel
	r.mu.Unlock()

	eventsCh := make(chan core.Event, r.eventBufferSize)
	errorsCh := make(chan error, 1)

	go func() {
		if tl, ok := r.logger.(opTimer); ok {
			defer tl.StartTimer("run")()
		}
		defer func() {
			close(eventsCh)
			close(errorsCh)
			r.mu.Lock()
			delete(r.activeRuns, invocationID)
			r.mu.Unlock()
			cancel()
			lk.Unlock()
		}()

		eventsCh <- userEvent

		sess, err := r.store.Get(runCtx, appName, userID, sessionID)
		if err != nil {
			errorsCh <- fmt.Errorf("reload session: %w", err)
			return
		}

		inv := &core.Invocation{
			InvocationID: invocationID,
			Session:      sess,
			UserContent:  userContent,
			Branch:       runOpts.Branch,
		}
		if !r.streamAgent(runCtx, appName, userID, sessionID, inv, eventsCh, errorsCh) {
			return
		}

		r.maybeCompact(appName, userID, sessionID)
	}()

	return invocationID, eventsCh, errorsCh, nil
}

// streamAgent forwards agent events to the caller while persisting the
// non-partial ones. It reports whether the turn ran to completion.
func (r *Runner) streamAgent(
	ctx context.Context,
	appName, userID, sessionID string,
	inv *core.Invocation,
	eventsCh chan<- core.Event,
	errorsCh chan<- error,
) bool {
	agentEvents, agentErrs := r.agent.Run(ctx, inv)
	for {
		select {
		case <-ctx.Done():
			errorsCh <- fmt.Errorf("run aborted: %w", ctx.Err())
			return false
		case err, ok := <-agentErrs:
			if !ok {
				agentErrs = nil
				if agentEvents == nil {
					return true
				}
				continue
			}
			if err != nil {
				errorsCh <- fmt.Errorf("agent execution failed: %w", err)
				return false
			}
		case ev, ok := <-agentEvents:
			if !ok {
				agentEvents = nil
				if agentErrs == nil {
					return true
				}
				continue
			}
			if ev.InvocationID == "" {
				ev.InvocationID = inv.InvocationID
			}
			if !ev.IsPartial() {
				if err := r.store.AppendEvent(ctx, appName, userID, sessionID, ev); err != nil {
					errorsCh <- fmt.Errorf("append agent event: %w", err)
					return false
				}
			}
			select {
			case <-ctx.Done():
				errorsCh <- fmt.Errorf("run aborted: %w", ctx.Err())
				return false
			case eventsCh <- ev:
				r.logger.Debug("runner delivered event", "event_id", ev.ID, "session_id", sessionID)
			}
		}
	}
}

// maybeCompact runs the compaction engine after a completed turn. Failures
// are logged and abandoned; the engine retries on the next turn.
func (r *Runner) maybeCompact(appName, userID, sessionID string) {
	if r.compactor == nil {
		return
	}
	// Compaction persists past the run's own deadline.
	ctx := context.Background()
	sess, err := r.store.Get(ctx, appName, userID, sessionID)
	if err != nil {
		r.logger.Warn("compaction skipped", "session_id", sessionID, "error", err)
		return
	}
	if _, err := r.compactor.OnInvocationEnd(ctx, r.store, sess); err != nil {
		r.logger.Warn("compaction pass failed", "session_id", sessionID, "error", err)
	}
}

// Cancel aborts a running invocation. Canceling an unknown or already
// finished invocation fails with core.ErrNotFound.
func (r *Runner) Cancel(invocationID string) error {
	r.mu.Lock()
	cancel, ok := r.activeRuns[invocationID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: invocation %s", core.ErrNotFound, invocationID)
	}
	cancel()
	return nil
}

// RunSync executes one turn and blocks until it finishes, returning all
// emitted events in order. The first streamed error aborts the drain.
func (r *Runner) RunSync(
	ctx context.Context,
	appName, userID, sessionID string,
	userContent core.Content,
	optFns ...func(o *RunOptions),
) ([]core.Event, error) {
	_, eventsCh, errorsCh, err := r.Run(ctx, appName, userID, sessionID, userContent, optFns...)
	if err != nil {
		return nil, err
	}

	var out []core.Event
	for eventsCh != nil || errorsCh != nil {
		select {
		case ev, ok := <-eventsCh:
			if !ok {
				eventsCh = nil
				continue
			}
			out = append(out, ev)
		case err, ok := <-errorsCh:
			if !ok {
				errorsCh = nil
				continue
			}
			if err != nil {
				return out, err
			}
		}
	}
	return out, nil
}
