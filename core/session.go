package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ClockSkewTolerance bounds how far an appended event's timestamp may lag
// behind the latest event already in the log. Appends beyond the tolerance
// fail validation; within it, insertion order is the tiebreak.
const ClockSkewTolerance = 2 * time.Second

// Session represents one conversation thread, identified by the globally
// unique (AppName, UserID, ID) triple. It tracks scope-layered key/value
// state plus an ordered, branch-aware event history. Sessions follow the
// single-writer-per-session discipline: stores serialize mutation, and
// hydrated copies handed to callers are clones safe for independent use.
//
// Contract:
//   - Events are totally ordered by timestamp with insertion order as tiebreak
//   - AddEvent rejects timestamps older than the log head beyond the
//     clock-skew tolerance (ErrValidation)
//   - ConversationHistory applies branch visibility, drops partial fragments
//     and substitutes compaction summaries for the ranges they cover
//   - Clone performs deep copies of state and events for safe divergence
type Session struct {
	AppName string    `json:"app_name"`
	UserID  string    `json:"user_id"`
	ID      string    `json:"id"`
	State   *State    `json:"-"`
	Events  []Event   `json:"events"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// ValidateKeyPart checks that an identifier is usable as a storage key
// component. Identifiers become map-key segments and filesystem path
// segments, so empty values, relative path elements and separator characters
// are rejected with ErrValidation to keep distinct triples from aliasing
// onto one record.
func ValidateKeyPart(id string) error {
	if id == "" {
		return fmtValidation("empty identifier")
	}
	if id == "." || id == ".." {
		return fmtValidation("identifier is a relative path element")
	}
	if strings.ContainsAny(id, `/\`) {
		return fmtValidation("identifier contains a path separator")
	}
	return nil
}

// ValidateTriple validates every component of a session triple. An empty
// sessionID is allowed because stores generate an id for it on Create.
func ValidateTriple(appName, userID, sessionID string) error {
	if err := ValidateKeyPart(appName); err != nil {
		return fmt.Errorf("app_name %q: %w", appName, err)
	}
	if err := ValidateKeyPart(userID); err != nil {
		return fmt.Errorf("user_id %q: %w", userID, err)
	}
	if sessionID != "" {
		if err := ValidateKeyPart(sessionID); err != nil {
			return fmt.Errorf("session_id %q: %w", sessionID, err)
		}
	}
	return nil
}

// NewSession creates an empty session for the given triple with the provided
// committed state mapping (nil allowed).
func NewSession(appName, userID, sessionID string, state map[string]any) *Session {
	now := time.Now().UTC()
	return &Session{
		AppName: appName,
		UserID:  userID,
		ID:      sessionID,
		State:   NewState(state),
		Events:  []Event{},
		Created: now,
		Updated: now,
	}
}

// AddEvent appends an event to the history. It fails with ErrValidation if
// the event is structurally invalid or its timestamp precedes the latest
// event by more than the clock-skew tolerance.
func (s *Session) AddEvent(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if n := len(s.Events); n > 0 {
		latest := s.Events[n-1].Timestamp
		if latest.Sub(ev.Timestamp) > ClockSkewTolerance {
			return fmt.Errorf("%w: event timestamp %s predates log head %s beyond tolerance",
				ErrValidation, ev.Timestamp.Format(time.RFC3339Nano), latest.Format(time.RFC3339Nano))
		}
	}
	s.Events = append(s.Events, ev)
	s.Updated = time.Now().UTC()
	return nil
}

// EventsForInvocation returns the ordered sub-sequence of events sharing the
// given invocation id.
func (s *Session) EventsForInvocation(invocationID string) []Event {
	var out []Event
	for _, ev := range s.Events {
		if ev.InvocationID == invocationID {
			out = append(out, ev)
		}
	}
	return out
}

// EventsInRange returns the ordered sub-sequence of events whose timestamps
// fall within the inclusive [start, end] window. Used by the compaction
// engine to locate summarized originals.
func (s *Session) EventsInRange(start, end time.Time) []Event {
	var out []Event
	for _, ev := range s.Events {
		if !ev.Timestamp.Before(start) && !ev.Timestamp.After(end) {
			out = append(out, ev)
		}
	}
	return out
}

// InvocationIDs returns the distinct non-empty invocation ids of
// non-compaction events in first-seen order.
func (s *Session) InvocationIDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, ev := range s.Events {
		if ev.IsCompaction() || ev.InvocationID == "" || seen[ev.InvocationID] {
			continue
		}
		seen[ev.InvocationID] = true
		out = append(out, ev.InvocationID)
	}
	return out
}

// ConversationHistory returns the events suitable as model-facing context
// for an agent operating on the given branch ("" for the root). It excludes
// partial streaming fragments, events from sibling branches, and original
// events whose timestamps are covered by a compaction summary; the summary
// events themselves are included in their place.
func (s *Session) ConversationHistory(branch string) []Event {
	var ranges []*EventCompaction
	for _, ev := range s.Events {
		if ev.IsCompaction() {
			ranges = append(ranges, ev.Actions.Compaction)
		}
	}
	covered := func(ts time.Time) bool {
		for _, r := range ranges {
			if r.Covers(ts) {
				return true
			}
		}
		return false
	}

	out := make([]Event, 0, len(s.Events))
	for _, ev := range s.Events {
		if ev.IsPartial() {
			continue
		}
		evBranch := ""
		if ev.Branch != nil {
			evBranch = *ev.Branch
		}
		if !IsBranchVisible(evBranch, branch) {
			continue
		}
		if !ev.IsCompaction() && covered(ev.Timestamp) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	clone := &Session{
		AppName: s.AppName,
		UserID:  s.UserID,
		ID:      s.ID,
		State:   NewState(s.State.Snapshot()),
		Events:  make([]Event, len(s.Events)),
		Created: s.Created,
		Updated: s.Updated,
	}
	for i, ev := range s.Events {
		clone.Events[i] = ev.Clone()
	}
	return clone
}

// SessionSummary is the lightweight listing view of a session.
type SessionSummary struct {
	AppName    string    `json:"app_name"`
	UserID     string    `json:"user_id"`
	ID         string    `json:"id"`
	Created    time.Time `json:"created"`
	Updated    time.Time `json:"updated"`
	EventCount int       `json:"event_count"`
}

// SessionStore persists sessions, their event logs and the three scope-state
// tables (session columns, user_states, app_states). Backends (in-memory,
// file, relational) satisfy this contract identically.
//
// Semantics:
//   - Create fails with ErrAlreadyExists when the triple is taken; an empty
//     sessionID requests a generated one. initialState is split by scope:
//     app/user buckets merge into any pre-existing records, the session
//     bucket becomes the new session's committed state.
//   - Get hydrates state by merging app-record, user-record and session
//     columns in that precedence, re-applying scope prefixes on the merged
//     keys; absent sessions fail with ErrNotFound.
//   - AppendEvent is atomic across event append, per-scope delta merge and
//     temp: discard; unknown sessions fail with ErrNotFound.
//   - Delete cascades to the session's events but never touches app-scope or
//     user-scope records.
type SessionStore interface {
	Create(ctx context.Context, appName, userID, sessionID string, initialState map[string]any) (*Session, error)
	Get(ctx context.Context, appName, userID, sessionID string) (*Session, error)
	AppendEvent(ctx context.Context, appName, userID, sessionID string, ev Event) error
	Delete(ctx context.Context, appName, userID, sessionID string) error
	List(ctx context.Context, appName, userID string) ([]SessionSummary, error)
}
