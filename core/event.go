package core

import (
	"time"

	"github.com/google/uuid"
)

// UserAuthor is the reserved author name for caller-supplied input events.
const UserAuthor = "user"

// EventActions encodes side-effects attached to an Event. All fields are
// optional so absence can be distinguished from zero values. Stores interpret
// StateDelta during persistence (see SessionStore.AppendEvent); Compaction
// marks the event as a summary of an older event range.
type EventActions struct {
	// StateDelta maps scoped keys (app:/user:/temp:/bare) to new values.
	// Applied atomically with the event append.
	StateDelta map[string]any `json:"state_delta,omitempty"`
	// Compaction is set on summary events produced by the compaction engine.
	Compaction *EventCompaction `json:"compaction,omitempty"`
}

// EventCompaction describes a compacted summary of a contiguous range of
// events. The originals remain in the log for audit; context reconstruction
// substitutes the summary for events whose timestamps fall inside the range.
type EventCompaction struct {
	// StartTimestamp is the timestamp of the first event in the compacted range.
	StartTimestamp time.Time `json:"start_timestamp"`
	// EndTimestamp is the timestamp of the last event in the compacted
	// range. Never earlier than StartTimestamp; the range is inclusive.
	EndTimestamp time.Time `json:"end_timestamp"`
	// CompactedContent is the summarizer-generated replacement content.
	CompactedContent *Content `json:"compacted_content,omitempty"`
}

// Covers reports whether ts falls inside the inclusive compacted range.
func (c *EventCompaction) Covers(ts time.Time) bool {
	return !ts.Before(c.StartTimestamp) && !ts.After(c.EndTimestamp)
}

// Event is one atomic occurrence in a conversation: a user message, an agent
// response, a tool interaction or a compaction summary. After emission it
// must be treated as immutable. It captures:
//
//   - Correlation (ID, InvocationID, Author, Branch)
//   - Conversational content (optional role-based Parts)
//   - State mutation directives (Actions.StateDelta)
//   - Streaming / error metadata
//   - High precision UTC timestamp
//
// Content may be nil for control or error-only events.
type Event struct {
	ID             string            `json:"id"`
	InvocationID   string            `json:"invocation_id"`
	Author         string            `json:"author"`
	Actions        EventActions      `json:"actions"`
	Branch         *string           `json:"branch,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Content        *Content          `json:"content,omitempty"`
	Partial        *bool             `json:"partial,omitempty"`
	TurnComplete   *bool             `json:"turn_complete,omitempty"`
	ErrorCode      *string           `json:"error_code,omitempty"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
	CustomMetadata map[string]string `json:"custom_metadata,omitempty"`
}

// NewEvent creates a bare event authored by 'author' bound to an invocation.
// Prefer the helper constructors for common semantic categories.
func NewEvent(invocationID, author string) Event {
	return Event{
		ID:           NewID(),
		InvocationID: invocationID,
		Author:       author,
		Timestamp:    time.Now().UTC(),
		Actions:      EventActions{},
	}
}

// NewMessageEvent creates an assistant-style message event with a single text
// part. Author can be an agent name or system identifier.
func NewMessageEvent(author, message string) Event {
	e := NewEvent("", author)
	e.Content = &Content{Role: "assistant", Parts: []Part{TextPart{Text: message}}}
	return e
}

// NewUserMessageEvent creates a user-authored text message event.
func NewUserMessageEvent(invocationID, message string) Event {
	e := NewEvent(invocationID, UserAuthor)
	e.Content = &Content{Role: "user", Parts: []Part{TextPart{Text: message}}}
	return e
}

// NewUserContentEvent creates a user-authored event with arbitrary Content.
// Useful when the input is not a simple text message.
func NewUserContentEvent(invocationID string, content *Content) Event {
	e := NewEvent(invocationID, UserAuthor)
	e.Content = content
	return e
}

// NewCompactionEvent creates a summary event covering [start, end] with the
// given summary content. The event carries the summary both as its Content
// and inside Actions.Compaction so it renders like a regular message while
// remaining identifiable as a summary.
func NewCompactionEvent(author string, start, end time.Time, summary *Content) Event {
	e := NewEvent("", author)
	e.Content = summary
	e.Actions.Compaction = &EventCompaction{
		StartTimestamp:   start,
		EndTimestamp:     end,
		CompactedContent: summary,
	}
	return e
}

// NewID generates a UUID-based unique identifier for events, invocations and
// sessions.
func NewID() string { return uuid.NewString() }

// IsPartial reports whether this event is a streaming fragment that will be
// followed by additional events composing the final turn.
func (e Event) IsPartial() bool { return e.Partial != nil && *e.Partial }

// IsCompaction reports whether this event is a compaction summary.
func (e Event) IsCompaction() bool { return e.Actions.Compaction != nil }

// HasContent reports whether the event carries a non-empty content payload.
func (e Event) HasContent() bool { return e.Content != nil && len(e.Content.Parts) > 0 }

// GetFunctionCalls returns any FunctionCall parts contained within the event
// content preserving their original order.
func (e Event) GetFunctionCalls() []FunctionCall {
	if e.Content == nil {
		return nil
	}
	var calls []FunctionCall
	for _, p := range e.Content.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// GetFunctionResponses returns any FunctionResponse parts contained within
// the event content preserving their original order.
func (e Event) GetFunctionResponses() []FunctionResponse {
	if e.Content == nil {
		return nil
	}
	var responses []FunctionResponse
	for _, p := range e.Content.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			responses = append(responses, fr.FunctionResponse)
		}
	}
	return responses
}

// IsFinalResponse implements the heuristic used by higher layers to decide
// when a turn is complete: no pending tool calls/responses and not partial.
func (e Event) IsFinalResponse() bool {
	return len(e.GetFunctionCalls()) == 0 &&
		len(e.GetFunctionResponses()) == 0 &&
		!e.IsPartial()
}

// Validate checks the structural invariants required before persistence.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmtValidation("event id is required")
	}
	if e.Author == "" {
		return fmtValidation("event author is required")
	}
	if e.Timestamp.IsZero() {
		return fmtValidation("event timestamp is required")
	}
	if c := e.Actions.Compaction; c != nil && c.EndTimestamp.Before(c.StartTimestamp) {
		return fmtValidation("compaction range end precedes start")
	}
	return nil
}

// UnixSeconds returns the timestamp as fractional seconds since the Unix
// epoch. Useful for metrics and numeric serialization paths.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }

// Clone returns a deep copy of the event. Reference-typed fields (content
// parts, state delta, metadata, optional pointers) are duplicated so the
// copy can be mutated without reaching back into the original.
func (e Event) Clone() Event {
	out := e
	out.Branch = clonePtr(e.Branch)
	out.Partial = clonePtr(e.Partial)
	out.TurnComplete = clonePtr(e.TurnComplete)
	out.ErrorCode = clonePtr(e.ErrorCode)
	out.ErrorMessage = clonePtr(e.ErrorMessage)
	out.Content = e.Content.Clone()
	out.Actions.StateDelta = cloneAnyMap(e.Actions.StateDelta)
	if e.Actions.Compaction != nil {
		c := *e.Actions.Compaction
		c.CompactedContent = c.CompactedContent.Clone()
		out.Actions.Compaction = &c
	}
	if e.CustomMetadata != nil {
		md := make(map[string]string, len(e.CustomMetadata))
		for k, v := range e.CustomMetadata {
			md[k] = v
		}
		out.CustomMetadata = md
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
