package core

import (
	"context"
	"time"
)

// Metadata keys stamped onto every MemoryEntry by the ingestion path.
const (
	MemoryMetaSessionID = "session_id"
	MemoryMetaEventID   = "event_id"
)

// MemoryEntry is one retrievable unit of long-term knowledge derived from a
// past session's events. Entries are immutable once stored; search returns
// copies.
type MemoryEntry struct {
	Content        *Content          `json:"content"`
	Author         string            `json:"author"`
	Timestamp      time.Time         `json:"timestamp"`
	CustomMetadata map[string]string `json:"custom_metadata,omitempty"`
}

// NewMemoryEntry derives a memory entry from a session event, stamping the
// originating session and event ids into the metadata.
func NewMemoryEntry(sessionID string, ev Event) MemoryEntry {
	md := map[string]string{
		MemoryMetaSessionID: sessionID,
		MemoryMetaEventID:   ev.ID,
	}
	for k, v := range ev.CustomMetadata {
		md[k] = v
	}
	return MemoryEntry{
		Content:        ev.Content,
		Author:         ev.Author,
		Timestamp:      ev.Timestamp,
		CustomMetadata: md,
	}
}

// MemoryService is the durable, cross-session knowledge store decoupled from
// the session store's working-set semantics. Keyword and semantic strategies
// satisfy the same contract and are interchangeable per deployment.
//
// Semantics:
//   - AddSessionToMemory extracts all content-bearing events of the session
//     into entries tagged with its (app, user, session) identity. Re-adding
//     the same session is idempotent-safe (deduped by session+event id).
//     A session with zero content-bearing events is a no-op, not an error.
//   - SearchMemory returns entries scoped to (appName, userID) only, never
//     another user's or app's, ordered most-relevant first per strategy.
//     Zero stored entries yield an empty result, never an error.
type MemoryService interface {
	AddSessionToMemory(ctx context.Context, session *Session) error
	SearchMemory(ctx context.Context, appName, userID, query string) ([]MemoryEntry, error)
}
