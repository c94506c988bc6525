package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/convokit/convokit/core"
	"github.com/convokit/convokit/logging"
)

// searchLogger is the richer reporting surface a configured logger may
// offer, as logging.ConvoLogger does.
type searchLogger interface {
	LogMemorySearch(query string, hits int, dur time.Duration, err error)
}

// InMemoryService is the keyword-strategy core.MemoryService: a process-local
// store searched by lowercase token-set intersection. Search cost is linear
// in the number of stored entries, which is fine for tests and small
// in-process deployments; swap in the semantic service for anything larger.
//
// Entries are bucketed per (app_name, user_id) so one user's memories are
// never visible to another, and keyed by session+event id so re-adding a
// session is idempotent.
type InMemoryService struct {
	mu      sync.RWMutex
	entries map[string]map[string]core.MemoryEntry // app/user -> session/event -> entry
	logger  logging.Logger
}

// Options configures the in-memory service.
type Options struct {
	Logger logging.Logger
}

// NewInMemoryService constructs an empty keyword memory service.
func NewInMemoryService(optFns ...func(o *Options)) *InMemoryService {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemoryService{
		entries: make(map[string]map[string]core.MemoryEntry),
		logger:  opts.Logger,
	}
}

func scopeKey(appName, userID string) string { return appName + "/" + userID }

// AddSessionToMemory converts every content-bearing event of the session
// into a MemoryEntry. A session without content-bearing events is a no-op.
// Calling it again for the same session overwrites rather than duplicates.
func (m *InMemoryService) AddSessionToMemory(_ context.Context, session *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scopeKey(session.AppName, session.UserID)
	bucket, ok := m.entries[key]
	if !ok {
		bucket = make(map[string]core.MemoryEntry)
		m.entries[key] = bucket
	}

	added := 0
	for _, ev := range session.Events {
		if !ev.HasContent() {
			continue
		}
		bucket[session.ID+"/"+ev.ID] = core.NewMemoryEntry(session.ID, ev)
		added++
	}
	m.logger.Debug("session added to memory", "app_name", session.AppName, "user_id", session.UserID,
		"session_id", session.ID, "entries", added)
	return nil
}

// SearchMemory returns every entry of the (appName, userID) bucket whose
// token set intersects the query's. Results are ordered newest first; an
// empty bucket yields an empty slice, never an error.
func (m *InMemoryService) SearchMemory(_ context.Context, appName, userID, query string) ([]core.MemoryEntry, error) {
	start := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	queryTokens := tokenize(query)
	out := []core.MemoryEntry{}
	for _, entry := range m.entries[scopeKey(appName, userID)] {
		if intersects(queryTokens, tokenize(entry.Content.Text())) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if sl, ok := m.logger.(searchLogger); ok {
		sl.LogMemorySearch(query, len(out), time.Since(start), nil)
	}
	return out, nil
}

// tokenize lowercases the text and splits it on any non-letter/digit rune.
func tokenize(text string) map[string]bool {
	tokens := map[string]bool{}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		tokens[f] = true
	}
	return tokens
}

func intersects(a, b map[string]bool) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for t := range a {
		if b[t] {
			return true
		}
	}
	return false
}
