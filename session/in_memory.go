package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/convokit/convokit/core"
	"github.com/convokit/convokit/logging"
)

// InMemoryStore is a volatile core.SessionStore keeping the three logical
// state tables (sessions, user_states, app_states) in process-local maps. It
// is safe for concurrent access and best suited for tests or ephemeral demo
// deployments. Hydrated sessions returned by Get are built fresh per call so
// callers can never mutate internal state.
//
// All mutation runs under one write lock, which trivially satisfies the
// single-writer-per-session discipline and the no-dirty-reads guarantee for
// shared app/user records.
type InMemoryStore struct {
	mu sync.RWMutex

	sessions   map[string]*sessionRecord // triple key -> record
	userStates map[string]map[string]any // appName/userID -> unprefixed state
	appStates  map[string]map[string]any // appName -> unprefixed state

	logger logging.Logger
}

// sessionRecord is the raw persisted form: session-scope state only, plus the
// event log. Scope merging happens at hydration time.
type sessionRecord struct {
	session *core.Session
}

// Options configures the in-memory store.
type Options struct {
	Logger logging.Logger
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore(optFns ...func(o *Options)) *InMemoryStore {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemoryStore{
		sessions:   make(map[string]*sessionRecord),
		userStates: make(map[string]map[string]any),
		appStates:  make(map[string]map[string]any),
		logger:     opts.Logger,
	}
}

// tripleKey joins the triple with "/". Identifier validation at the API
// boundary guarantees components never contain the separator, so distinct
// triples never alias onto one key.
func tripleKey(appName, userID, sessionID string) string {
	return appName + "/" + userID + "/" + sessionID
}

func userKey(appName, userID string) string {
	return appName + "/" + userID
}

// Create allocates a new session for the triple. An empty sessionID requests
// a generated UUID. The initial state is split by scope: app/user buckets
// merge into any pre-existing shared records, the session bucket becomes the
// new session's committed state.
func (s *InMemoryStore) Create(_ context.Context, appName, userID, sessionID string, initialState map[string]any) (*core.Session, error) {
	if err := core.ValidateTriple(appName, userID, sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		sessionID = core.NewID()
	}
	key := tripleKey(appName, userID, sessionID)
	if _, exists := s.sessions[key]; exists {
		return nil, fmt.Errorf("session %s: %w", key, core.ErrAlreadyExists)
	}

	split := core.SplitByScope(initialState)
	s.mergeAppStateLocked(appName, split.App)
	s.mergeUserStateLocked(appName, userID, split.User)

	sess := core.NewSession(appName, userID, sessionID, split.Session)
	s.sessions[key] = &sessionRecord{session: sess}
	s.logger.Debug("session created", "app_name", appName, "user_id", userID, "session_id", sessionID)

	return s.hydrateLocked(sess), nil
}

// Get returns the hydrated session or ErrNotFound. Hydration merges, lowest
// precedence first, the app-scope record, the user-scope record and the
// session columns, re-applying scope prefixes so callers can still tell the
// scopes apart by key.
func (s *InMemoryStore) Get(_ context.Context, appName, userID, sessionID string) (*core.Session, error) {
	if err := core.ValidateTriple(appName, userID, sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[tripleKey(appName, userID, sessionID)]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", tripleKey(appName, userID, sessionID), core.ErrNotFound)
	}
	return s.hydrateLocked(rec.session), nil
}

// AppendEvent atomically appends the event to the session's log, splits its
// state delta by scope and merges each bucket into the corresponding
// persistent record. The temp: bucket is discarded entirely.
func (s *InMemoryStore) AppendEvent(_ context.Context, appName, userID, sessionID string, ev core.Event) error {
	if err := core.ValidateTriple(appName, userID, sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[tripleKey(appName, userID, sessionID)]
	if !ok {
		return fmt.Errorf("session %s: %w", tripleKey(appName, userID, sessionID), core.ErrNotFound)
	}

	if err := rec.session.AddEvent(ev); err != nil {
		return err
	}

	if len(ev.Actions.StateDelta) > 0 {
		split := core.SplitByScope(ev.Actions.StateDelta)
		s.mergeAppStateLocked(appName, split.App)
		s.mergeUserStateLocked(appName, userID, split.User)
		for k, v := range split.Session {
			rec.session.State.Set(k, v)
		}
		rec.session.State.Commit()
	}
	return nil
}

// Delete removes the session and cascades to its events. Shared app-scope
// and user-scope records are left untouched; other sessions may depend on
// them.
func (s *InMemoryStore) Delete(_ context.Context, appName, userID, sessionID string) error {
	if err := core.ValidateTriple(appName, userID, sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tripleKey(appName, userID, sessionID)
	if _, ok := s.sessions[key]; !ok {
		return fmt.Errorf("session %s: %w", key, core.ErrNotFound)
	}
	delete(s.sessions, key)
	s.logger.Debug("session deleted", "app_name", appName, "user_id", userID, "session_id", sessionID)
	return nil
}

// List returns summaries for every session of the (appName, userID) pair.
func (s *InMemoryStore) List(_ context.Context, appName, userID string) ([]core.SessionSummary, error) {
	if err := core.ValidateTriple(appName, userID, ""); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []core.SessionSummary{}
	for _, rec := range s.sessions {
		sess := rec.session
		if sess.AppName != appName || sess.UserID != userID {
			continue
		}
		out = append(out, core.SessionSummary{
			AppName:    sess.AppName,
			UserID:     sess.UserID,
			ID:         sess.ID,
			Created:    sess.Created,
			Updated:    sess.Updated,
			EventCount: len(sess.Events),
		})
	}
	return out, nil
}

// hydrateLocked builds the caller-facing session view: a clone whose state
// merges app -> user -> session scope with prefixes re-applied. Caller must
// hold at least the read lock.
func (s *InMemoryStore) hydrateLocked(sess *core.Session) *core.Session {
	merged := map[string]any{}
	for k, v := range s.appStates[sess.AppName] {
		merged[core.AppPrefix+k] = v
	}
	for k, v := range s.userStates[userKey(sess.AppName, sess.UserID)] {
		merged[core.UserPrefix+k] = v
	}
	for k, v := range sess.State.Snapshot() {
		merged[k] = v
	}

	out := sess.Clone()
	out.State = core.NewState(merged)
	return out
}

func (s *InMemoryStore) mergeAppStateLocked(appName string, delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	rec, ok := s.appStates[appName]
	if !ok {
		rec = map[string]any{}
		s.appStates[appName] = rec
	}
	for k, v := range delta {
		rec[k] = v
	}
}

func (s *InMemoryStore) mergeUserStateLocked(appName, userID string, delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	key := userKey(appName, userID)
	rec, ok := s.userStates[key]
	if !ok {
		rec = map[string]any{}
		s.userStates[key] = rec
	}
	for k, v := range delta {
		rec[k] = v
	}
}
