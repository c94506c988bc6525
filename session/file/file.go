// Package file implements a durable, JSON-file-backed core.SessionStore.
// The on-disk layout mirrors the logical three-table schema:
//
//	<root>/app_states.json                   app-scope records keyed by app
//	<root>/user_states.json                  user-scope records keyed by app/user
//	<root>/sessions/<app>/<user>/<id>.json   session columns + event log
//
// Writes are atomic (temp file + rename) and the shared app/user tables carry
// optimistic version counters: a write observing a version change since its
// read fails with core.ErrConcurrencyConflict instead of clobbering a
// concurrent external update. Operations touching several files stage every
// payload first, version checks and marshalling included, and only then
// rename the batch into place, so a failed check leaves no file updated.
//
// Triple components double as path segments, so ids containing separators or
// relative path elements are rejected with core.ErrValidation.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/convokit/convokit/core"
	"github.com/convokit/convokit/logging"
)

// scopeRecord is one row of the app_states / user_states tables.
type scopeRecord struct {
	Version int            `json:"version"`
	State   map[string]any `json:"state"`
}

// sessionFile is the serialized form of one session.
type sessionFile struct {
	AppName string         `json:"app_name"`
	UserID  string         `json:"user_id"`
	ID      string         `json:"id"`
	State   map[string]any `json:"state"`
	Events  []core.Event   `json:"events"`
	Created time.Time      `json:"created"`
	Updated time.Time      `json:"updated"`
}

// Store is a file-backed core.SessionStore rooted at a directory. In-process
// access is serialized by a mutex; cross-process writers are detected via the
// version counters on the shared scope tables.
type Store struct {
	root   string
	mu     sync.Mutex
	logger logging.Logger
}

// Options configures the file store.
type Options struct {
	Logger logging.Logger
}

// New creates a file-backed store rooted at dir, creating it if needed.
func New(dir string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{root: dir, logger: opts.Logger}, nil
}

func (s *Store) appStatesPath() string  { return filepath.Join(s.root, "app_states.json") }
func (s *Store) userStatesPath() string { return filepath.Join(s.root, "user_states.json") }

func (s *Store) sessionPath(appName, userID, sessionID string) string {
	return filepath.Join(s.root, "sessions", appName, userID, sessionID+".json")
}

// Create allocates a new session file. See core.SessionStore for semantics.
func (s *Store) Create(_ context.Context, appName, userID, sessionID string, initialState map[string]any) (*core.Session, error) {
	if err := core.ValidateTriple(appName, userID, sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		sessionID = core.NewID()
	}
	path := s.sessionPath(appName, userID, sessionID)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, core.ErrAlreadyExists)
	}

	appVersion, userVersion, err := s.observeVersions(appName, userID)
	if err != nil {
		return nil, err
	}
	split := core.SplitByScope(initialState)

	now := time.Now().UTC()
	sf := sessionFile{
		AppName: appName,
		UserID:  userID,
		ID:      sessionID,
		State:   split.Session,
		Events:  []core.Event{},
		Created: now,
		Updated: now,
	}

	appWrite, err := s.stageScopeMerge(s.appStatesPath(), appName, split.App, appVersion)
	if err != nil {
		return nil, err
	}
	userWrite, err := s.stageScopeMerge(s.userStatesPath(), appName+"/"+userID, split.User, userVersion)
	if err != nil {
		return nil, err
	}
	sessWrite, err := s.stageSession(&sf)
	if err != nil {
		return nil, err
	}
	if err := commitStaged(appWrite, userWrite, sessWrite); err != nil {
		return nil, err
	}
	s.logger.Debug("session created", "app_name", appName, "user_id", userID, "session_id", sessionID)
	return s.hydrate(&sf)
}

// Get loads and hydrates a session, or fails with core.ErrNotFound.
func (s *Store) Get(_ context.Context, appName, userID, sessionID string) (*core.Session, error) {
	if err := core.ValidateTriple(appName, userID, sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.readSession(appName, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.hydrate(sf)
}

// AppendEvent appends the event and applies its scope-split state delta. All
// three files are staged before any is renamed into place, so a version
// conflict or marshal failure on one bucket never leaves another durably
// updated without the event.
func (s *Store) AppendEvent(_ context.Context, appName, userID, sessionID string, ev core.Event) error {
	if err := core.ValidateTriple(appName, userID, sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	appVersion, userVersion, err := s.observeVersions(appName, userID)
	if err != nil {
		return err
	}
	sf, err := s.readSession(appName, userID, sessionID)
	if err != nil {
		return err
	}

	if err := ev.Validate(); err != nil {
		return err
	}
	if n := len(sf.Events); n > 0 {
		latest := sf.Events[n-1].Timestamp
		if latest.Sub(ev.Timestamp) > core.ClockSkewTolerance {
			return fmt.Errorf("%w: event timestamp predates log head beyond tolerance", core.ErrValidation)
		}
	}

	split := core.SplitByScope(ev.Actions.StateDelta)
	appWrite, err := s.stageScopeMerge(s.appStatesPath(), appName, split.App, appVersion)
	if err != nil {
		return err
	}
	userWrite, err := s.stageScopeMerge(s.userStatesPath(), appName+"/"+userID, split.User, userVersion)
	if err != nil {
		return err
	}

	if sf.State == nil {
		sf.State = map[string]any{}
	}
	for k, v := range split.Session {
		sf.State[k] = v
	}
	sf.Events = append(sf.Events, ev)
	sf.Updated = time.Now().UTC()
	sessWrite, err := s.stageSession(sf)
	if err != nil {
		return err
	}
	return commitStaged(appWrite, userWrite, sessWrite)
}

// Delete removes the session file (cascading its embedded events), leaving
// the shared scope tables untouched.
func (s *Store) Delete(_ context.Context, appName, userID, sessionID string) error {
	if err := core.ValidateTriple(appName, userID, sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.sessionPath(appName, userID, sessionID)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, core.ErrNotFound)
		}
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List scans the (app, user) directory for session files.
func (s *Store) List(_ context.Context, appName, userID string) ([]core.SessionSummary, error) {
	if err := core.ValidateTriple(appName, userID, ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "sessions", appName, userID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []core.SessionSummary{}, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := []core.SessionSummary{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		sf, err := s.readSession(appName, userID, name[:len(name)-len(".json")])
		if err != nil {
			return nil, err
		}
		out = append(out, core.SessionSummary{
			AppName:    sf.AppName,
			UserID:     sf.UserID,
			ID:         sf.ID,
			Created:    sf.Created,
			Updated:    sf.Updated,
			EventCount: len(sf.Events),
		})
	}
	return out, nil
}

func (s *Store) readSession(appName, userID, sessionID string) (*sessionFile, error) {
	data, err := os.ReadFile(s.sessionPath(appName, userID, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sf, nil
}

// stageSession marshals the session file into a pending write.
func (s *Store) stageSession(sf *sessionFile) (*stagedWrite, error) {
	path := s.sessionPath(sf.AppName, sf.UserID, sf.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return &stagedWrite{path: path, data: data}, nil
}

// hydrate merges app -> user -> session scope with prefixes re-applied and
// rebuilds the in-memory session value.
func (s *Store) hydrate(sf *sessionFile) (*core.Session, error) {
	appTable, err := s.loadScopeTable(s.appStatesPath())
	if err != nil {
		return nil, err
	}
	userTable, err := s.loadScopeTable(s.userStatesPath())
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	if rec, ok := appTable[sf.AppName]; ok {
		for k, v := range rec.State {
			merged[core.AppPrefix+k] = v
		}
	}
	if rec, ok := userTable[sf.AppName+"/"+sf.UserID]; ok {
		for k, v := range rec.State {
			merged[core.UserPrefix+k] = v
		}
	}
	for k, v := range sf.State {
		merged[k] = v
	}

	sess := core.NewSession(sf.AppName, sf.UserID, sf.ID, merged)
	sess.Created = sf.Created
	sess.Updated = sf.Updated
	sess.Events = append(sess.Events, sf.Events...)
	return sess, nil
}

func (s *Store) loadScopeTable(path string) (map[string]scopeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]scopeRecord{}, nil
		}
		return nil, fmt.Errorf("read scope table: %w", err)
	}
	var table map[string]scopeRecord
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("unmarshal scope table: %w", err)
	}
	return table, nil
}

// observeVersions captures the current versions of the app and user scope
// records touched by an operation. They are verified again at write time.
func (s *Store) observeVersions(appName, userID string) (appVersion, userVersion int, err error) {
	appTable, err := s.loadScopeTable(s.appStatesPath())
	if err != nil {
		return 0, 0, err
	}
	userTable, err := s.loadScopeTable(s.userStatesPath())
	if err != nil {
		return 0, 0, err
	}
	return appTable[appName].Version, userTable[appName+"/"+userID].Version, nil
}

// stageScopeMerge merges delta into the record for key, bumping its version,
// and returns the resulting table as a pending write. expectedVersion is the
// version observed when the enclosing operation began; a mismatch means an
// external writer got there first and the merge fails with
// core.ErrConcurrencyConflict rather than clobbering it. An empty delta
// stages nothing.
func (s *Store) stageScopeMerge(path, key string, delta map[string]any, expectedVersion int) (*stagedWrite, error) {
	if len(delta) == 0 {
		return nil, nil
	}
	table, err := s.loadScopeTable(path)
	if err != nil {
		return nil, err
	}
	rec := table[key]
	if rec.Version != expectedVersion {
		return nil, fmt.Errorf("scope record %s: %w", key, core.ErrConcurrencyConflict)
	}

	if rec.State == nil {
		rec.State = map[string]any{}
	}
	for k, v := range delta {
		rec.State[k] = v
	}
	rec.Version++
	table[key] = rec

	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal scope table: %w", err)
	}
	return &stagedWrite{path: path, data: data}, nil
}

// stagedWrite is a pending atomic replacement of one file.
type stagedWrite struct {
	path string
	data []byte
}

// commitStaged writes every pending payload to a temp file first, then
// renames the whole batch into place. A temp-write failure aborts with no
// file replaced. Nil entries are skipped.
func commitStaged(writes ...*stagedWrite) error {
	staged := make([]*stagedWrite, 0, len(writes))
	for _, w := range writes {
		if w == nil {
			continue
		}
		if err := os.WriteFile(w.path+".tmp", w.data, 0o644); err != nil {
			for _, done := range staged {
				os.Remove(done.path + ".tmp")
			}
			return fmt.Errorf("write temp file: %w", err)
		}
		staged = append(staged, w)
	}
	for _, w := range staged {
		if err := os.Rename(w.path+".tmp", w.path); err != nil {
			return fmt.Errorf("rename temp file: %w", err)
		}
	}
	return nil
}
