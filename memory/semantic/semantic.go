// Package semantic implements the vector-similarity memory strategy on top
// of chromem-go, an embedded pure-Go vector database. Entries are embedded
// at ingestion time and retrieved by cosine similarity against the embedded
// query, so "What does the user do for work?" can surface "I work as an
// engineer" without any token overlap requirement.
//
// Each (app_name, user_id) pair owns its own collection, and every document
// additionally carries app_name and user_id metadata that queries filter on,
// so scope isolation holds even if two pairs were ever mapped onto the same
// collection.
package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"golang.org/x/sync/errgroup"

	"github.com/convokit/convokit/core"
	"github.com/convokit/convokit/logging"
	"github.com/convokit/convokit/memory"
)

// Compile-time interface check.
var _ core.MemoryService = (*Service)(nil)

const (
	defaultTopK        = 5
	defaultEmbedConcur = 4

	metaAuthor    = "author"
	metaTimestamp = "timestamp"
	metaAppName   = "app_name"
	metaUserID    = "user_id"
)

// searchLogger is the richer reporting surface a configured logger may
// offer, as logging.ConvoLogger does.
type searchLogger interface {
	LogMemorySearch(query string, hits int, dur time.Duration, err error)
}

// Service is the semantic core.MemoryService backed by an in-process
// chromem-go index and a pluggable embedder.
type Service struct {
	db       *chromem.DB
	embedder memory.Embedder

	topK              int
	distanceThreshold float32
	embedConcurrency  int
	logger            logging.Logger

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// Options configures the semantic service.
type Options struct {
	// TopK caps the number of results per search (default 5).
	TopK int
	// DistanceThreshold discards matches whose cosine distance from the
	// query exceeds it. Zero disables the cut-off and every ranked result
	// up to TopK is returned.
	DistanceThreshold float32
	// EmbedConcurrency bounds parallel embedder calls during ingestion
	// (default 4).
	EmbedConcurrency int
	Logger           logging.Logger
}

// New constructs a semantic memory service around the given embedder.
func New(embedder memory.Embedder, optFns ...func(o *Options)) *Service {
	opts := Options{
		TopK:             defaultTopK,
		EmbedConcurrency: defaultEmbedConcur,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Service{
		db:                chromem.NewDB(),
		embedder:          embedder,
		topK:              opts.TopK,
		distanceThreshold: opts.DistanceThreshold,
		embedConcurrency:  opts.EmbedConcurrency,
		logger:            opts.Logger,
		collections:       make(map[string]*chromem.Collection),
	}
}

// collection returns the per-scope chromem collection, creating it on first
// use. The collection name length-prefixes the app name so that pairs like
// ("shop-eu", "alice") and ("shop", "eu-alice") never share a collection.
func (s *Service) collection(appName, userID string) (*chromem.Collection, error) {
	key := appName + "/" + userID
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[key]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(fmt.Sprintf("mem-%d-%s-%s", len(appName), appName, userID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[key] = col
	return col, nil
}

// AddSessionToMemory embeds every content-bearing event of the session and
// upserts it into the scope's collection. Document ids are derived from the
// session and event ids, so re-adding a session overwrites the same
// documents instead of duplicating them.
func (s *Service) AddSessionToMemory(ctx context.Context, session *core.Session) error {
	col, err := s.collection(session.AppName, session.UserID)
	if err != nil {
		return err
	}

	type embedded struct {
		entry core.MemoryEntry
		docID string
		vec   []float32
	}

	candidates := make([]core.MemoryEntry, 0, len(session.Events))
	docIDs := make([]string, 0, len(session.Events))
	for _, ev := range session.Events {
		if !ev.HasContent() {
			continue
		}
		candidates = append(candidates, core.NewMemoryEntry(session.ID, ev))
		docIDs = append(docIDs, session.ID+"/"+ev.ID)
	}
	if len(candidates) == 0 {
		return nil
	}

	results := make([]embedded, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.embedConcurrency)
	for i := range candidates {
		g.Go(func() error {
			vec, err := s.embedder.Embed(gctx, candidates[i].Content.Text())
			if err != nil {
				return fmt.Errorf("%w: embed event: %v", core.ErrConnection, err)
			}
			results[i] = embedded{entry: candidates[i], docID: docIDs[i], vec: vec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		doc, err := toDocument(r.docID, session.AppName, session.UserID, r.entry, r.vec)
		if err != nil {
			return err
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document: %w", err)
		}
	}

	s.logger.Debug("session added to semantic memory", "app_name", session.AppName,
		"user_id", session.UserID, "session_id", session.ID, "entries", len(results))
	return nil
}

// SearchMemory embeds the query and returns up to TopK entries from the
// (appName, userID) collection ranked by similarity. Scopes with no stored
// entries yield an empty slice.
func (s *Service) SearchMemory(ctx context.Context, appName, userID, query string) ([]core.MemoryEntry, error) {
	start := time.Now()
	col, err := s.collection(appName, userID)
	if err != nil {
		return nil, err
	}

	out := []core.MemoryEntry{}
	n := s.topK
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		s.reportSearch(query, 0, start, nil)
		return out, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		err = fmt.Errorf("%w: embed query: %v", core.ErrConnection, err)
		s.reportSearch(query, 0, start, err)
		return nil, err
	}

	where := map[string]string{metaAppName: appName, metaUserID: userID}
	results, err := col.QueryEmbedding(ctx, vec, n, where, nil)
	if err != nil {
		err = fmt.Errorf("query embedding: %w", err)
		s.reportSearch(query, 0, start, err)
		return nil, err
	}

	for _, res := range results {
		if s.distanceThreshold > 0 && res.Similarity < 1-s.distanceThreshold {
			continue
		}
		entry, err := fromResult(res)
		if err != nil {
			s.logger.Warn("skipping undecodable memory document", "doc_id", res.ID, "error", err)
			continue
		}
		out = append(out, entry)
	}

	s.logger.Debug("semantic memory search", "app_name", appName, "user_id", userID,
		"results", len(out))
	s.reportSearch(query, len(out), start, nil)
	return out, nil
}

func (s *Service) reportSearch(query string, hits int, start time.Time, err error) {
	if sl, ok := s.logger.(searchLogger); ok {
		sl.LogMemorySearch(query, hits, time.Since(start), err)
	}
}

// toDocument serializes an entry for chromem storage. The document content
// is the JSON-encoded core.Content so retrieval reconstructs parts exactly;
// scalar fields travel in the metadata map, including the owning scope so
// searches can filter on it.
func toDocument(docID, appName, userID string, entry core.MemoryEntry, vec []float32) (chromem.Document, error) {
	payload, err := json.Marshal(entry.Content)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("marshal content: %w", err)
	}
	md := map[string]string{
		metaAuthor:    entry.Author,
		metaTimestamp: entry.Timestamp.Format(time.RFC3339Nano),
	}
	for k, v := range entry.CustomMetadata {
		md[k] = v
	}
	// Scope tags win over custom metadata so the search filter stays honest.
	md[metaAppName] = appName
	md[metaUserID] = userID
	return chromem.Document{
		ID:        docID,
		Content:   string(payload),
		Embedding: vec,
		Metadata:  md,
	}, nil
}

// fromResult rebuilds a MemoryEntry from a chromem query result.
func fromResult(res chromem.Result) (core.MemoryEntry, error) {
	var content core.Content
	if err := json.Unmarshal([]byte(res.Content), &content); err != nil {
		return core.MemoryEntry{}, fmt.Errorf("unmarshal content: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, res.Metadata[metaTimestamp])
	if err != nil {
		return core.MemoryEntry{}, fmt.Errorf("parse timestamp: %w", err)
	}
	md := map[string]string{}
	for k, v := range res.Metadata {
		switch k {
		case metaAuthor, metaTimestamp, metaAppName, metaUserID:
			continue
		}
		md[k] = v
	}
	return core.MemoryEntry{
		Content:        &content,
		Author:         res.Metadata[metaAuthor],
		Timestamp:      ts,
		CustomMetadata: md,
	}, nil
}
