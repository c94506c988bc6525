package compaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convokit/convokit/core"
	"github.com/convokit/convokit/logging"
)

// CompactionAuthor is stamped on every summary event produced by the engine.
const CompactionAuthor = "compaction"

// Summarizer condenses a textual rendering of an event window into summary
// text. Implementations are external collaborators (typically LLM-backed);
// they must be safe for concurrent use.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// StaticSummarizer returns a fixed summary regardless of input. Intended for
// tests and for deployments that only need a placeholder marker event.
type StaticSummarizer struct {
	Text string
}

// Summarize returns the configured text, or "summary" when unset.
func (s StaticSummarizer) Summarize(_ context.Context, _ string) (string, error) {
	if s.Text == "" {
		return "summary", nil
	}
	return s.Text, nil
}

// Config tunes the sliding-window engine.
type Config struct {
	// Interval is the number of completed invocations between compaction
	// passes. Zero or negative disables compaction entirely.
	Interval int
	// Overlap is how many trailing invocations of the previous compacted
	// window are re-included in the next one. An Overlap at or above the
	// previous window's invocation count degenerates to re-summarizing
	// everything; that is accepted, not rejected, but wasteful.
	Overlap int
	// MaxWindowTokens caps the rendered transcript handed to the
	// summarizer. Zero or negative means no cap.
	MaxWindowTokens int
}

// tracker carries per-session sliding-window progress.
type tracker struct {
	sinceLast  int
	prevWindow []string // invocation ids of the previously compacted window
}

// Compactor drives sliding-window compaction across sessions. One Compactor
// serves many sessions; progress is tracked per (app_name, user_id,
// session_id) triple.
type Compactor struct {
	cfg        Config
	summarizer Summarizer
	renderer   *renderer
	logger     logging.Logger

	mu       sync.Mutex
	trackers map[string]*tracker
}

// Options configures the compactor.
type Options struct {
	Logger logging.Logger
}

// New creates a compactor around the given summarizer.
func New(cfg Config, summarizer Summarizer, optFns ...func(o *Options)) (*Compactor, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	r, err := newRenderer(cfg.MaxWindowTokens)
	if err != nil {
		return nil, err
	}
	return &Compactor{
		cfg:        cfg,
		summarizer: summarizer,
		renderer:   r,
		logger:     opts.Logger,
		trackers:   make(map[string]*tracker),
	}, nil
}

func sessionKey(s *core.Session) string {
	return s.AppName + "/" + s.UserID + "/" + s.ID
}

// passLogger is the richer reporting surface a configured logger may offer,
// as logging.ConvoLogger does. Loggers without it still get the plain
// Debug/Warn lines.
type passLogger interface {
	LogSummarizerCall(windowEvents int, dur time.Duration, err error)
	LogCompaction(compacted int, dur time.Duration, err error)
}

// OnInvocationEnd records a completed invocation and, when the configured
// interval is reached, runs one compaction pass: it summarizes the current
// window and appends the resulting summary event through the store. It
// returns the appended event, or nil when no pass ran.
//
// A failed pass leaves the counter at or above the interval, so the next
// completed invocation retries. The event log is never left half-updated;
// the summary event is built fully in memory and appended in one store call.
func (c *Compactor) OnInvocationEnd(ctx context.Context, store core.SessionStore, session *core.Session) (*core.Event, error) {
	if c.cfg.Interval <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	key := sessionKey(session)
	tr, ok := c.trackers[key]
	if !ok {
		tr = &tracker{}
		c.trackers[key] = tr
	}
	tr.sinceLast++
	due := tr.sinceLast >= c.cfg.Interval
	prevWindow := append([]string(nil), tr.prevWindow...)
	c.mu.Unlock()

	if !due {
		return nil, nil
	}

	window := c.windowInvocations(session, prevWindow)
	events := windowEvents(session, window)
	if len(events) == 0 {
		return nil, nil
	}

	passStart := time.Now()
	transcript := c.renderer.render(events)

	callStart := time.Now()
	summary, err := c.summarizer.Summarize(ctx, transcript)
	if pl, ok := c.logger.(passLogger); ok {
		pl.LogSummarizerCall(len(events), time.Since(callStart), err)
	}
	if err != nil {
		c.logger.Warn("compaction pass abandoned", "app_name", session.AppName,
			"user_id", session.UserID, "session_id", session.ID, "error", err)
		c.reportPass(len(events), passStart, err)
		return nil, fmt.Errorf("summarize window: %w", err)
	}

	content := &core.Content{Role: "assistant", Parts: []core.Part{core.TextPart{Text: summary}}}
	ev := core.NewCompactionEvent(CompactionAuthor, events[0].Timestamp, events[len(events)-1].Timestamp, content)
	if err := store.AppendEvent(ctx, session.AppName, session.UserID, session.ID, ev); err != nil {
		c.logger.Warn("compaction append failed", "session_id", session.ID, "error", err)
		c.reportPass(len(events), passStart, err)
		return nil, fmt.Errorf("append compaction event: %w", err)
	}

	c.mu.Lock()
	tr.sinceLast = 0
	tr.prevWindow = window
	c.mu.Unlock()

	c.logger.Debug("compaction pass complete", "session_id", session.ID,
		"window_invocations", len(window), "window_events", len(events))
	c.reportPass(len(events), passStart, nil)
	return &ev, nil
}

func (c *Compactor) reportPass(compacted int, start time.Time, err error) {
	if pl, ok := c.logger.(passLogger); ok {
		pl.LogCompaction(compacted, time.Since(start), err)
	}
}

// windowInvocations determines which invocation ids the next summary covers:
// everything after the previous window, widened backwards by the configured
// overlap into the previous window's tail.
func (c *Compactor) windowInvocations(session *core.Session, prevWindow []string) []string {
	all := session.InvocationIDs()
	if len(prevWindow) == 0 {
		return all
	}

	prev := make(map[string]bool, len(prevWindow))
	for _, id := range prevWindow {
		prev[id] = true
	}

	overlap := c.cfg.Overlap
	if overlap > len(prevWindow) {
		overlap = len(prevWindow)
	}
	window := append([]string(nil), prevWindow[len(prevWindow)-overlap:]...)
	for _, id := range all {
		if !prev[id] {
			window = append(window, id)
		}
	}
	return window
}

// windowEvents collects the session's events belonging to the window
// invocations, preserving log order. Earlier summary events are never
// re-summarized.
func windowEvents(session *core.Session, window []string) []core.Event {
	include := make(map[string]bool, len(window))
	for _, id := range window {
		include[id] = true
	}
	var out []core.Event
	for _, ev := range session.Events {
		if ev.IsCompaction() || !include[ev.InvocationID] {
			continue
		}
		out = append(out, ev)
	}
	return out
}
