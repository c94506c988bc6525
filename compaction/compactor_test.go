package compaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convokit/convokit/core"
	"github.com/convokit/convokit/logging"
	"github.com/convokit/convokit/session"
)

// Test timestamps stay within the append skew tolerance of wall clock time
// because compaction summary events are stamped with time.Now.
const replyOffset = 5 * time.Millisecond

// driveInvocation appends one user/assistant exchange for the invocation id
// with strictly increasing timestamps, then reports the invocation back to
// the compactor via the freshly loaded session.
func driveInvocation(t *testing.T, ctx context.Context, store core.SessionStore, c *Compactor, invID string, base time.Time) (*core.Event, error) {
	t.Helper()

	user := core.NewUserMessageEvent(invID, "question for "+invID)
	user.Timestamp = base
	require.NoError(t, store.AppendEvent(ctx, "app", "u1", "s1", user))

	reply := core.NewMessageEvent("agent", "answer for "+invID)
	reply.InvocationID = invID
	reply.Timestamp = base.Add(replyOffset)
	require.NoError(t, store.AppendEvent(ctx, "app", "u1", "s1", reply))

	sess, err := store.Get(ctx, "app", "u1", "s1")
	require.NoError(t, err)
	return c.OnInvocationEnd(ctx, store, sess)
}

func compactionEvents(t *testing.T, ctx context.Context, store core.SessionStore) []core.Event {
	t.Helper()
	sess, err := store.Get(ctx, "app", "u1", "s1")
	require.NoError(t, err)
	var out []core.Event
	for _, ev := range sess.Events {
		if ev.IsCompaction() {
			out = append(out, ev)
		}
	}
	return out
}

func TestCompactor_SlidingWindowWithOverlap(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	_, err := store.Create(ctx, "app", "u1", "s1", nil)
	require.NoError(t, err)

	c, err := New(Config{Interval: 2, Overlap: 1}, StaticSummarizer{Text: "condensed"})
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Second)
	invStart := func(i int) time.Time { return base.Add(time.Duration(i) * 10 * time.Millisecond) }

	ev, err := driveInvocation(t, ctx, store, c, "inv-1", invStart(1))
	require.NoError(t, err)
	assert.Nil(t, ev, "one invocation is below the interval")

	ev, err = driveInvocation(t, ctx, store, c, "inv-2", invStart(2))
	require.NoError(t, err)
	require.NotNil(t, ev, "second invocation reaches the interval")

	first := compactionEvents(t, ctx, store)
	require.Len(t, first, 1)
	cmp := first[0].Actions.Compaction
	require.NotNil(t, cmp)
	assert.Equal(t, invStart(1), cmp.StartTimestamp, "first window starts at invocation 1")
	assert.Equal(t, invStart(2).Add(replyOffset), cmp.EndTimestamp, "first window ends at invocation 2")
	assert.Equal(t, "condensed", cmp.CompactedContent.Text())
	assert.Equal(t, CompactionAuthor, first[0].Author)

	ev, err = driveInvocation(t, ctx, store, c, "inv-3", invStart(3))
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = driveInvocation(t, ctx, store, c, "inv-4", invStart(4))
	require.NoError(t, err)
	require.NotNil(t, ev)

	all := compactionEvents(t, ctx, store)
	require.Len(t, all, 2)
	second := all[1].Actions.Compaction
	require.NotNil(t, second)
	assert.Equal(t, invStart(2), second.StartTimestamp, "overlap pulls invocation 2 into the second window")
	assert.Equal(t, invStart(4).Add(replyOffset), second.EndTimestamp)

	// Originals are never deleted by compaction.
	sess, err := store.Get(ctx, "app", "u1", "s1")
	require.NoError(t, err)
	nonCompaction := 0
	for _, e := range sess.Events {
		if !e.IsCompaction() {
			nonCompaction++
		}
	}
	assert.Equal(t, 8, nonCompaction, "4 invocations x 2 events survive both passes")
}

func TestCompactor_DisabledWhenIntervalUnset(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	_, err := store.Create(ctx, "app", "u1", "s1", nil)
	require.NoError(t, err)

	c, err := New(Config{Interval: 0}, StaticSummarizer{})
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 5; i++ {
		ev, err := driveInvocation(t, ctx, store, c, core.NewID(), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Nil(t, ev)
	}
	assert.Empty(t, compactionEvents(t, ctx, store))
}

type flakySummarizer struct {
	failuresLeft int
}

func (f *flakySummarizer) Summarize(_ context.Context, _ string) (string, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return "", errors.New("model unavailable")
	}
	return "recovered summary", nil
}

func TestCompactor_FailedPassRetriesNextInvocation(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	_, err := store.Create(ctx, "app", "u1", "s1", nil)
	require.NoError(t, err)

	c, err := New(Config{Interval: 2, Overlap: 0}, &flakySummarizer{failuresLeft: 1})
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)

	_, err = driveInvocation(t, ctx, store, c, "inv-1", base.Add(1*time.Minute))
	require.NoError(t, err)

	// The pass at the interval boundary fails; the log stays clean.
	_, err = driveInvocation(t, ctx, store, c, "inv-2", base.Add(2*time.Minute))
	require.Error(t, err)
	assert.Empty(t, compactionEvents(t, ctx, store))

	// The counter was not reset, so the very next invocation retries.
	ev, err := driveInvocation(t, ctx, store, c, "inv-3", base.Add(3*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "recovered summary", ev.Actions.Compaction.CompactedContent.Text())
}

func TestCompactor_EmptySessionWindowIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	sess, err := store.Create(ctx, "app", "u1", "s1", nil)
	require.NoError(t, err)

	c, err := New(Config{Interval: 1}, StaticSummarizer{})
	require.NoError(t, err)

	// No events at all means there is nothing to summarize.
	ev, err := c.OnInvocationEnd(ctx, store, sess)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestRenderer_TokenBudgetDropsOldestFirst(t *testing.T) {
	r, err := newRenderer(12)
	require.NoError(t, err)

	events := []core.Event{
		core.NewMessageEvent("user", "oldest line that should be trimmed away first"),
		core.NewMessageEvent("agent", "middle line"),
		core.NewMessageEvent("user", "newest line"),
	}
	out := r.render(events)
	assert.NotContains(t, out, "oldest line")
	assert.Contains(t, out, "newest line")
}

func TestStaticSummarizer_Default(t *testing.T) {
	out, err := StaticSummarizer{}.Summarize(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "summary", out)
}

// recordingPassLogger satisfies logging.Logger plus the richer per-pass
// reporting surface so tests can assert both get exercised.
type recordingPassLogger struct {
	logging.NoOpLogger
	summarizerCalls int
	passes          int
	lastCompacted   int
	lastErr         error
}

func (l *recordingPassLogger) LogSummarizerCall(windowEvents int, dur time.Duration, err error) {
	l.summarizerCalls++
}

func (l *recordingPassLogger) LogCompaction(compacted int, dur time.Duration, err error) {
	l.passes++
	l.lastCompacted = compacted
	l.lastErr = err
}

func TestCompactor_ReportsPassesToCapableLogger(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	_, err := store.Create(ctx, "app", "u1", "s1", nil)
	require.NoError(t, err)

	rec := &recordingPassLogger{}
	c, err := New(Config{Interval: 2}, StaticSummarizer{}, func(o *Options) { o.Logger = rec })
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Second)
	_, err = driveInvocation(t, ctx, store, c, "inv-1", base)
	require.NoError(t, err)
	assert.Zero(t, rec.passes, "no pass below the interval")

	ev, err := driveInvocation(t, ctx, store, c, "inv-2", base.Add(10*time.Millisecond))
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, 1, rec.summarizerCalls)
	assert.Equal(t, 1, rec.passes)
	assert.Equal(t, 4, rec.lastCompacted, "two exchanges feed the window")
	assert.NoError(t, rec.lastErr)
}
