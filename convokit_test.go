package convokit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convokit/convokit/compaction"
	"github.com/convokit/convokit/core"
	"github.com/convokit/convokit/memory/embedder/mock"
	"github.com/convokit/convokit/memory/semantic"
	"github.com/convokit/convokit/runner"
)

// echoAgent replies to every turn with a single text event.
type echoAgent struct{}

func (echoAgent) Name() string { return "echo" }

func (echoAgent) Run(_ context.Context, inv *core.Invocation) (<-chan core.Event, <-chan error) {
	out := make(chan core.Event, 1)
	errCh := make(chan error, 1)
	reply := core.NewMessageEvent("echo", "echo: "+inv.UserContent.Text())
	reply.InvocationID = inv.InvocationID
	out <- reply
	close(out)
	close(errCh)
	return out, errCh
}

func userText(text string) core.Content {
	return core.Content{Role: "user", Parts: []core.Part{core.TextPart{Text: text}}}
}

func TestConvoKit_ShoppingCartLifecycle(t *testing.T) {
	ctx := context.Background()
	kit := New(echoAgent{})

	// Session state hydrates all three scopes with prefixes intact.
	sess, err := kit.CreateSession(ctx, "shop", "u1", "s1", map[string]any{
		"cart_items":          []any{},
		"user:loyalty_points": 1000,
		"app:tax_rate":        0.08,
	})
	require.NoError(t, err)

	v, ok := sess.State.Get("cart_items")
	require.True(t, ok)
	assert.Equal(t, []any{}, v)
	v, _ = sess.State.Get("user:loyalty_points")
	assert.Equal(t, 1000, v)
	v, _ = sess.State.Get("app:tax_rate")
	assert.Equal(t, 0.08, v)

	// A turn's state delta lands in the session scope.
	events, err := kit.RunSync(ctx, "shop", "u1", "s1", userText("add iPhone 15"),
		func(o *runner.RunOptions) {
			o.StateDelta = map[string]any{
				"cart_items": []any{"iPhone 15"},
				"cart_total": 999.99,
			}
		})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "echo: add iPhone 15", events[1].Content.Text())

	sess, err = kit.GetSession(ctx, "shop", "u1", "s1")
	require.NoError(t, err)
	v, _ = sess.State.Get("cart_items")
	assert.Equal(t, []any{"iPhone 15"}, v)

	// A second session for the same user inherits user and app scope but
	// not session-scoped keys.
	second, err := kit.CreateSession(ctx, "shop", "u1", "s2", nil)
	require.NoError(t, err)
	v, ok = second.State.Get("user:loyalty_points")
	require.True(t, ok)
	assert.Equal(t, 1000, v)
	_, ok = second.State.Get("cart_items")
	assert.False(t, ok)

	// Deleting a session keeps the shared scopes alive.
	require.NoError(t, kit.DeleteSession(ctx, "shop", "u1", "s1"))
	summaries, err := kit.ListSessions(ctx, "shop", "u1")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "s2", summaries[0].ID)

	third, err := kit.CreateSession(ctx, "shop", "u1", "s3", nil)
	require.NoError(t, err)
	v, _ = third.State.Get("app:tax_rate")
	assert.Equal(t, 0.08, v)
}

func TestConvoKit_MemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	kit := New(echoAgent{})

	_, err := kit.CreateSession(ctx, "app", "u1", "s1", nil)
	require.NoError(t, err)
	_, err = kit.RunSync(ctx, "app", "u1", "s1", userText("I work as an engineer"))
	require.NoError(t, err)

	require.NoError(t, kit.AddSessionToMemory(ctx, "app", "u1", "s1"))

	results, err := kit.SearchMemory(ctx, "app", "u1", "What does the user do for work?")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	found := false
	for _, entry := range results {
		if entry.Content.Text() == "I work as an engineer" {
			found = true
		}
	}
	assert.True(t, found)

	results, err = kit.SearchMemory(ctx, "app", "u1", "pizza")
	require.NoError(t, err)
	assert.Empty(t, results)

	// Memory lookups never cross the user boundary.
	results, err = kit.SearchMemory(ctx, "app", "u2", "engineer")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestConvoKit_SemanticMemoryOverride(t *testing.T) {
	ctx := context.Background()
	kit := New(echoAgent{}, func(o *Options) {
		o.MemoryService = semantic.New(mock.New())
	})

	_, err := kit.CreateSession(ctx, "app", "u1", "s1", nil)
	require.NoError(t, err)
	_, err = kit.RunSync(ctx, "app", "u1", "s1", userText("My favorite city is Lisbon"))
	require.NoError(t, err)
	require.NoError(t, kit.AddSessionToMemory(ctx, "app", "u1", "s1"))

	results, err := kit.SearchMemory(ctx, "app", "u1", "My favorite city is Lisbon")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "My favorite city is Lisbon", results[0].Content.Text())
}

func TestConvoKit_CompactionWiredThroughTurns(t *testing.T) {
	ctx := context.Background()
	c, err := compaction.New(compaction.Config{Interval: 2, Overlap: 1}, compaction.StaticSummarizer{Text: "recap"})
	require.NoError(t, err)

	kit := New(echoAgent{}, func(o *Options) { o.Compactor = c })
	_, err = kit.CreateSession(ctx, "app", "u1", "s1", nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := kit.RunSync(ctx, "app", "u1", "s1", userText("turn"))
		require.NoError(t, err)
	}

	sess, err := kit.GetSession(ctx, "app", "u1", "s1")
	require.NoError(t, err)
	var summaries []core.Event
	for _, ev := range sess.Events {
		if ev.IsCompaction() {
			summaries = append(summaries, ev)
		}
	}
	require.Len(t, summaries, 2)
	assert.Equal(t, "recap", summaries[0].Actions.Compaction.CompactedContent.Text())
}
