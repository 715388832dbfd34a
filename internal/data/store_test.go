package data

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkilleen4417/ai-chat-mp/internal/conversation"
	"github.com/dkilleen4417/ai-chat-mp/internal/profile"
	"github.com/dkilleen4417/ai-chat-mp/internal/trace"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func exchange(q, a string) []conversation.Turn {
	return []conversation.Turn{
		{Role: conversation.RoleUser, Content: q},
		{Role: conversation.RoleAssistant, Content: a},
	}
}

func TestConversations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("unknown id", func(t *testing.T) {
		_, err := store.Load(ctx, "missing")
		assert.ErrorIs(t, err, conversation.ErrNotFound)
	})

	t.Run("append creates and orders", func(t *testing.T) {
		conv, err := store.Append(ctx, "c1", exchange("weather in Paris?", "Sunny, 64°F")...)
		require.NoError(t, err)
		assert.Len(t, conv.Turns, 2)

		_, err = store.Append(ctx, "c1", exchange("and tomorrow?", "Rain")...)
		require.NoError(t, err)

		loaded, err := store.Load(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, loaded.Turns, 4)
		assert.Equal(t, "weather in Paris?", loaded.Turns[0].Content)
		assert.Equal(t, conversation.RoleAssistant, loaded.Turns[3].Role)
		assert.Equal(t, "Rain", loaded.Turns[3].Content)
		assert.False(t, loaded.Turns[0].At.IsZero())
		assert.False(t, loaded.Topic.Established)
	})

	t.Run("empty id", func(t *testing.T) {
		_, err := store.Append(ctx, "", exchange("q", "a")...)
		assert.Error(t, err)
	})

	t.Run("topic is persisted", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			_, err := store.Append(ctx, "c2", exchange(fmt.Sprintf("weather question %d", i), "answer")...)
			require.NoError(t, err)
		}

		loaded, err := store.Load(ctx, "c2")
		require.NoError(t, err)
		assert.True(t, loaded.Topic.Established)
		assert.Equal(t, "weather", loaded.Topic.Label)
		assert.InDelta(t, 1.0, loaded.Topic.Confidence, 0.001)
	})

	t.Run("list", func(t *testing.T) {
		ids, err := store.ListConversations(ctx, 0)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"c1", "c2"}, ids)
	})
}

func TestAppend_Concurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, "c1", exchange(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))...)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	conv, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 20)
	for i := 0; i < len(conv.Turns); i += 2 {
		assert.Equal(t, conversation.RoleUser, conv.Turns[i].Role)
		assert.Equal(t, "a"+conv.Turns[i].Content[1:], conv.Turns[i+1].Content, "pairs are never split")
	}
}

func TestProfiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "dk")
	assert.ErrorIs(t, err, profile.ErrNotFound)

	p := &profile.Profile{
		UserID:          "dk",
		Location:        profile.Field{Value: "Catonsville, Maryland", Shareable: true},
		Units:           profile.Field{Value: "imperial", Shareable: true},
		WeatherStation:  profile.Field{Value: "12345", Shareable: false},
		StationProvider: "weatherflow",
	}
	require.NoError(t, store.Put(ctx, p))

	got, err := store.Get(ctx, "dk")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	p.Units.Value = "metric"
	require.NoError(t, store.Put(ctx, p))
	got, err = store.Get(ctx, "dk")
	require.NoError(t, err)
	assert.Equal(t, "metric", got.Units.Value)

	assert.Error(t, store.Put(ctx, &profile.Profile{}))
	assert.Error(t, store.Put(ctx, &profile.Profile{UserID: "x", Units: profile.Field{Value: "kelvin"}}))
}

func TestTraces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := time.Now().Add(-2 * time.Hour).Truncate(time.Millisecond).UTC()
	newer := time.Now().Truncate(time.Millisecond).UTC()

	require.NoError(t, store.SaveTrace(ctx, trace.Snapshot{
		ID: "t1", Query: "capital of Peru", StartedAt: older, Route: "model_knowledge", DecidedBy: "fallback",
		Events: []trace.Event{{Stage: trace.StageDecide, Name: "fallback", Confidence: 0.6}},
	}))
	require.NoError(t, store.SaveTrace(ctx, trace.Snapshot{
		ID: "t2", Query: "weather at home", StartedAt: newer, Route: "tool_direct", DecidedBy: "primary",
		Degraded: true, DurationMs: 420,
		Events: []trace.Event{
			{Stage: trace.StageCapability, Name: "home_weather", Err: "timeout", Attrs: map[string]any{"n": 1.0}},
		},
	}))
	assert.Error(t, store.SaveTrace(ctx, trace.Snapshot{}))

	got, err := store.GetTrace(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.Equal(t, int64(420), got.DurationMs)
	assert.True(t, newer.Equal(got.StartedAt))
	require.Len(t, got.Events, 1)
	assert.Equal(t, "timeout", got.Events[0].Err)
	assert.Equal(t, 1.0, got.Events[0].Attrs["n"])

	_, err = store.GetTrace(ctx, "nope")
	assert.ErrorIs(t, err, ErrTraceNotFound)

	recent, err := store.RecentTraces(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "t2", recent[0].ID)

	n, err := store.PruneTraces(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recent, err = store.RecentTraces(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "t2", recent[0].ID)
}

func TestStoreSink(t *testing.T) {
	store := newTestStore(t)
	sink := trace.NewStoreSink(store, time.Second, zerolog.Nop())

	tr := trace.New("will it rain tomorrow?")
	tr.Record(trace.Event{Stage: trace.StageDecide, Name: "fallback"})
	tr.SetOutcome("tool_direct", "fallback", false)
	tr.Finish()
	sink.Record(tr.Snapshot())

	got, err := store.GetTrace(context.Background(), tr.ID())
	require.NoError(t, err)
	assert.Equal(t, "will it rain tomorrow?", got.Query)
	assert.Equal(t, "tool_direct", got.Route)
}
