package conversation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userTurn(s string) Turn      { return Turn{Role: RoleUser, Content: s} }
func assistantTurn(s string) Turn { return Turn{Role: RoleAssistant, Content: s} }

func TestContext_Last(t *testing.T) {
	c := &Context{Turns: []Turn{userTurn("a"), assistantTurn("b"), userTurn("c")}}
	assert.Len(t, c.Last(2), 2)
	assert.Equal(t, "b", c.Last(2)[0].Content)
	assert.Len(t, c.Last(10), 3)
	assert.Nil(t, c.Last(0))

	var none *Context
	assert.Nil(t, none.Last(4))
	assert.Equal(t, 0, none.Len())
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Load(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := s.Append(ctx, "c1", userTurn("hi"), assistantTurn("hello"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Turns[0].At.IsZero())

	loaded, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	loaded.Turns[0].Content = "mutated"
	again, _ := s.Load(ctx, "c1")
	assert.Equal(t, "hi", again.Turns[0].Content, "Load returns a copy")

	_, err = s.Append(ctx, "", userTurn("x"))
	assert.Error(t, err)
}

func TestMemoryStore_ConcurrentAppendKeepsPairs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, "c", userTurn("q"), assistantTurn("a"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := s.Load(ctx, "c")
	require.NoError(t, err)
	require.Len(t, c.Turns, 40)
	for i := 0; i < len(c.Turns); i += 2 {
		assert.Equal(t, RoleUser, c.Turns[i].Role)
		assert.Equal(t, RoleAssistant, c.Turns[i+1].Role)
	}
}

func TestDetectTopic(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		ts := DetectTopic([]Turn{userTurn("telescope"), assistantTurn("ok")})
		assert.False(t, ts.Established)
		assert.Empty(t, ts.Label)
	})

	t.Run("recurring subject", func(t *testing.T) {
		turns := []Turn{
			userTurn("What telescope should I buy?"), assistantTurn("..."),
			userTurn("Is a dobsonian telescope good for planets?"), assistantTurn("..."),
			userTurn("How do I collimate the telescope mirror?"), assistantTurn("..."),
			userTurn("And eyepieces?"), assistantTurn("..."),
		}
		ts := DetectTopic(turns)
		assert.True(t, ts.Established)
		assert.Equal(t, "telescope", ts.Label)
		assert.InDelta(t, 0.75, ts.Confidence, 1e-9)
	})

	t.Run("no recurring subject", func(t *testing.T) {
		turns := []Turn{
			userTurn("weather tomorrow"), assistantTurn("..."),
			userTurn("capital of peru"), assistantTurn("..."),
			userTurn("stock prices"), assistantTurn("..."),
			userTurn("jokes"),
		}
		ts := DetectTopic(turns)
		assert.True(t, ts.Established)
		assert.Equal(t, "extended conversation", ts.Label)
		assert.Equal(t, 0.5, ts.Confidence)
	})
}
