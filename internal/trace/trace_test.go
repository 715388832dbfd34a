package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrace_RecordAndSnapshot(t *testing.T) {
	tr := New("what's the weather")
	require.NotEmpty(t, tr.ID())

	tr.Record(Event{Stage: StageClassify, Name: "primary", Confidence: 0.9})
	tr.Fail(StageCapability, "brave_search", errors.New("503"))
	tr.Fail(StageCapability, "ignored", nil)
	tr.Record(Event{Stage: StageGenerate, Name: "generate", Output: strings.Repeat("x", maxFieldLen+10)})
	tr.SetOutcome("tool_direct", "primary", false)
	tr.Finish()

	s := tr.Snapshot()
	assert.Equal(t, tr.ID(), s.ID)
	assert.Equal(t, "tool_direct", s.Route)
	require.Len(t, s.Events, 3)
	assert.Equal(t, "503", s.Events[1].Err)
	assert.False(t, s.Events[0].At.IsZero())
	assert.True(t, strings.HasSuffix(s.Events[2].Output, "...[truncated]"))

	data, err := json.Marshal(tr)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"decided_by":"primary"`)
}

func TestTrace_NilIsSafe(t *testing.T) {
	var tr *Trace
	tr.Record(Event{Name: "x"})
	tr.SetOutcome("a", "b", true)
	tr.Finish()
	assert.Empty(t, tr.ID())
	assert.Nil(t, tr.Events())
	assert.Empty(t, tr.Snapshot().ID)
}

func TestTrace_ConcurrentRecord(t *testing.T) {
	tr := New("q")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(Event{Stage: StageCapability, Name: "call"})
		}()
	}
	wg.Wait()
	assert.Len(t, tr.Events(), 50)
}

func TestMulti(t *testing.T) {
	var got []string
	m := Multi{
		SinkFunc(func(s Snapshot) { got = append(got, "a:"+s.ID) }),
		nil,
		SinkFunc(func(s Snapshot) { got = append(got, "b:"+s.ID) }),
	}
	m.Record(Snapshot{ID: "1"})
	assert.Equal(t, []string{"a:1", "b:1"}, got)
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var delivered []string

	a := NewAsyncSink(SinkFunc(func(s Snapshot) {
		<-release
		mu.Lock()
		delivered = append(delivered, s.ID)
		mu.Unlock()
	}), 1)

	// The first trace is taken by the goroutine and blocks there, the
	// second fills the buffer, the rest are dropped.
	a.Record(Snapshot{ID: "1"})
	require.Eventually(t, func() bool { return len(a.ch) == 0 }, time.Second, time.Millisecond)
	a.Record(Snapshot{ID: "2"})

	start := time.Now()
	for i := 0; i < 10; i++ {
		a.Record(Snapshot{ID: "dropped"})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Record never blocks")
	assert.Equal(t, int64(10), a.Dropped())

	close(release)
	a.Close()
	a.Close()

	assert.Equal(t, []string{"1", "2"}, delivered)

	a.Record(Snapshot{ID: "late"})
	assert.Equal(t, int64(11), a.Dropped())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	NewLogSink(logger).Record(Snapshot{
		ID:     "t1",
		Route:  "search_only",
		Events: []Event{{Stage: StageCapability, Name: "tavily_search", Err: "timeout"}},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"route":"search_only"`)
	assert.Contains(t, lines[1], `"error":"timeout"`)
}

type fakeWriter struct {
	err   error
	saved []Snapshot
}

func (f *fakeWriter) SaveTrace(ctx context.Context, s Snapshot) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("no deadline")
	}
	f.saved = append(f.saved, s)
	return f.err
}

func TestStoreSink(t *testing.T) {
	var buf bytes.Buffer
	w := &fakeWriter{}
	NewStoreSink(w, 0, zerolog.New(&buf)).Record(Snapshot{ID: "ok"})
	require.Len(t, w.saved, 1)
	assert.Empty(t, buf.String())

	w.err = errors.New("disk full")
	NewStoreSink(w, time.Second, zerolog.New(&buf)).Record(Snapshot{ID: "bad"})
	assert.Contains(t, buf.String(), "disk full")
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) Snapshot {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var s Snapshot
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}

func TestHub(t *testing.T) {
	hub := NewHub(2)
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	hub.Record(Snapshot{ID: "old-1"})
	hub.Record(Snapshot{ID: "old-2"})
	hub.Record(Snapshot{ID: "old-3"})

	conn := dial(t, server, "?count=1")
	defer conn.Close()
	assert.Equal(t, "old-3", readSnapshot(t, conn).ID, "replays the newest history")

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	hub.Record(Snapshot{ID: "live", Route: "model_knowledge"})
	s := readSnapshot(t, conn)
	assert.Equal(t, "live", s.ID)
	assert.Equal(t, "model_knowledge", s.Route)

	quiet := dial(t, server, "?replay=false")
	defer quiet.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)
	hub.Record(Snapshot{ID: "next"})
	assert.Equal(t, "next", readSnapshot(t, quiet).ID)
}
