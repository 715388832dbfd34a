// Package conversation stores conversation history and the topic state
// derived from it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("conversation not found")

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// TopicState describes whether the conversation has settled on a subject.
type TopicState struct {
	Established bool    `json:"established"`
	Label       string  `json:"label,omitempty"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

// Context is a conversation as seen by one query. It is read-only while
// the query runs.
type Context struct {
	ID    string     `json:"id"`
	Turns []Turn     `json:"turns"`
	Topic TopicState `json:"topic"`
}

// New returns an empty conversation.
func New(id string) *Context {
	return &Context{ID: id}
}

// Last returns up to n most recent turns. A nil context has none.
func (c *Context) Last(n int) []Turn {
	if c == nil || n <= 0 {
		return nil
	}
	if n >= len(c.Turns) {
		return c.Turns
	}
	return c.Turns[len(c.Turns)-n:]
}

// Len returns the number of turns.
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Turns)
}

func (c *Context) clone() *Context {
	out := *c
	out.Turns = append([]Turn(nil), c.Turns...)
	return &out
}

// Store persists conversations. Append adds turns atomically, creating the
// conversation if needed, and recomputes the topic state.
type Store interface {
	Load(ctx context.Context, id string) (*Context, error)
	Append(ctx context.Context, id string, turns ...Turn) (*Context, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]*Context
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*Context)}
}

// Load returns a copy of the conversation.
func (s *MemoryStore) Load(_ context.Context, id string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.clone(), nil
}

// Append adds turns under one lock.
func (s *MemoryStore) Append(_ context.Context, id string, turns ...Turn) (*Context, error) {
	if id == "" {
		return nil, fmt.Errorf("conversation id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		c = New(id)
		s.convs[id] = c
	}
	now := time.Now()
	for _, t := range turns {
		if t.At.IsZero() {
			t.At = now
		}
		c.Turns = append(c.Turns, t)
	}
	c.Topic = DetectTopic(c.Turns)
	return c.clone(), nil
}
