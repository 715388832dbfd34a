// Package trace records what happened to one query: every stage, every
// classification attempt, every capability call. A trace exists whether or
// not the query succeeded and is handed to sinks after the response.
package trace

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage names the pipeline step an event belongs to.
type Stage string

const (
	StageProfile    Stage = "profile"
	StageEnhance    Stage = "enhance"
	StageOptimize   Stage = "optimize"
	StageClassify   Stage = "classify"
	StageDecide     Stage = "decide"
	StageDispatch   Stage = "dispatch"
	StageCapability Stage = "capability"
	StageGenerate   Stage = "generate"
	StagePersist    Stage = "persist"
)

// maxFieldLen bounds Input and Output so a trace stays small.
const maxFieldLen = 2000

// Event is one recorded step.
type Event struct {
	Stage      Stage          `json:"stage"`
	Name       string         `json:"name"`
	At         time.Time      `json:"at"`
	Duration   time.Duration  `json:"duration_ns,omitempty"`
	Input      string         `json:"input,omitempty"`
	Output     string         `json:"output,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Err        string         `json:"error,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// Trace is the debug record of one query. Methods are safe for concurrent
// use and a nil *Trace ignores everything.
type Trace struct {
	mu        sync.Mutex
	id        string
	query     string
	startedAt time.Time
	duration  time.Duration
	route     string
	decidedBy string
	degraded  bool
	events    []Event
}

// New starts a trace for query.
func New(query string) *Trace {
	return &Trace{
		id:        uuid.New().String(),
		query:     query,
		startedAt: time.Now(),
	}
}

// ID returns the trace id.
func (t *Trace) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

// Record appends an event.
func (t *Trace) Record(e Event) {
	if t == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.Input = clip(e.Input)
	e.Output = clip(e.Output)

	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

// Fail is shorthand for recording an absorbed error.
func (t *Trace) Fail(stage Stage, name string, err error) {
	if err == nil {
		return
	}
	t.Record(Event{Stage: stage, Name: name, Err: err.Error()})
}

// SetOutcome records the route taken and whether the answer was degraded.
func (t *Trace) SetOutcome(route, decidedBy string, degraded bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.route, t.decidedBy, t.degraded = route, decidedBy, degraded
	t.mu.Unlock()
}

// Finish stamps the total duration.
func (t *Trace) Finish() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.duration = time.Since(t.startedAt)
	t.mu.Unlock()
}

// Events returns a copy of the events so far.
func (t *Trace) Events() []Event {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

// Snapshot is an immutable copy of a trace, the form sinks persist.
type Snapshot struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Route      string    `json:"route,omitempty"`
	DecidedBy  string    `json:"decided_by,omitempty"`
	Degraded   bool      `json:"degraded"`
	Events     []Event   `json:"events"`
}

// Snapshot copies the trace.
func (t *Trace) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:         t.id,
		Query:      t.query,
		StartedAt:  t.startedAt,
		DurationMs: t.duration.Milliseconds(),
		Route:      t.route,
		DecidedBy:  t.decidedBy,
		Degraded:   t.degraded,
		Events:     append([]Event(nil), t.events...),
	}
}

// MarshalJSON encodes the snapshot.
func (t *Trace) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Snapshot())
}

func clip(s string) string {
	if len(s) <= maxFieldLen {
		return s
	}
	return s[:maxFieldLen] + "...[truncated]"
}
