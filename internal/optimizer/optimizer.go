// Package optimizer rewrites a query for better tool and search matching.
// The rewrite is advisory: on any failure the enhanced query passes through
// unchanged and the pipeline continues.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkilleen4417/ai-chat-mp/internal/conversation"
	"github.com/dkilleen4417/ai-chat-mp/internal/enhancer"
	"github.com/dkilleen4417/ai-chat-mp/internal/llm"
)

// Skip reasons recorded in Meta.Reason.
const (
	ReasonNoModel  = "no_model"
	ReasonTimeout  = "timeout"
	ReasonError    = "error"
	ReasonRejected = "rejected"
)

// DefaultTimeout bounds one rewrite when the caller passes no timeout.
const DefaultTimeout = 2 * time.Second

const (
	historyTurns   = 4
	minRewriteLen  = 6
	maxGrowthRatio = 3
)

// Meta describes what the optimizer did.
type Meta struct {
	Skipped  bool          `json:"skipped"`
	Reason   string        `json:"reason,omitempty"`
	Model    string        `json:"model,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OptimizedQuery is the query handed to the router.
type OptimizedQuery struct {
	Text     string                 `json:"text"`
	Enhanced enhancer.EnhancedQuery `json:"enhanced"`
	Meta     Meta                   `json:"meta"`
}

// Passthrough returns eq unchanged, marked skipped for reason.
func Passthrough(eq enhancer.EnhancedQuery, reason string) OptimizedQuery {
	return OptimizedQuery{Text: eq.Text, Enhanced: eq, Meta: Meta{Skipped: true, Reason: reason}}
}

// Optimizer performs the rewrite with one auxiliary model call.
type Optimizer struct {
	backend *llm.Backend
	timeout time.Duration
	now     func() time.Time
}

// New creates an optimizer using modelID from catalog. An empty modelID
// disables rewriting.
func New(catalog *llm.Catalog, modelID string, timeout time.Duration) (*Optimizer, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	o := &Optimizer{timeout: timeout, now: time.Now}
	if modelID == "" {
		return o, nil
	}
	b, err := catalog.Resolve(modelID)
	if err != nil {
		return nil, fmt.Errorf("enhancement model: %w", err)
	}
	o.backend = &b
	return o, nil
}

// Optimize rewrites eq.Text. The injected user-context block is kept
// verbatim after the rewritten question.
func (o *Optimizer) Optimize(ctx context.Context, eq enhancer.EnhancedQuery, conv *conversation.Context) OptimizedQuery {
	if o == nil || o.backend == nil {
		return Passthrough(eq, ReasonNoModel)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req := o.backend.Request(systemPrompt(o.now()), []llm.Message{{
		Role:    llm.RoleUser,
		Content: userPrompt(eq.Text, conv.Last(historyTurns)),
	}})
	req.Temperature = 0.3
	if req.MaxTokens == 0 || req.MaxTokens > 200 {
		req.MaxTokens = 200
	}

	resp, err := o.backend.Provider.Chat(ctx, req)
	meta := Meta{Model: o.backend.ModelID, Duration: time.Since(start)}
	if err != nil {
		meta.Skipped = true
		meta.Reason = ReasonError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			meta.Reason = ReasonTimeout
		}
		log.Debug().Err(err).Str("model", meta.Model).Str("reason", meta.Reason).Msg("query optimization skipped")
		return OptimizedQuery{Text: eq.Text, Enhanced: eq, Meta: meta}
	}

	rewrite := clean(resp.Content)
	if !acceptable(rewrite, eq.Text) {
		meta.Skipped = true
		meta.Reason = ReasonRejected
		return OptimizedQuery{Text: eq.Text, Enhanced: eq, Meta: meta}
	}

	var suffix string
	if strings.HasPrefix(eq.Text, eq.Original) {
		suffix = eq.Text[len(eq.Original):]
	}
	return OptimizedQuery{Text: rewrite + suffix, Enhanced: eq, Meta: meta}
}

// acceptable rejects empty, very short or runaway rewrites.
func acceptable(rewrite, input string) bool {
	if len(rewrite) < minRewriteLen {
		return false
	}
	return len(rewrite) <= maxGrowthRatio*len(input)
}

// clean keeps the first non-empty line and strips labels and quotes models
// like to add.
func clean(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, prefix := range []string{"Optimized Query:", "Optimized query:", "Query:", "Output:"} {
			line = strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
		return strings.Trim(line, "\"'`")
	}
	return ""
}

func systemPrompt(now time.Time) string {
	return fmt.Sprintf(`You rewrite user questions so that tools and web search engines answer them well.

Rules:
1. Preserve the original meaning and intent exactly. Never answer the question.
2. Resolve references like "home", "here" or "it" using the user context and recent conversation.
3. For time-sensitive questions add the year (%d) if no date is given.
4. Add qualifiers that help find authoritative sources; remove filler words.
5. Keep it between 5 and 15 words.
6. Reply with the rewritten question only, on one line, with no explanation.

Today is %s.`, now.Year(), now.Format("Monday, January 2, 2006"))
}

func userPrompt(query string, history []conversation.Turn) string {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, t := range history {
			content := t.Content
			if len(content) > 300 {
				content = content[:300] + "..."
			}
			fmt.Fprintf(&sb, "%s: %s\n", t.Role, content)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Question to rewrite:\n")
	sb.WriteString(query)
	return sb.String()
}
