package llm

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a scriptable Provider for tests. ChatFunc decides each
// response; Delay simulates a slow backend and honours cancellation.
type MockProvider struct {
	ProviderName string
	ChatFunc     func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Delay        time.Duration

	mu       sync.Mutex
	requests []*ChatRequest
}

// NewMockProvider returns a mock that always answers with content.
func NewMockProvider(content string) *MockProvider {
	return &MockProvider{
		ProviderName: "mock",
		ChatFunc: func(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
			return &ChatResponse{Content: content, Model: req.Model}, nil
		},
	}
}

// Chat records the request and delegates to ChatFunc.
func (m *MockProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.ChatFunc(ctx, req)
}

// Name returns the configured provider name.
func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Available always reports true.
func (m *MockProvider) Available() bool { return true }

// Requests returns the requests received so far.
func (m *MockProvider) Requests() []*ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ChatRequest(nil), m.requests...)
}
