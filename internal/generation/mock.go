package generation

import (
	"context"
	"sync"
)

// MockGenerator is a scriptable generator for tests and offline runs. With no
// script it echoes the prompt back, which keeps end-to-end flows observable.
type MockGenerator struct {
	mu       sync.Mutex
	Response string
	Err      error
	Prompts  []string
}

// Complete records the prompt and returns the scripted response or error.
func (m *MockGenerator) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	m.mu.Lock()
	m.Prompts = append(m.Prompts, prompt)
	m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if m.Response != "" {
		return m.Response, nil
	}
	return prompt, nil
}

// LastPrompt returns the most recent prompt, or empty.
func (m *MockGenerator) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Prompts) == 0 {
		return ""
	}
	return m.Prompts[len(m.Prompts)-1]
}
