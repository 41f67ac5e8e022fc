package classifier

import (
	"context"
	"sync"
)

// Mock is a test double for Client. It is safe for concurrent use since the
// engine scores asynchronously.
type Mock struct {
	Result Score
	Err    error
	// Block, when set, holds every call until it is closed or ctx ends.
	Block chan struct{}

	mu    sync.Mutex
	calls []Request
}

// Score records the call and returns the canned result.
func (m *Mock) Score(ctx context.Context, req Request) (Score, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return Score{}, ctx.Err()
		}
	}
	return m.Result, m.Err
}

// Calls returns the requests seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}
