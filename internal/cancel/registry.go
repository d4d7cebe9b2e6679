// Package cancel tracks one cooperative cancellation token per active run.
// Setting a token never interrupts anything; step logic polls it at safe
// checkpoints.
package cancel

import (
	"sync"
	"sync/atomic"
)

// Token is a cross-goroutine-visible cancellation flag for a single run.
type Token struct {
	flag atomic.Bool
}

func (t *Token) Cancel() {
	t.flag.Store(true)
}

func (t *Token) Cancelled() bool {
	return t.flag.Load()
}

// Registry keys tokens by run id. Tokens exist from run start until the
// run's cleanup removes them; they are never shared across runs.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Create allocates the token for a run. Creating twice for the same id
// returns the existing token.
func (r *Registry) Create(runID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.tokens[runID]; ok {
		return tok
	}
	tok := &Token{}
	r.tokens[runID] = tok
	return tok
}

// Cancel sets the flag for a run. Unknown ids are a no-op (the run was
// already cleaned up) and report false.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	tok, ok := r.tokens[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	tok.Cancel()
	return true
}

// Cancelled reports the flag for a run; unknown ids read as not cancelled.
func (r *Registry) Cancelled(runID string) bool {
	r.mu.Lock()
	tok, ok := r.tokens[runID]
	r.mu.Unlock()
	return ok && tok.Cancelled()
}

// Remove drops the token. Safe to call more than once.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	delete(r.tokens, runID)
	r.mu.Unlock()
}
