package provider

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Registry dispatches completions to the provider owning a model id
// prefix (for example "gpt-" or "claude-").
type Registry struct {
	mu         sync.RWMutex
	byPrefix   map[string]Completer
	timeBudget time.Duration
}

// NewRegistry creates a registry. timeBudget bounds how long one upstream
// call may take before it fails as unavailable.
func NewRegistry(timeBudget time.Duration) *Registry {
	if timeBudget <= 0 {
		timeBudget = 30 * time.Second
	}
	return &Registry{
		byPrefix:   make(map[string]Completer),
		timeBudget: timeBudget,
	}
}

// Register binds a model id prefix to a provider.
func (r *Registry) Register(prefix string, c Completer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPrefix[prefix] = c
}

// Resolve finds the provider responsible for a model id.
func (r *Registry) Resolve(model string) (Completer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, c := range r.byPrefix {
		if strings.HasPrefix(model, prefix) {
			return c, true
		}
	}
	return nil, false
}

// Supported reports whether any provider claims the model id.
func (r *Registry) Supported(model string) bool {
	_, ok := r.Resolve(model)
	return ok
}

// Complete routes one completion call under the registry's time budget.
func (r *Registry) Complete(ctx context.Context, model string, messages []Message, apiKey string) (*Completion, error) {
	c, ok := r.Resolve(model)
	if !ok {
		return nil, NewError(KindUnsupported, "registry", "no provider for model "+model, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeBudget)
	defer cancel()

	out, err := c.Complete(ctx, model, messages, apiKey)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewError(KindUnavailable, c.Name(), "provider call exceeded time budget", err)
		}
		return nil, err
	}
	return out, nil
}
