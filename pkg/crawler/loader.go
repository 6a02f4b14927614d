package crawler

import (
	"context"
	"sync"
)

// loader runs a fetch once before any read of a fetch-backed entity. A failed
// fetch is not remembered; the next call tries again.
type loader struct {
	mu     sync.Mutex
	loaded bool
}

// ensureLoaded calls load unless a previous call succeeded.
func (l *loader) ensureLoaded(ctx context.Context, load func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		return nil
	}
	if err := load(ctx); err != nil {
		return err
	}
	l.loaded = true
	return nil
}

// invalidate forces the next ensureLoaded to fetch again.
func (l *loader) invalidate() {
	l.mu.Lock()
	l.loaded = false
	l.mu.Unlock()
}
