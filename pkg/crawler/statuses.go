package crawler

import (
	"context"
	"fmt"
	"sync"
)

const statusesPath = "/statuses"

// Status is one element of /statuses.
type Status struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	IsClosed  bool   `json:"isClosed"`
	IsDefault bool   `json:"isDefault"`
	Position  int    `json:"position"`
}

// StatusCatalog lists the work package statuses, fetched on first use.
type StatusCatalog struct {
	fetcher Fetcher
	loader  loader

	mu       sync.RWMutex
	statuses []Status
}

// NewStatusCatalog creates a catalog.
func NewStatusCatalog(f Fetcher) *StatusCatalog {
	return &StatusCatalog{fetcher: f}
}

func (s *StatusCatalog) load(ctx context.Context) error {
	coll, err := fetchCollection(ctx, s.fetcher, statusesPath, nil)
	if err != nil {
		return fmt.Errorf("fetch statuses: %w", err)
	}
	statuses, err := decodeElements[Status](statusesPath, coll.Embedded.Elements)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.statuses = statuses
	s.mu.Unlock()
	return nil
}

// List returns all statuses in server order.
func (s *StatusCatalog) List(ctx context.Context) ([]Status, error) {
	if err := s.loader.ensureLoaded(ctx, s.load); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Status(nil), s.statuses...), nil
}

// Statuses returns status id -> name.
func (s *StatusCatalog) Statuses(ctx context.Context) (map[int]string, error) {
	statuses, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[int]string, len(statuses))
	for _, st := range statuses {
		out[st.ID] = st.Name
	}
	return out, nil
}
