package crawler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

const projectsPath = "/projects"

// Project is one element of /projects.
type Project struct {
	ID         int    `json:"id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Active     bool   `json:"active"`
}

// ErrProjectNotFound is returned by ResolveProjectID for unknown projects.
var ErrProjectNotFound = errors.New("project not found")

// ProjectCatalog lists the projects visible to the credential. The list is
// fetched on first use and cached until Refresh or an unknown lookup.
type ProjectCatalog struct {
	fetcher  Fetcher
	pageSize int
	loader   loader

	mu       sync.RWMutex
	projects []Project
	total    int
}

// NewProjectCatalog creates a catalog. pageSize <= 0 uses the server default.
func NewProjectCatalog(f Fetcher, pageSize int) *ProjectCatalog {
	return &ProjectCatalog{fetcher: f, pageSize: pageSize}
}

func (p *ProjectCatalog) load(ctx context.Context) error {
	coll, err := fetchCollection(ctx, p.fetcher, projectsPath, pageParams(p.pageSize))
	if err != nil {
		return fmt.Errorf("fetch projects: %w", err)
	}
	projects, err := decodeElements[Project](projectsPath, coll.Embedded.Elements)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.projects = projects
	p.total = coll.Total
	p.mu.Unlock()
	return nil
}

// List returns all projects in server order.
func (p *ProjectCatalog) List(ctx context.Context) ([]Project, error) {
	if err := p.loader.ensureLoaded(ctx, p.load); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Project(nil), p.projects...), nil
}

// Projects returns project id -> identifier.
func (p *ProjectCatalog) Projects(ctx context.Context) (map[int]string, error) {
	projects, err := p.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[int]string, len(projects))
	for _, pr := range projects {
		out[pr.ID] = pr.Identifier
	}
	return out, nil
}

// Total returns the server-reported project count.
func (p *ProjectCatalog) Total(ctx context.Context) (int, error) {
	if err := p.loader.ensureLoaded(ctx, p.load); err != nil {
		return 0, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total, nil
}

// ResolveProjectID maps an identifier ("demo-project") or a numeric id
// string to the project id. An unknown project refetches the list once, so
// projects created after the first load are found.
func (p *ProjectCatalog) ResolveProjectID(ctx context.Context, identifier string) (int, error) {
	id, ok, err := p.lookup(ctx, identifier)
	if err != nil || ok {
		return id, err
	}

	p.Refresh()
	id, ok, err = p.lookup(ctx, identifier)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrProjectNotFound, identifier)
	}
	return id, nil
}

func (p *ProjectCatalog) lookup(ctx context.Context, identifier string) (int, bool, error) {
	projects, err := p.List(ctx)
	if err != nil {
		return 0, false, err
	}

	numeric, numErr := strconv.Atoi(identifier)
	for _, pr := range projects {
		if pr.Identifier == identifier || (numErr == nil && pr.ID == numeric) {
			return pr.ID, true, nil
		}
	}
	return 0, false, nil
}

// Refresh drops the cached list; the next call fetches again.
func (p *ProjectCatalog) Refresh() {
	p.loader.invalidate()
}
