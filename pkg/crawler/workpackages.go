package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/Sternrassler/openproject-crawler/pkg/activity"
)

// Filter is one API v3 filter, encoded as {"<field>":{"operator":..,"values":[..]}}.
type Filter struct {
	Field    string
	Operator string
	Values   []string
}

type filterCondition struct {
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

// MarshalJSON implements json.Marshaler.
func (f Filter) MarshalJSON() ([]byte, error) {
	values := f.Values
	if values == nil {
		values = []string{}
	}
	return json.Marshal(map[string]filterCondition{
		f.Field: {Operator: f.Operator, Values: values},
	})
}

// ProjectFilter matches work packages of one project id.
func ProjectFilter(projectID int) Filter {
	return Filter{Field: "project", Operator: "=", Values: []string{strconv.Itoa(projectID)}}
}

// StatusFilter matches work packages in one of the given status ids.
func StatusFilter(statusIDs ...int) Filter {
	values := make([]string, len(statusIDs))
	for i, id := range statusIDs {
		values[i] = strconv.Itoa(id)
	}
	return Filter{Field: "status", Operator: "=", Values: values}
}

// WorkPackageQuery is an immutable work package list request.
type WorkPackageQuery struct {
	// Project identifier; empty lists across all projects.
	Project  string
	PageSize int
	Filters  []Filter
}

// Path returns the list resource path.
func (q WorkPackageQuery) Path() string {
	if q.Project != "" {
		return fmt.Sprintf("/projects/%s/work_packages", url.PathEscape(q.Project))
	}
	return "/work_packages"
}

// Params returns the query parameters. Filters are always sent when set,
// including an explicit empty list to disable the server's default
// "open only" status filter.
func (q WorkPackageQuery) Params() (url.Values, error) {
	params := pageParams(q.PageSize)
	if params == nil {
		params = url.Values{}
	}

	if q.Filters != nil {
		b, err := json.Marshal(q.Filters)
		if err != nil {
			return nil, fmt.Errorf("encode filters: %w", err)
		}
		params.Set("filters", string(b))
	}
	return params, nil
}

// halLink is a titled HAL link.
type halLink struct {
	Href  string `json:"href"`
	Title string `json:"title"`
}

// WorkPackage is one element of a work package list.
type WorkPackage struct {
	ID      int    `json:"id"`
	Subject string `json:"subject"`
	Links   struct {
		Type     halLink `json:"type"`
		Priority halLink `json:"priority"`
		Status   halLink `json:"status"`
		Project  halLink `json:"project"`
	} `json:"_links"`
}

// Attribute names a linked work package attribute.
type Attribute string

const (
	AttributeType     Attribute = "type"
	AttributePriority Attribute = "priority"
	AttributeStatus   Attribute = "status"
	AttributeProject  Attribute = "project"
)

// title returns the link title of attr.
func (w WorkPackage) title(attr Attribute) (string, error) {
	switch attr {
	case AttributeType:
		return w.Links.Type.Title, nil
	case AttributePriority:
		return w.Links.Priority.Title, nil
	case AttributeStatus:
		return w.Links.Status.Title, nil
	case AttributeProject:
		return w.Links.Project.Title, nil
	default:
		return "", fmt.Errorf("unknown work package attribute %q", attr)
	}
}

// TaskAttributes is the flattened summary of a work package.
type TaskAttributes struct {
	ID       int    `json:"id"`
	Subject  string `json:"subject"`
	Type     string `json:"type"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
}

// WorkPackageSet is the result of one query, fetched on first use.
type WorkPackageSet struct {
	fetcher Fetcher
	query   WorkPackageQuery
	loader  loader

	mu    sync.RWMutex
	items []WorkPackage
	total int
}

// NewWorkPackageSet creates a set for q.
func NewWorkPackageSet(f Fetcher, q WorkPackageQuery) *WorkPackageSet {
	return &WorkPackageSet{fetcher: f, query: q}
}

// Query returns the set's query.
func (s *WorkPackageSet) Query() WorkPackageQuery {
	return s.query
}

func (s *WorkPackageSet) load(ctx context.Context) error {
	params, err := s.query.Params()
	if err != nil {
		return err
	}

	path := s.query.Path()
	coll, err := fetchCollection(ctx, s.fetcher, path, params)
	if err != nil {
		return fmt.Errorf("fetch work packages: %w", err)
	}
	items, err := decodeElements[WorkPackage](path, coll.Embedded.Elements)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.items = items
	s.total = coll.Total
	s.mu.Unlock()
	return nil
}

// List returns the work packages in server order.
func (s *WorkPackageSet) List(ctx context.Context) ([]WorkPackage, error) {
	if err := s.loader.ensureLoaded(ctx, s.load); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]WorkPackage(nil), s.items...), nil
}

// Total returns the server-reported match count, which may exceed the
// number of returned elements when it is larger than the page size.
func (s *WorkPackageSet) Total(ctx context.Context) (int, error) {
	if err := s.loader.ensureLoaded(ctx, s.load); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total, nil
}

// TaskIDs returns the work package ids in server order.
func (s *WorkPackageSet) TaskIDs(ctx context.Context) ([]activity.TaskID, error) {
	items, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]activity.TaskID, len(items))
	for i, wp := range items {
		ids[i] = activity.TaskIDFromInt(wp.ID)
	}
	return ids, nil
}

// Subjects returns id -> subject.
func (s *WorkPackageSet) Subjects(ctx context.Context) (map[int]string, error) {
	items, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[int]string, len(items))
	for _, wp := range items {
		out[wp.ID] = wp.Subject
	}
	return out, nil
}

// Attributes returns the flattened attributes of every work package.
func (s *WorkPackageSet) Attributes(ctx context.Context) ([]TaskAttributes, error) {
	items, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]TaskAttributes, len(items))
	for i, wp := range items {
		out[i] = TaskAttributes{
			ID:       wp.ID,
			Subject:  wp.Subject,
			Type:     wp.Links.Type.Title,
			Priority: wp.Links.Priority.Title,
			Status:   wp.Links.Status.Title,
		}
	}
	return out, nil
}

// CountBy counts work packages per title of attr.
func (s *WorkPackageSet) CountBy(ctx context.Context, attr Attribute) (map[string]int, error) {
	items, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, wp := range items {
		title, err := wp.title(attr)
		if err != nil {
			return nil, err
		}
		counts[title]++
	}
	return counts, nil
}

// CountByType counts work packages per type.
func (s *WorkPackageSet) CountByType(ctx context.Context) (map[string]int, error) {
	return s.CountBy(ctx, AttributeType)
}

// CountByPriority counts work packages per priority.
func (s *WorkPackageSet) CountByPriority(ctx context.Context) (map[string]int, error) {
	return s.CountBy(ctx, AttributePriority)
}

// CountByStatus counts work packages per status.
func (s *WorkPackageSet) CountByStatus(ctx context.Context) (map[string]int, error) {
	return s.CountBy(ctx, AttributeStatus)
}
