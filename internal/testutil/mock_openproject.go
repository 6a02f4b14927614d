// Package testutil provides a mock OpenProject API v3 server for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// APIPrefix is the path prefix of every mock resource. Point clients at
// URL() + APIPrefix.
const APIPrefix = "/api/v3"

// MockResponse defines a scripted response for one path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// EventFixture is one seeded activity feed element.
type EventFixture struct {
	Type      string // defaults to "Activity"
	CreatedAt string
	Details   []string
}

// WorkPackageFixture is one seeded work package with its activity feed.
type WorkPackageFixture struct {
	ID        int
	ProjectID int
	Subject   string
	Type      string
	Priority  string
	Status    string
	Events    []EventFixture
}

// MockOpenProject is a configurable mock OpenProject server.
type MockOpenProject struct {
	server *httptest.Server

	mu           sync.RWMutex
	handlers     map[string]http.HandlerFunc
	projects     map[int]string // id -> identifier
	statuses     map[int]string
	workPackages map[int]WorkPackageFixture
	failing      map[int]int // task id -> status code

	// Tracking
	requestCount      int
	pathCounts        map[string]int
	lastRequestHeader http.Header
}

// NewMockOpenProject starts a mock server.
func NewMockOpenProject() *MockOpenProject {
	mock := &MockOpenProject{
		handlers:     make(map[string]http.HandlerFunc),
		projects:     make(map[int]string),
		statuses:     make(map[int]string),
		workPackages: make(map[int]WorkPackageFixture),
		failing:      make(map[int]int),
		pathCounts:   make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the mock server URL.
func (m *MockOpenProject) URL() string {
	return m.server.URL
}

// APIURL returns the API base URL.
func (m *MockOpenProject) APIURL() string {
	return m.server.URL + APIPrefix
}

// Close shuts down the mock server.
func (m *MockOpenProject) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockOpenProject) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.lastRequestHeader = nil
}

// AddProject seeds a project.
func (m *MockOpenProject) AddProject(id int, identifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[id] = identifier
}

// AddStatus seeds a status.
func (m *MockOpenProject) AddStatus(id int, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = name
}

// AddWorkPackage seeds a work package and its activity feed.
func (m *MockOpenProject) AddWorkPackage(wp WorkPackageFixture) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workPackages[wp.ID] = wp
}

// FailActivities makes the activity feed of task id answer statusCode.
func (m *MockOpenProject) FailActivities(id, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[id] = statusCode
}

// SetHandler sets a custom handler for a path below APIPrefix.
func (m *MockOpenProject) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[APIPrefix+path] = handler
}

// SetResponse configures a simple response for a path below APIPrefix.
func (m *MockOpenProject) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockOpenProject) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetPathCount returns the number of requests for a path below APIPrefix.
func (m *MockOpenProject) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[APIPrefix+path]
}

// GetLastRequestHeader returns the headers of the most recent request.
func (m *MockOpenProject) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

func (m *MockOpenProject) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requestCount++
	m.pathCounts[r.URL.Path]++
	m.lastRequestHeader = r.Header.Clone()
	handler, exists := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if exists {
		handler(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/hal+json; charset=utf-8")

	path := strings.TrimPrefix(r.URL.Path, APIPrefix)
	segments := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case path == "/projects":
		m.writeProjects(w)
	case path == "/statuses":
		m.writeStatuses(w)
	case path == "/work_packages":
		m.writeWorkPackages(w, r, 0)
	case len(segments) == 3 && segments[0] == "projects" && segments[2] == "work_packages":
		id, ok := m.projectID(segments[1])
		if !ok {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		m.writeWorkPackages(w, r, id)
	case len(segments) == 3 && segments[0] == "work_packages" && segments[2] == "activities":
		id, err := strconv.Atoi(segments[1])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		m.writeActivities(w, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (m *MockOpenProject) projectID(ref string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, err := strconv.Atoi(ref); err == nil {
		_, ok := m.projects[id]
		return id, ok
	}
	for id, identifier := range m.projects {
		if identifier == ref {
			return id, true
		}
	}
	return 0, false
}

func (m *MockOpenProject) writeProjects(w http.ResponseWriter) {
	m.mu.RLock()
	ids := sortedKeys(m.projects)
	elements := make([]any, 0, len(ids))
	for _, id := range ids {
		elements = append(elements, map[string]any{
			"_type":      "Project",
			"id":         id,
			"identifier": m.projects[id],
			"name":       strings.ToUpper(m.projects[id][:1]) + m.projects[id][1:],
			"active":     true,
		})
	}
	m.mu.RUnlock()

	writeCollection(w, elements)
}

func (m *MockOpenProject) writeStatuses(w http.ResponseWriter) {
	m.mu.RLock()
	ids := sortedKeys(m.statuses)
	elements := make([]any, 0, len(ids))
	for _, id := range ids {
		elements = append(elements, map[string]any{
			"_type":    "Status",
			"id":       id,
			"name":     m.statuses[id],
			"isClosed": m.statuses[id] == "Closed",
		})
	}
	m.mu.RUnlock()

	writeCollection(w, elements)
}

// writeWorkPackages lists work packages of projectID (0 = all), honoring
// "project" and "status" filters.
func (m *MockOpenProject) writeWorkPackages(w http.ResponseWriter, r *http.Request, projectID int) {
	projectFilter, statusFilter, err := parseFilters(r.URL.Query().Get("filters"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m.mu.RLock()
	statusNames := make(map[string]bool)
	for _, id := range statusFilter {
		statusNames[m.statuses[id]] = true
	}

	ids := make([]int, 0, len(m.workPackages))
	for id := range m.workPackages {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	elements := make([]any, 0, len(ids))
	for _, id := range ids {
		wp := m.workPackages[id]
		if projectID != 0 && wp.ProjectID != projectID {
			continue
		}
		if len(projectFilter) > 0 && !containsInt(projectFilter, wp.ProjectID) {
			continue
		}
		if len(statusFilter) > 0 && !statusNames[wp.Status] {
			continue
		}
		elements = append(elements, map[string]any{
			"_type":   "WorkPackage",
			"id":      wp.ID,
			"subject": wp.Subject,
			"_links": map[string]any{
				"self":     map[string]any{"href": fmt.Sprintf("%s/work_packages/%d", APIPrefix, wp.ID), "title": wp.Subject},
				"type":     map[string]any{"title": wp.Type},
				"priority": map[string]any{"title": wp.Priority},
				"status":   map[string]any{"title": wp.Status},
				"project":  map[string]any{"href": fmt.Sprintf("%s/projects/%d", APIPrefix, wp.ProjectID), "title": m.projects[wp.ProjectID]},
			},
		})
	}
	m.mu.RUnlock()

	writeCollection(w, elements)
}

func (m *MockOpenProject) writeActivities(w http.ResponseWriter, id int) {
	m.mu.RLock()
	wp, ok := m.workPackages[id]
	failStatus, failing := m.failing[id]
	m.mu.RUnlock()

	if failing {
		writeError(w, failStatus, "scripted failure")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "work package not found")
		return
	}

	elements := make([]any, 0, len(wp.Events))
	for i, ev := range wp.Events {
		typ := ev.Type
		if typ == "" {
			typ = "Activity"
		}
		details := make([]any, 0, len(ev.Details))
		for _, d := range ev.Details {
			details = append(details, map[string]any{"format": "custom", "raw": d, "html": "<p>" + d + "</p>"})
		}
		elements = append(elements, map[string]any{
			"_type":     typ,
			"id":        id*100 + i,
			"createdAt": ev.CreatedAt,
			"details":   details,
			"_links": map[string]any{
				"workPackage": map[string]any{
					"href":  fmt.Sprintf("%s/work_packages/%d", APIPrefix, wp.ID),
					"title": wp.Subject,
				},
				"user": map[string]any{"href": APIPrefix + "/users/1", "title": "Admin"},
			},
		})
	}

	writeCollection(w, elements)
}

// parseFilters extracts the integer values of "project" and "status" filters.
func parseFilters(raw string) (projects, statuses []int, err error) {
	if raw == "" {
		return nil, nil, nil
	}

	var filters []map[string]struct {
		Operator string   `json:"operator"`
		Values   []string `json:"values"`
	}
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		return nil, nil, fmt.Errorf("invalid filters: %w", err)
	}

	for _, f := range filters {
		for field, cond := range f {
			for _, v := range cond.Values {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, nil, fmt.Errorf("invalid %s filter value %q", field, v)
				}
				switch field {
				case "project":
					projects = append(projects, n)
				case "status":
					statuses = append(statuses, n)
				}
			}
		}
	}
	return projects, statuses, nil
}

func writeCollection(w http.ResponseWriter, elements []any) {
	body, _ := json.Marshal(map[string]any{
		"_type":     "Collection",
		"total":     len(elements),
		"count":     len(elements),
		"_embedded": map[string]any{"elements": elements},
	})
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	body, _ := json.Marshal(map[string]any{
		"_type":   "Error",
		"message": message,
	})
	w.WriteHeader(status)
	w.Write(body)
}

func sortedKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"_type":"Error","message":"Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/hal+json; charset=utf-8"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"_type":"Error","message":"Rate limit exceeded"}`,
		Headers:    map[string]string{"Retry-After": "1", "Content-Type": "application/hal+json; charset=utf-8"},
	}
}

// ClosedBug returns a feed of a task created on 2024-01-01 and closed two
// days later, with type Bug, project Demo and priority High.
func ClosedBug(id, projectID int, subject string) WorkPackageFixture {
	return WorkPackageFixture{
		ID:        id,
		ProjectID: projectID,
		Subject:   subject,
		Type:      "Bug",
		Priority:  "High",
		Status:    "Closed",
		Events: []EventFixture{
			{CreatedAt: "2024-01-01T00:00:00.000Z", Details: []string{"Type set to Bug", "Project set to Demo", "Priority set to High"}},
			{CreatedAt: "2024-01-02T09:15:00.000Z", Details: []string{"Status changed from New to In progress"}},
			{CreatedAt: "2024-01-03T00:00:00.000Z", Details: []string{"Status changed from In progress to Closed"}},
		},
	}
}

// OpenTask returns a feed of a task that was never closed.
func OpenTask(id, projectID int, subject string) WorkPackageFixture {
	return WorkPackageFixture{
		ID:        id,
		ProjectID: projectID,
		Subject:   subject,
		Type:      "Task",
		Priority:  "Normal",
		Status:    "In progress",
		Events: []EventFixture{
			{CreatedAt: "2024-02-01T08:00:00.000Z", Details: []string{"Type set to Task", "Project set to Demo", "Priority set to Normal"}},
			{CreatedAt: "2024-02-01T10:00:00.000Z", Details: []string{"Status changed from New to In progress"}},
		},
	}
}
