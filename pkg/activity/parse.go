package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the output format of every timestamp in a Task.
const DateLayout = "2006-01-02 15:04:05"

// ClosingTransition is the detail string that marks a task as closed.
const ClosingTransition = "Status changed from In progress to Closed"

// Attribute prefixes found in the first event of a feed.
const (
	typePrefix     = "Type set to "
	projectPrefix  = "Project set to "
	priorityPrefix = "Priority set to "
)

// hrefTaskIDSegment is the index of the id in "/api/v3/work_packages/{id}".
const hrefTaskIDSegment = 4

var (
	// ErrEmptyPage is returned for a feed without events.
	ErrEmptyPage = errors.New("activity page has no events")

	// ErrMissingField is returned when a consumed field is absent.
	ErrMissingField = errors.New("missing field")

	// ErrTimestampFormat is returned for a createdAt outside the API shape.
	ErrTimestampFormat = errors.New("unexpected timestamp format")
)

// timestampPattern is the API timestamp shape: UTC with a 1-6 digit fraction,
// e.g. "2024-01-01T00:00:00.000Z".
var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{1,6}Z$`)

// ParseError reports why one task's feed could not be merged.
type ParseError struct {
	TaskID TaskID
	Event  int // index of the offending event, -1 for page-level errors
	Err    error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Event < 0 {
		return fmt.Sprintf("parse activities of task %s: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("parse activities of task %s (event %d): %v", e.TaskID, e.Event, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseTask merges one task's feed into a Task.
func ParseTask(page Page) (Task, error) {
	fail := func(event int, err error) (Task, error) {
		return Task{}, &ParseError{TaskID: page.TaskID, Event: event, Err: err}
	}

	if len(page.Events) == 0 {
		return fail(-1, ErrEmptyPage)
	}

	var first Event
	if err := json.Unmarshal(page.Events[0], &first); err != nil {
		return fail(0, fmt.Errorf("decode event: %w", err))
	}

	id, err := taskIDFromHref(first.Links.WorkPackage.Href)
	if err != nil {
		return fail(0, err)
	}

	created, err := parseTimestamp(first.CreatedAt)
	if err != nil {
		return fail(0, err)
	}

	task := Task{
		Name:        first.Links.WorkPackage.Title,
		ID:          id,
		CreatedDate: created.Format(DateLayout),
		Activities:  []Activity{},
	}

	for _, d := range first.Details {
		if v, ok := strings.CutPrefix(d.Raw, typePrefix); ok {
			task.Type = v
		}
		if v, ok := strings.CutPrefix(d.Raw, projectPrefix); ok {
			task.Project = v
		}
		if v, ok := strings.CutPrefix(d.Raw, priorityPrefix); ok {
			task.Priority = v
		}
	}

	var closed time.Time
	for i, raw := range page.Events[1:] {
		index := i + 1

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fail(index, fmt.Errorf("decode event: %w", err))
		}
		if ev.Type != "Activity" {
			continue
		}

		at, err := parseTimestamp(ev.CreatedAt)
		if err != nil {
			return fail(index, err)
		}

		entry := Activity{
			DateTime: at.Format(DateLayout),
			Actions:  make([]string, 0, len(ev.Details)),
		}
		for _, d := range ev.Details {
			entry.Actions = append(entry.Actions, d.Raw)
			// Last match in feed order wins.
			if d.Raw == ClosingTransition {
				closed = at
			}
		}
		task.Activities = append(task.Activities, entry)
	}

	if !closed.IsZero() {
		closedDate := closed.Format(DateLayout)
		days := durationDays(created, closed)
		task.ClosedDate = &closedDate
		task.DurationDays = &days
	}

	return task, nil
}

// taskIDFromHref extracts the id from "/api/v3/work_packages/{id}".
func taskIDFromHref(href string) (string, error) {
	if href == "" {
		return "", fmt.Errorf("%w: _links.workPackage.href", ErrMissingField)
	}
	segments := strings.Split(href, "/")
	if len(segments) <= hrefTaskIDSegment || segments[hrefTaskIDSegment] == "" {
		return "", fmt.Errorf("unexpected work package href %q", href)
	}
	return segments[hrefTaskIDSegment], nil
}

// parseTimestamp parses an API timestamp such as "2024-01-01T00:00:00.000Z".
// Timestamps without a fraction or with a zone offset are rejected.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: createdAt", ErrMissingField)
	}
	if !timestampPattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrTimestampFormat, s)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse createdAt: %w", err)
	}
	return t.UTC(), nil
}

// durationDays returns the whole days from start to end, rounded down, at
// the second precision of DateLayout.
func durationDays(start, end time.Time) int {
	d := end.Truncate(time.Second).Sub(start.Truncate(time.Second))
	return int(math.Floor(d.Hours() / 24))
}
