// Package activity reconstructs flat task records from raw OpenProject
// activity feeds.
//
// A feed is the ordered list of events the API returns for one work package.
// The first event carries the task's initial attributes as detail strings
// ("Type set to Bug", ...); every later event of type "Activity" becomes one
// entry of the task's activity log. Parsing is isolated per task: one bad
// feed is logged with its raw payload and dropped, the rest are merged.
package activity

import (
	"encoding/json"
	"strconv"
)

// TaskID identifies a work package. Ids are opaque; numeric ids are the
// common case.
type TaskID string

// TaskIDFromInt formats a numeric work package id.
func TaskIDFromInt(id int) TaskID {
	return TaskID(strconv.Itoa(id))
}

// Page is the raw activity feed of one task, exactly as the server returned
// its elements. TaskID is the id the feed was requested for.
type Page struct {
	TaskID TaskID            `json:"task_id"`
	Events []json.RawMessage `json:"events"`
}

// Event is one activity feed element. Only the consumed fields are declared.
type Event struct {
	Type      string   `json:"_type"`
	ID        int      `json:"id,omitempty"`
	CreatedAt string   `json:"createdAt"`
	Details   []Detail `json:"details"`
	Links     Links    `json:"_links"`
}

// Detail is one human-readable change description.
type Detail struct {
	Format string `json:"format,omitempty"`
	Raw    string `json:"raw"`
	HTML   string `json:"html,omitempty"`
}

// Links holds the HAL links of an event.
type Links struct {
	WorkPackage Link `json:"workPackage"`
	User        Link `json:"user"`
}

// Link is a HAL link.
type Link struct {
	Href  string `json:"href"`
	Title string `json:"title,omitempty"`
}

// Task is a merged task record. ClosedDate and DurationDays are nil (JSON
// null) unless the task went from "In progress" to "Closed".
type Task struct {
	Name         string     `json:"name"`
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Priority     string     `json:"priority"`
	Project      string     `json:"project"`
	CreatedDate  string     `json:"createdDate"`
	ClosedDate   *string    `json:"closedDate"`
	DurationDays *int       `json:"durationDays"`
	Activities   []Activity `json:"activities"`
}

// Activity is one entry of a task's activity log, in server order.
type Activity struct {
	DateTime string   `json:"datetime"`
	Actions  []string `json:"actions"`
}

// Closed reports whether the task has a closing transition.
func (t Task) Closed() bool {
	return t.ClosedDate != nil
}
