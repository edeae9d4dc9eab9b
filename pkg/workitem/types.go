package workitem

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a work item id is not in the document.
var ErrNotFound = errors.New("work item not found")

// Status is the lifecycle state of a work item
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further work happens in this status
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskKind selects which protected operation performs a task
type TaskKind string

const (
	KindNote    TaskKind = "note"
	KindFile    TaskKind = "file"
	KindCommand TaskKind = "command"
	KindHTTP    TaskKind = "http"
)

// Task is one step of a work item
type Task struct {
	ID     string            `yaml:"id" json:"id"`
	Title  string            `yaml:"title" json:"title"`
	Kind   TaskKind          `yaml:"kind" json:"kind"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Param returns a task parameter or fallback when unset
func (t Task) Param(key, fallback string) string {
	if v, ok := t.Params[key]; ok && v != "" {
		return v
	}
	return fallback
}

// WorkItem is a schedulable unit of work
type WorkItem struct {
	ID           int       `yaml:"id" json:"id"`
	Title        string    `yaml:"title" json:"title"`
	Status       Status    `yaml:"status" json:"status"`
	Tasks        []Task    `yaml:"tasks,omitempty" json:"tasks,omitempty"`
	Dependencies []int     `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Error        string    `yaml:"error,omitempty" json:"error,omitempty"`
	UpdatedAt    time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Clone returns a deep copy
func (w WorkItem) Clone() WorkItem {
	out := w
	if w.Tasks != nil {
		out.Tasks = make([]Task, len(w.Tasks))
		for i, task := range w.Tasks {
			out.Tasks[i] = task
			if task.Params != nil {
				params := make(map[string]string, len(task.Params))
				for k, v := range task.Params {
					params[k] = v
				}
				out.Tasks[i].Params = params
			}
		}
	}
	if w.Dependencies != nil {
		out.Dependencies = append([]int(nil), w.Dependencies...)
	}
	return out
}

// Document is the whole work item file
type Document struct {
	Version int        `yaml:"version" json:"version"`
	Items   []WorkItem `yaml:"items" json:"items"`
}

// Find returns the item with id, or nil
func (d *Document) Find(id int) *WorkItem {
	if d == nil {
		return nil
	}
	for i := range d.Items {
		if d.Items[i].ID == id {
			return &d.Items[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the document
func (d *Document) Clone() *Document {
	if d == nil {
		return &Document{Version: 1}
	}
	out := &Document{Version: d.Version, Items: make([]WorkItem, len(d.Items))}
	for i, item := range d.Items {
		out.Items[i] = item.Clone()
	}
	return out
}

// Validate checks ids are unique and statuses known
func (d *Document) Validate() error {
	seen := make(map[int]bool, len(d.Items))
	for _, item := range d.Items {
		if seen[item.ID] {
			return fmt.Errorf("duplicate work item id %d", item.ID)
		}
		seen[item.ID] = true
		if item.Status != "" && !item.Status.Valid() {
			return fmt.Errorf("work item %d: invalid status %q", item.ID, item.Status)
		}
	}
	return nil
}
