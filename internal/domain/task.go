package domain

import "strings"

type Status string

const (
	StatusTodo       Status = "Todo"
	StatusInProgress Status = "In progress"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
	StatusOverdue    Status = "Overdue" // derived, never stored in Notion
)

// Task is the canonical task record produced from a Notion page.
// Start, End and Reminder keep the raw ISO-8601 strings from the API:
// a value without a time component marks an all-day date.
type Task struct {
	ID          string
	Title       string
	Status      string // raw status label from Notion; normalize with NormalizeStatus
	Start       string
	End         string
	Reminder    string
	Category    string
	Description string
	SourceName  string // display name of the database the page lives in
	URL         string
}

// Syncable reports whether the task can be placed on a calendar at all.
func (t *Task) Syncable() bool {
	return t.ID != "" && t.Start != ""
}

// NormalizeStatus maps a free-form status label onto the canonical set.
// Matching ignores case and punctuation ("In Progress", "in-progress" and
// "inprogress" are the same). Unknown labels return "" and are treated as
// absent by callers.
func NormalizeStatus(raw string) Status {
	switch foldStatus(raw) {
	case "todo":
		return StatusTodo
	case "inprogress":
		return StatusInProgress
	case "completed":
		return StatusCompleted
	case "cancelled", "canceled":
		return StatusCancelled
	case "overdue":
		return StatusOverdue
	}
	return ""
}

// IsFinal reports whether the status is exempt from overdue derivation.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Glyph returns the display prefix for a status, "" if it has none.
func (s Status) Glyph() string {
	switch s {
	case StatusTodo:
		return "📋"
	case StatusInProgress:
		return "🔄"
	case StatusCompleted:
		return "✅"
	case StatusCancelled:
		return "🚫"
	case StatusOverdue:
		return "⚠️"
	}
	return ""
}

func foldStatus(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
