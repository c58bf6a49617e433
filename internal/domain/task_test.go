package domain

import "testing"

func TestSyncable(t *testing.T) {
	cases := []struct {
		name string
		task Task
		want bool
	}{
		{"id and start", Task{ID: "a", Start: "2026-01-01"}, true},
		{"no start", Task{ID: "a"}, false},
		{"no id", Task{Start: "2026-01-01"}, false},
	}
	for _, tc := range cases {
		if got := tc.task.Syncable(); got != tc.want {
			t.Errorf("%s: Syncable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want Status
	}{
		{"Todo", StatusTodo},
		{"to do", StatusTodo},
		{"In Progress", StatusInProgress},
		{"in-progress", StatusInProgress},
		{"COMPLETED", StatusCompleted},
		{"canceled", StatusCancelled},
		{"Cancelled", StatusCancelled},
		{"overdue", StatusOverdue},
		{"Blocked", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeStatus(tc.raw); got != tc.want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
