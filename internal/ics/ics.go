// Package ics renders canonical tasks into iCalendar event payloads and
// hashes them for change detection. Rendering is deterministic: the same
// task and color always produce byte-identical output, so payload hashes
// can be compared across runs. DTSTAMP is deliberately left out; the
// calendar client stamps it at write time.
package ics

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/tazhate/notioncal/internal/domain"
)

const prodID = "-//notioncal//Notion Calendar Sync//EN"

// PropNotionStatus carries the derived task status on the VEVENT.
const PropNotionStatus = "X-NOTION-STATUS"

// Render builds the calendar payload for a task. The caller is expected to
// have checked task.Syncable().
func Render(task *domain.Task, color string) string {
	return RenderAt(task, color, time.Now().UTC())
}

// RenderAt is Render with an explicit "now" for overdue derivation.
func RenderAt(task *domain.Task, color string, now time.Time) string {
	status := DeriveStatus(task, now)
	glyph := status.Glyph()
	if glyph == "" {
		glyph = domain.StatusTodo.Glyph()
	}

	var b strings.Builder
	writeLine(&b, "BEGIN:VCALENDAR")
	writeProp(&b, ical.PropVersion, "2.0")
	writeProp(&b, ical.PropProductID, prodID)
	writeLine(&b, "BEGIN:VEVENT")
	writeProp(&b, ical.PropUID, task.ID)
	writeProp(&b, ical.PropSummary, glyph+" "+task.Title)
	writeProp(&b, PropNotionStatus, string(status))
	writeDateProp(&b, ical.PropDateTimeStart, task.Start)
	if task.End != "" {
		writeDateProp(&b, ical.PropDateTimeEnd, task.End)
	}
	writeProp(&b, ical.PropDescription, description(task))
	if task.Category != "" {
		writeProp(&b, ical.PropCategories, task.Category)
	}
	if color != "" {
		writeProp(&b, ical.PropColor, color)
	}
	writeProp(&b, ical.PropURL, taskURL(task))
	if alarm, ok := reminderAlarm(task.Reminder); ok {
		b.WriteString(alarm)
	}
	writeLine(&b, "END:VEVENT")
	writeLine(&b, "END:VCALENDAR")
	return b.String()
}

// Hash returns the sha256 hex digest of a rendered payload. It is used for
// cheap equality checks against the persisted ledger, not for security.
func Hash(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// DeriveStatus normalizes the task status and flips it to Overdue when the
// effective due time has passed. Final statuses are never overdue.
func DeriveStatus(task *domain.Task, now time.Time) domain.Status {
	status := domain.NormalizeStatus(task.Status)
	if status == "" {
		status = domain.StatusTodo
	}
	if overdue(task, now) {
		return domain.StatusOverdue
	}
	return status
}

// overdue reports whether the task's due bound is in the past. The due
// bound is End when present, else Start. A date-only bound counts as the
// end of that day, so a same-day all-day task is not prematurely overdue.
// Unparseable values fail open and are never overdue.
func overdue(task *domain.Task, now time.Time) bool {
	if task.Start == "" && task.End == "" {
		return false
	}
	if domain.NormalizeStatus(task.Status).IsFinal() {
		return false
	}
	dueRaw := task.End
	if dueRaw == "" {
		dueRaw = task.Start
	}
	due, ok := parseDue(dueRaw)
	if !ok {
		return false
	}
	return due.Before(now)
}

func parseDue(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if isDateOnly(value) {
		t, err := time.ParseInLocation("2006-01-02", value, time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		return t.Add(23*time.Hour + 59*time.Minute + 59*time.Second), true
	}
	t, ok := parseDateTime(value)
	if !ok {
		return time.Time{}, false
	}
	return t, true
}

// parseDateTime accepts ISO-8601 date-times with or without a zone.
// Zoneless values are treated as UTC.
func parseDateTime(value string) (time.Time, bool) {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
	} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func isDateOnly(value string) bool {
	return !strings.Contains(value, "T")
}

func description(task *domain.Task) string {
	source := task.SourceName
	if source == "" {
		source = "-"
	}
	parts := []string{"Source: " + source}
	if task.Category != "" {
		parts = append(parts, "Category: "+task.Category)
	}
	if task.Description != "" {
		parts = append(parts, "", task.Description)
	}
	return strings.Join(parts, "\n")
}

func taskURL(task *domain.Task) string {
	if task.URL != "" {
		return task.URL
	}
	return "https://www.notion.so/" + strings.ReplaceAll(task.ID, "-", "")
}

// reminderAlarm renders a display alarm for the reminder timestamp.
// Bad values are skipped rather than failing the whole event.
func reminderAlarm(reminder string) (string, bool) {
	if reminder == "" {
		return "", false
	}
	var at time.Time
	if isDateOnly(reminder) {
		t, err := time.ParseInLocation("2006-01-02", reminder, time.UTC)
		if err != nil {
			return "", false
		}
		at = t
	} else {
		t, ok := parseDateTime(reminder)
		if !ok {
			return "", false
		}
		at = t
	}
	var b strings.Builder
	writeLine(&b, "BEGIN:VALARM")
	writeProp(&b, ical.PropAction, "DISPLAY")
	writeProp(&b, ical.PropDescription, "Reminder")
	writeLine(&b, "TRIGGER;VALUE=DATE-TIME:"+at.UTC().Format("20060102T150405Z"))
	writeLine(&b, "END:VALARM")
	return b.String(), true
}

// writeDateProp renders a DATE value for date-only strings and a UTC
// DATE-TIME otherwise. Values that fail to parse are written as DATE-TIME
// of the raw text so malformed upstream data never drops the event.
func writeDateProp(b *strings.Builder, name, value string) {
	if isDateOnly(value) {
		if t, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
			writeLine(b, name+";VALUE=DATE:"+t.Format("20060102"))
			return
		}
	} else if t, ok := parseDateTime(value); ok {
		writeLine(b, name+":"+t.Format("20060102T150405Z"))
		return
	}
	writeLine(b, name+":"+escapeText(value))
}

func writeProp(b *strings.Builder, name, value string) {
	writeLine(b, name+":"+escapeText(value))
}

func writeLine(b *strings.Builder, line string) {
	b.WriteString(line)
	b.WriteString("\r\n")
}

// escapeText applies RFC 5545 text escaping.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, ";", "\\;")
	s = strings.ReplaceAll(s, ",", "\\,")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
