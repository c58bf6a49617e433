package notion

import (
	"sort"

	"github.com/tazhate/notioncal/internal/domain"
)

// Expected property names in a task database. Title resolution does not
// depend on the exact name: any title-typed property works as a fallback.
const (
	PropTitle       = "Name"
	PropStatus      = "Status"
	PropDate        = "Date"
	PropReminder    = "Reminder"
	PropCategory    = "Category"
	PropDescription = "Description"
)

// ParsePage converts a raw page into the canonical task. Fallback order
// for the title: the named title property, then the first title-typed
// property, then the page ID. Missing or differently-typed properties
// yield empty fields rather than errors.
func ParsePage(page *Page) *domain.Task {
	props := page.Properties

	title := titleFromProperty(props[PropTitle])
	if title == "" {
		// Scan in sorted name order so the pick is stable when several
		// title-typed properties exist.
		names := make([]string, 0, len(props))
		for name := range props {
			if name != PropTitle {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			if title = titleFromProperty(props[name]); title != "" {
				break
			}
		}
	}
	if title == "" {
		title = page.ID
	}

	task := &domain.Task{
		ID:    page.ID,
		Title: title,
		URL:   page.URL,
	}

	if p, ok := props[PropStatus]; ok && p.Status != nil {
		task.Status = p.Status.Name
	}
	if p, ok := props[PropDate]; ok && p.Date != nil {
		task.Start = p.Date.Start
		task.End = p.Date.End
	}
	if p, ok := props[PropReminder]; ok && p.Date != nil {
		task.Reminder = p.Date.Start
	}
	if p, ok := props[PropCategory]; ok && p.Type == "select" && p.Select != nil {
		task.Category = p.Select.Name
	}
	if p, ok := props[PropDescription]; ok && p.Type == "rich_text" && len(p.RichText) > 0 {
		task.Description = p.RichText[0].PlainText
	}

	return task
}

func titleFromProperty(prop Property) string {
	if prop.Type != "title" {
		return ""
	}
	return richTextString(prop.Title)
}
