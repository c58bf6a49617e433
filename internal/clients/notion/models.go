package notion

import "strings"

// Database is a task database surfaced by ListTaskDatabases.
type Database struct {
	ID    string
	Title string
}

// Page is a Notion page object, trimmed to the fields the sync needs.
type Page struct {
	Object     string              `json:"object"`
	ID         string              `json:"id"`
	URL        string              `json:"url"`
	Archived   bool                `json:"archived"`
	InTrash    bool                `json:"in_trash"`
	Parent     PageParent          `json:"parent"`
	Properties map[string]Property `json:"properties"`
}

type PageParent struct {
	Type       string `json:"type"`
	DatabaseID string `json:"database_id"`
}

// Property is the tagged union of page property values. Type names which
// of the typed fields is populated; everything else stays zero.
type Property struct {
	Type     string       `json:"type"`
	Title    []RichText   `json:"title"`
	RichText []RichText   `json:"rich_text"`
	Status   *OptionValue `json:"status"`
	Select   *OptionValue `json:"select"`
	Date     *DateValue   `json:"date"`
}

type OptionValue struct {
	Name string `json:"name"`
}

// DateValue keeps the raw ISO-8601 strings so the date-only/date-time
// distinction survives into the canonical task.
type DateValue struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type RichText struct {
	PlainText string `json:"plain_text"`
	Text      struct {
		Content string `json:"content"`
	} `json:"text"`
}

type databaseObject struct {
	Object     string                    `json:"object"`
	ID         string                    `json:"id"`
	Title      []RichText                `json:"title"`
	Properties map[string]propertySchema `json:"properties"`
}

type propertySchema struct {
	Type string `json:"type"`
}

type searchResponse struct {
	Results    []databaseObject `json:"results"`
	HasMore    bool             `json:"has_more"`
	NextCursor string           `json:"next_cursor"`
}

type queryResponse struct {
	Results    []Page `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

func richTextString(entries []RichText) string {
	var parts []string
	for _, e := range entries {
		text := e.PlainText
		if text == "" {
			text = e.Text.Content
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, ""))
}
