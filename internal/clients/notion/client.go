package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/tazhate/notioncal/internal/domain"
)

const (
	BaseURL = "https://api.notion.com/v1"

	pageSize = 100
)

// APIError is a non-success response from the Notion API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notion API error %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err means the requested object is gone.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusGone
	}
	return false
}

// Client is a Notion API client.
type Client struct {
	token      string
	version    string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Notion client.
func NewClient(token, version string) *Client {
	return &Client{
		token:   token,
		version: version,
		baseURL: BaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetBaseURL overrides the API endpoint, for tests.
func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

// doRequest performs an HTTP request with auth and version headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", c.version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// ListTaskDatabases returns all databases whose schema looks like a task
// list: a title property, a status property and a date property.
func (c *Client) ListTaskDatabases(ctx context.Context) ([]Database, error) {
	var databases []Database
	cursor := ""
	for {
		body := map[string]interface{}{
			"filter":    map[string]string{"property": "object", "value": "database"},
			"page_size": pageSize,
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}

		data, err := c.doRequest(ctx, "POST", "/search", body)
		if err != nil {
			return nil, err
		}

		var resp searchResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal search response: %w", err)
		}

		for _, db := range resp.Results {
			if db.ID == "" || !isTaskSchema(db.Properties) {
				continue
			}
			title := richTextString(db.Title)
			if title == "" {
				title = "Untitled"
			}
			databases = append(databases, Database{ID: db.ID, Title: title})
		}

		if !resp.HasMore {
			break
		}
		if resp.NextCursor == "" || resp.NextCursor == cursor {
			// A broken cursor must not loop the pagination forever.
			log.Printf("[notion] missing next_cursor in search response despite has_more; stopping pagination")
			break
		}
		cursor = resp.NextCursor
	}
	return databases, nil
}

// QueryPages returns every page of a database. Pagination is exhaustive
// and guarded against servers that echo a stale cursor.
func (c *Client) QueryPages(ctx context.Context, databaseID string) ([]Page, error) {
	var pages []Page
	cursor := ""
	for {
		body := map[string]interface{}{"page_size": pageSize}
		if cursor != "" {
			body["start_cursor"] = cursor
		}

		data, err := c.doRequest(ctx, "POST", "/databases/"+databaseID+"/query", body)
		if err != nil {
			return nil, err
		}

		var resp queryResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal query response: %w", err)
		}

		pages = append(pages, resp.Results...)

		if !resp.HasMore {
			break
		}
		if resp.NextCursor == "" || resp.NextCursor == cursor {
			log.Printf("[notion] missing next_cursor in database query despite has_more; stopping pagination")
			break
		}
		cursor = resp.NextCursor
	}
	return pages, nil
}

// GetPage returns a single page by ID.
func (c *Client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	data, err := c.doRequest(ctx, "GET", "/pages/"+pageID, nil)
	if err != nil {
		return nil, err
	}

	var page Page
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("unmarshal page: %w", err)
	}
	return &page, nil
}

// GetDatabaseTitle resolves the display name of a database, falling back
// to its ID when no title text is present.
func (c *Client) GetDatabaseTitle(ctx context.Context, databaseID string) (string, error) {
	data, err := c.doRequest(ctx, "GET", "/databases/"+databaseID, nil)
	if err != nil {
		return "", err
	}

	var db databaseObject
	if err := json.Unmarshal(data, &db); err != nil {
		return "", fmt.Errorf("unmarshal database: %w", err)
	}
	if title := richTextString(db.Title); title != "" {
		return title, nil
	}
	if db.ID != "" {
		return db.ID, nil
	}
	return "Untitled", nil
}

// CollectTasks fetches every task from every task-shaped database and
// attaches the database title as the task's source name.
func (c *Client) CollectTasks(ctx context.Context) ([]*domain.Task, error) {
	databases, err := c.ListTaskDatabases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list task databases: %w", err)
	}

	var tasks []*domain.Task
	for _, db := range databases {
		pages, err := c.QueryPages(ctx, db.ID)
		if err != nil {
			return nil, fmt.Errorf("query database %s: %w", db.ID, err)
		}
		for i := range pages {
			task := ParsePage(&pages[i])
			task.SourceName = db.Title
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// FetchResult is the outcome of fetching a single page for incremental sync.
type FetchResult struct {
	Task     *domain.Task
	Archived bool // page is archived, trashed or gone upstream
	Orphan   bool // page no longer belongs to a database
}

// FetchTask fetches one page and normalizes it. A 404/410 from the API is
// reported as Archived rather than an error so callers can prune the
// matching calendar event.
func (c *Client) FetchTask(ctx context.Context, pageID string) (*FetchResult, error) {
	page, err := c.GetPage(ctx, pageID)
	if err != nil {
		if IsNotFound(err) {
			return &FetchResult{Archived: true}, nil
		}
		return nil, err
	}

	if page.Parent.DatabaseID == "" {
		return &FetchResult{Orphan: true}, nil
	}

	task := ParsePage(page)
	if page.Archived || page.InTrash {
		return &FetchResult{Task: task, Archived: true}, nil
	}

	title, err := c.GetDatabaseTitle(ctx, page.Parent.DatabaseID)
	if err != nil {
		return nil, fmt.Errorf("resolve database title: %w", err)
	}
	task.SourceName = title
	return &FetchResult{Task: task}, nil
}

func isTaskSchema(props map[string]propertySchema) bool {
	var hasTitle, hasStatus, hasDate bool
	for _, p := range props {
		switch p.Type {
		case "title":
			hasTitle = true
		case "status":
			hasStatus = true
		case "date":
			hasDate = true
		}
	}
	return hasTitle && hasStatus && hasDate
}
