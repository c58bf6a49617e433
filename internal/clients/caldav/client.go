package caldav

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const (
	// Apple iCloud CalDAV endpoint
	DefaultiCloudURL = "https://caldav.icloud.com"
)

// Client is a CalDAV client for Apple iCloud Calendar. It owns the single
// calendar collection the sync writes to: events are addressed as
// <calendar-href>/<task-id>.ics and PUT replaces, so there is no separate
// update path. Safe for concurrent use: the scheduler and the webhook
// handlers share one instance.
type Client struct {
	baseURL       string
	username      string
	password      string
	calendarName  string // default display name when the caller has none stored
	calendarColor string

	connectOnce sync.Once
	connectErr  error
	httpClient  *http.Client
	client      *caldav.Client
}

// NewClient creates a new CalDAV client.
func NewClient(baseURL, username, password, calendarName, calendarColor string) *Client {
	if baseURL == "" {
		baseURL = DefaultiCloudURL
	}
	return &Client{
		baseURL:       baseURL,
		username:      username,
		password:      password,
		calendarName:  calendarName,
		calendarColor: calendarColor,
	}
}

// IsConfigured returns true if the client has credentials.
func (c *Client) IsConfigured() bool {
	return c.username != "" && c.password != ""
}

// connect establishes connection to the CalDAV server. Initialization runs
// once; concurrent callers share the same client.
func (c *Client) connect() (*caldav.Client, error) {
	c.connectOnce.Do(func() {
		c.httpClient = &http.Client{
			Transport: &basicAuthTransport{
				username: c.username,
				password: c.password,
			},
			Timeout: 30 * time.Second,
		}
		c.client, c.connectErr = caldav.NewClient(c.httpClient, c.baseURL)
	})
	if c.connectErr != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", c.connectErr)
	}
	return c.client, nil
}

// basicAuthTransport adds Basic Auth to HTTP requests.
type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

// EventURL derives the address of a task's calendar object.
func EventURL(calendarHref, taskID string) string {
	return strings.TrimSuffix(calendarHref, "/") + "/" + taskID + ".ics"
}

// EnsureCalendar discovers the calendar with the given display name,
// creating it when it does not exist yet. An empty name falls back to the
// client's configured default. Idempotent: repeated calls return the same
// href.
func (c *Client) EnsureCalendar(ctx context.Context, name string) (CalendarInfo, error) {
	if name == "" {
		name = c.calendarName
	}

	client, err := c.connect()
	if err != nil {
		return CalendarInfo{}, err
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return CalendarInfo{}, fmt.Errorf("find principal: %w", err)
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return CalendarInfo{}, fmt.Errorf("find home set: %w", err)
	}

	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return CalendarInfo{}, fmt.Errorf("find calendars: %w", err)
	}

	for _, cal := range cals {
		if cal.Name == name {
			href := cal.Path
			if !strings.HasSuffix(href, "/") {
				href += "/"
			}
			return CalendarInfo{Href: href, Color: c.calendarColor}, nil
		}
	}

	href, err := c.makeCalendar(ctx, homeSet, name)
	if err != nil {
		return CalendarInfo{}, err
	}
	log.Printf("[caldav] created calendar %q at %s", name, href)
	return CalendarInfo{Href: href, Color: c.calendarColor}, nil
}

// makeCalendar issues MKCALENDAR under the home set. The slug derived from
// the display name is tried first; on a collision a uuid-suffixed slug is
// used instead.
func (c *Client) makeCalendar(ctx context.Context, homeSet, name string) (string, error) {
	slug := calendarSlug(name)
	candidates := []string{
		slug + ".calendar",
		slug + "-" + strings.ReplaceAll(uuid.NewString(), "-", "") + ".calendar",
	}

	body := fmt.Sprintf(
		`<?xml version="1.0" encoding="utf-8"?>`+
			`<c:mkcalendar xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">`+
			`<d:set><d:prop><d:displayname>%s</d:displayname></d:prop></d:set>`+
			`</c:mkcalendar>`,
		xmlEscape(name),
	)

	lastStatus := 0
	for _, id := range candidates {
		target := strings.TrimSuffix(homeSet, "/") + "/" + id + "/"
		status, err := c.rawRequest(ctx, "MKCALENDAR", target, body)
		if err != nil {
			return "", err
		}
		if status == http.StatusOK || status == http.StatusCreated {
			return target, nil
		}
		lastStatus = status
	}
	return "", fmt.Errorf("create calendar: status %d", lastStatus)
}

// rawRequest sends a WebDAV method the caldav client does not expose.
func (c *Client) rawRequest(ctx context.Context, method, target, body string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.absoluteURL(target), strings.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *Client) absoluteURL(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return c.baseURL + target
	}
	return base.ResolveReference(ref).String()
}

// ListEvents returns all events in the calendar. The event id is the
// object path basename; the embedded UID is a fallback for objects stored
// under a different name.
func (c *Client) ListEvents(ctx context.Context, calendarHref string) ([]EventRef, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}

	if calendarHref == "" {
		return nil, fmt.Errorf("calendar href not specified")
	}

	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{Name: "VEVENT"},
			},
		},
	}

	objects, err := client.QueryCalendar(ctx, calendarHref, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var events []EventRef
	for _, obj := range objects {
		id := strings.TrimSuffix(path.Base(obj.Path), ".ics")
		if id == "" || id == "." {
			id = uidFromCalendar(obj.Data)
		}
		if id == "" {
			continue
		}
		events = append(events, EventRef{ID: id, Path: obj.Path, ETag: string(obj.ETag)})
	}
	return events, nil
}

// PutEvent writes a rendered payload at the event URL, replacing whatever
// is there. DTSTAMP is added here so rendered payloads stay byte-stable
// for hashing.
func (c *Client) PutEvent(ctx context.Context, eventURL, payload string) error {
	client, err := c.connect()
	if err != nil {
		return err
	}

	cal, err := ical.NewDecoder(strings.NewReader(payload)).Decode()
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			comp.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
		}
	}

	if _, err := client.PutCalendarObject(ctx, eventURL, cal); err != nil {
		return fmt.Errorf("put event: %w", err)
	}
	return nil
}

// DeleteEvent removes an event. Deleting an event that is already gone is
// not an error.
func (c *Client) DeleteEvent(ctx context.Context, eventURL string) error {
	client, err := c.connect()
	if err != nil {
		return err
	}

	if err := client.RemoveAll(ctx, eventURL); err != nil {
		if isNotFoundErr(err) {
			return nil
		}
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// RemoveMissing deletes every remote event whose id is not in keep. When
// existing is nil the calendar is listed first, so callers may pass a
// prefetched set or let this re-list.
func (c *Client) RemoveMissing(ctx context.Context, calendarHref string, keep map[string]bool, existing []EventRef) (int, error) {
	if existing == nil {
		var err error
		existing, err = c.ListEvents(ctx, calendarHref)
		if err != nil {
			return 0, err
		}
	}

	deleted := 0
	for _, evt := range existing {
		if keep[evt.ID] {
			continue
		}
		target := evt.Path
		if target == "" {
			target = EventURL(calendarHref, evt.ID)
		}
		if err := c.DeleteEvent(ctx, target); err != nil {
			return deleted, fmt.Errorf("remove stale event %s: %w", evt.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

func uidFromCalendar(cal *ical.Calendar) string {
	if cal == nil {
		return ""
	}
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		if prop := comp.Props.Get(ical.PropUID); prop != nil {
			return prop.Value
		}
	}
	return ""
}

func isNotFoundErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(msg, "not found")
}

func calendarSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "/", "-")
	slug = strings.TrimSuffix(slug, ".calendar")
	if slug == "" {
		slug = "calendar"
	}
	return slug
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}
