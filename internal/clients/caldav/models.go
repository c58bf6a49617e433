package caldav

// CalendarInfo identifies the target calendar on the server.
type CalendarInfo struct {
	Href  string // server path of the calendar collection, with trailing slash
	Color string // display color recorded at creation time
}

// EventRef is a remote event as seen by a calendar listing.
type EventRef struct {
	ID   string // task id, derived from the object path basename
	Path string // full server path of the .ics object
	ETag string
}
