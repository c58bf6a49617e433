package domain

// Settings field names as persisted in the settings store, one row each.
const (
	FieldCalendarHref    = "calendar_href"
	FieldCalendarColor   = "calendar_color"
	FieldCalendarName    = "calendar_name"
	FieldLastFullSync    = "last_full_sync"
	FieldFullSyncMinutes = "full_sync_interval_minutes"
	FieldEventHashes     = "event_hashes"
	FieldWebhookToken    = "webhook_verification_token"
)

// Settings is the persisted sync state. Every field is optional: a zero
// value means the field is not set in the store.
type Settings struct {
	CalendarHref    string            `json:"calendar_href,omitempty"`
	CalendarColor   string            `json:"calendar_color,omitempty"`
	CalendarName    string            `json:"calendar_name,omitempty"`
	LastFullSync    string            `json:"last_full_sync,omitempty"` // RFC 3339, UTC
	FullSyncMinutes int               `json:"full_sync_interval_minutes,omitempty"`
	EventHashes     map[string]string `json:"event_hashes,omitempty"` // task id -> payload hash
	WebhookToken    string            `json:"webhook_verification_token,omitempty"`
}
