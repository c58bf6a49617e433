package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofrs/flock"

	"github.com/tazhate/notioncal/internal/clients/caldav"
	"github.com/tazhate/notioncal/internal/clients/notion"
	"github.com/tazhate/notioncal/internal/domain"
	"github.com/tazhate/notioncal/internal/ics"
)

// ErrSyncRunning is returned when another full sync holds the lock.
var ErrSyncRunning = errors.New("full sync already running")

// ErrCalendarNotConfigured means no calendar metadata is available and the
// current mode is not allowed to create it.
var ErrCalendarNotConfigured = errors.New("calendar metadata missing; run POST /admin/full-sync to initialize the calendar")

// TaskSource fetches task records from Notion.
type TaskSource interface {
	CollectTasks(ctx context.Context) ([]*domain.Task, error)
	FetchTask(ctx context.Context, pageID string) (*notion.FetchResult, error)
}

// CalendarStore reads and writes the remote calendar.
type CalendarStore interface {
	EnsureCalendar(ctx context.Context, name string) (caldav.CalendarInfo, error)
	ListEvents(ctx context.Context, calendarHref string) ([]caldav.EventRef, error)
	PutEvent(ctx context.Context, eventURL, payload string) error
	DeleteEvent(ctx context.Context, eventURL string) error
	RemoveMissing(ctx context.Context, calendarHref string, keep map[string]bool, existing []caldav.EventRef) (int, error)
}

// SettingsStore persists sync state between runs.
type SettingsStore interface {
	Load() (*domain.Settings, error)
	Update(updates map[string]interface{}) (*domain.Settings, error)
}

// SyncService reconciles Notion tasks with the remote calendar. Full sync
// rewrites the whole calendar; SyncPages adjusts single pages after a
// webhook. Within one invocation all work is strictly sequential so remote
// writes never race each other.
type SyncService struct {
	source       TaskSource
	calendar     CalendarStore
	store        SettingsStore
	defaultName  string
	defaultColor string
	lockPath     string
}

func NewSyncService(source TaskSource, calendar CalendarStore, store SettingsStore, defaultName, defaultColor, lockPath string) *SyncService {
	return &SyncService{
		source:       source,
		calendar:     calendar,
		store:        store,
		defaultName:  defaultName,
		defaultColor: defaultColor,
		lockPath:     lockPath,
	}
}

// FullSyncDue reports whether a full reconciliation should run: true when
// no prior run is recorded, the record is unreadable, or the interval has
// elapsed. defaultMinutes applies when settings carry no interval.
func FullSyncDue(settings *domain.Settings, defaultMinutes int, now time.Time) bool {
	if settings == nil || settings.LastFullSync == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, settings.LastFullSync)
	if err != nil {
		return true
	}
	minutes := settings.FullSyncMinutes
	if minutes <= 0 {
		minutes = defaultMinutes
	}
	return now.Sub(last) >= time.Duration(minutes)*time.Minute
}

// FullSync rewrites the calendar against the current task set.
//
// A task is written iff its payload hash differs from the ledger entry or
// its event is missing remotely; otherwise it is skipped, which makes
// repeated runs over unchanged data cost zero network writes. Remote
// events without a matching task are pruned. The timestamp and the new
// hash ledger are persisted only after everything else succeeded, so a
// failed run leaves the previous ledger intact.
//
// Concurrent runs are serialized with a file lock; the loser gets
// ErrSyncRunning instead of racing the ledger.
func (s *SyncService) FullSync(ctx context.Context) (*domain.Settings, error) {
	lock := flock.New(s.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !locked {
		return nil, ErrSyncRunning
	}
	defer lock.Unlock()

	log.Printf("[sync] starting full calendar rewrite")

	settings, err := s.ensureCalendar(ctx)
	if err != nil {
		return nil, err
	}
	href := settings.CalendarHref
	color := settings.CalendarColor
	if color == "" {
		color = s.defaultColor
	}
	stored := settings.EventHashes

	existing, err := s.calendar.ListEvents(ctx, href)
	if err != nil {
		return nil, fmt.Errorf("list calendar events: %w", err)
	}
	existingIDs := make(map[string]bool, len(existing))
	for _, evt := range existing {
		existingIDs[evt.ID] = true
	}

	tasks, err := s.source.CollectTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect tasks: %w", err)
	}

	keep := make(map[string]bool)
	updatedHashes := make(map[string]string)
	writes, skips := 0, 0
	for _, task := range tasks {
		if !task.Syncable() {
			continue
		}
		payload := ics.Render(task, color)
		hash := ics.Hash(payload)
		if stored[task.ID] != hash || !existingIDs[task.ID] {
			if err := s.calendar.PutEvent(ctx, caldav.EventURL(href, task.ID), payload); err != nil {
				return nil, fmt.Errorf("write event %s: %w", task.ID, err)
			}
			existingIDs[task.ID] = true
			writes++
		} else {
			skips++
		}
		keep[task.ID] = true
		updatedHashes[task.ID] = hash
	}

	deleted, err := s.calendar.RemoveMissing(ctx, href, keep, existing)
	if err != nil {
		return nil, fmt.Errorf("remove stale events: %w", err)
	}

	settings, err = s.store.Update(map[string]interface{}{
		domain.FieldLastFullSync: time.Now().UTC().Format(time.RFC3339),
		domain.FieldEventHashes:  updatedHashes,
	})
	if err != nil {
		return nil, fmt.Errorf("persist sync state: %w", err)
	}

	log.Printf("[sync] full rewrite finished (events=%d writes=%d skips=%d deletes=%d)",
		len(keep), writes, skips, deleted)
	return settings, nil
}

// SyncPages applies webhook-driven updates for the given page ids, one at
// a time. Incremental mode never creates the calendar: metadata must come
// from a prior full sync. A failing id is logged and does not stop the
// rest of the batch. Writes are unconditional and bypass the hash ledger;
// the next full sync reconverges it.
func (s *SyncService) SyncPages(ctx context.Context, pageIDs []string) error {
	if len(pageIDs) == 0 {
		return nil
	}

	settings, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if settings.CalendarHref == "" {
		return ErrCalendarNotConfigured
	}
	color := settings.CalendarColor
	if color == "" {
		color = s.defaultColor
	}

	for _, id := range pageIDs {
		if err := s.syncPage(ctx, settings.CalendarHref, color, id); err != nil {
			log.Printf("[sync] webhook update for page %s failed: %v", id, err)
		}
	}
	return nil
}

func (s *SyncService) syncPage(ctx context.Context, href, color, pageID string) error {
	log.Printf("[sync] webhook update for page %s", pageID)

	res, err := s.source.FetchTask(ctx, pageID)
	if err != nil {
		return err
	}
	if res.Orphan {
		return nil
	}

	if res.Archived || res.Task == nil || res.Task.Start == "" {
		eventID := pageID
		if res.Task != nil && res.Task.ID != "" {
			eventID = res.Task.ID
		}
		if err := s.calendar.DeleteEvent(ctx, caldav.EventURL(href, eventID)); err != nil {
			return err
		}
		log.Printf("[sync] deleted event for %s", eventID)
		return nil
	}

	payload := ics.Render(res.Task, color)
	if err := s.calendar.PutEvent(ctx, caldav.EventURL(href, res.Task.ID), payload); err != nil {
		return err
	}
	log.Printf("[sync] wrote event for %s", res.Task.ID)
	return nil
}

// ensureCalendar returns settings with calendar metadata present,
// discovering or creating the calendar and persisting its identity on
// first use. The display name comes from settings so an admin can change
// it before the calendar is (re)initialized; the config default applies
// when none is stored.
func (s *SyncService) ensureCalendar(ctx context.Context) (*domain.Settings, error) {
	settings, err := s.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if settings.CalendarHref != "" {
		return settings, nil
	}

	name := settings.CalendarName
	if name == "" {
		name = s.defaultName
	}
	info, err := s.calendar.EnsureCalendar(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("ensure calendar: %w", err)
	}
	if info.Href == "" {
		return nil, ErrCalendarNotConfigured
	}

	color := info.Color
	if color == "" {
		color = s.defaultColor
	}
	settings, err = s.store.Update(map[string]interface{}{
		domain.FieldCalendarHref:  info.Href,
		domain.FieldCalendarColor: color,
	})
	if err != nil {
		return nil, fmt.Errorf("persist calendar metadata: %w", err)
	}
	return settings, nil
}
