package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/tazhate/notioncal/internal/clients/caldav"
	"github.com/tazhate/notioncal/internal/clients/notion"
	"github.com/tazhate/notioncal/internal/domain"
	"github.com/tazhate/notioncal/internal/storage"
)

type fakeSource struct {
	tasks    []*domain.Task
	fetch    map[string]*notion.FetchResult
	fetchErr map[string]error
}

func (f *fakeSource) CollectTasks(ctx context.Context) ([]*domain.Task, error) {
	return f.tasks, nil
}

func (f *fakeSource) FetchTask(ctx context.Context, pageID string) (*notion.FetchResult, error) {
	if err := f.fetchErr[pageID]; err != nil {
		return nil, err
	}
	if res, ok := f.fetch[pageID]; ok {
		return res, nil
	}
	return &notion.FetchResult{Archived: true}, nil
}

type fakeCalendar struct {
	info       caldav.CalendarInfo
	ensureName string          // display name last passed to EnsureCalendar
	events     map[string]bool // remote event ids
	puts       []string        // event URLs written, in order
	deletes    []string        // event URLs deleted, in order
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		info:   caldav.CalendarInfo{Href: "/calendars/u1/notion.calendar/", Color: "#F5A623"},
		events: map[string]bool{},
	}
}

func (f *fakeCalendar) EnsureCalendar(ctx context.Context, name string) (caldav.CalendarInfo, error) {
	f.ensureName = name
	return f.info, nil
}

func (f *fakeCalendar) ListEvents(ctx context.Context, calendarHref string) ([]caldav.EventRef, error) {
	var refs []caldav.EventRef
	for id := range f.events {
		refs = append(refs, caldav.EventRef{ID: id, Path: caldav.EventURL(calendarHref, id)})
	}
	return refs, nil
}

func (f *fakeCalendar) PutEvent(ctx context.Context, eventURL, payload string) error {
	f.puts = append(f.puts, eventURL)
	f.events[eventID(eventURL)] = true
	return nil
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, eventURL string) error {
	f.deletes = append(f.deletes, eventURL)
	delete(f.events, eventID(eventURL))
	return nil
}

func (f *fakeCalendar) RemoveMissing(ctx context.Context, calendarHref string, keep map[string]bool, existing []caldav.EventRef) (int, error) {
	if existing == nil {
		existing, _ = f.ListEvents(ctx, calendarHref)
	}
	deleted := 0
	for _, evt := range existing {
		if keep[evt.ID] {
			continue
		}
		f.DeleteEvent(ctx, evt.Path)
		deleted++
	}
	return deleted, nil
}

func eventID(eventURL string) string {
	parts := strings.Split(strings.TrimSuffix(eventURL, ".ics"), "/")
	return parts[len(parts)-1]
}

func newTestService(t *testing.T, source *fakeSource, calendar *fakeCalendar) (*SyncService, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc := NewSyncService(source, calendar, store, "Notion", "#F5A623", filepath.Join(dir, "test.lock"))
	return svc, store
}

func task(id, title, start string) *domain.Task {
	return &domain.Task{ID: id, Title: title, Status: "Todo", Start: start, SourceName: "Tasks"}
}

func TestFullSyncDue(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	stamp := func(d time.Duration) string { return now.Add(-d).Format(time.RFC3339) }

	cases := []struct {
		name     string
		settings *domain.Settings
		want     bool
	}{
		{"nil settings", nil, true},
		{"never ran", &domain.Settings{}, true},
		{"unreadable timestamp", &domain.Settings{LastFullSync: "yesterday-ish"}, true},
		{"just ran", &domain.Settings{LastFullSync: stamp(0), FullSyncMinutes: 60}, false},
		{"interval elapsed", &domain.Settings{LastFullSync: stamp(61 * time.Minute), FullSyncMinutes: 60}, true},
		{"default interval elapsed", &domain.Settings{LastFullSync: stamp(31 * time.Minute)}, true},
		{"default interval pending", &domain.Settings{LastFullSync: stamp(10 * time.Minute)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FullSyncDue(tc.settings, 30, now); got != tc.want {
				t.Errorf("FullSyncDue = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFullSyncWritesAndPersists(t *testing.T) {
	source := &fakeSource{tasks: []*domain.Task{
		task("aaaa", "With date", "2026-03-01"),
		// Not syncable: missing start date, then missing id.
		task("bbbb", "No date", ""),
		{Title: "No id", Status: "Todo", Start: "2026-03-01"},
	}}
	calendar := newFakeCalendar()
	svc, _ := newTestService(t, source, calendar)

	settings, err := svc.FullSync(context.Background())
	if err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	if len(calendar.puts) != 1 {
		t.Fatalf("puts = %v, want exactly one write", calendar.puts)
	}
	if want := caldav.EventURL(calendar.info.Href, "aaaa"); calendar.puts[0] != want {
		t.Errorf("put URL = %q, want %q", calendar.puts[0], want)
	}
	if settings.CalendarHref != calendar.info.Href {
		t.Errorf("calendar href not persisted: %q", settings.CalendarHref)
	}
	if len(settings.EventHashes) != 1 || settings.EventHashes["aaaa"] == "" {
		t.Errorf("ledger = %v, want single entry for aaaa", settings.EventHashes)
	}
	if _, err := time.Parse(time.RFC3339, settings.LastFullSync); err != nil {
		t.Errorf("last_full_sync %q is not RFC 3339: %v", settings.LastFullSync, err)
	}
}

func TestFullSyncIdempotent(t *testing.T) {
	source := &fakeSource{tasks: []*domain.Task{
		task("aaaa", "One", "2026-03-01"),
		task("bbbb", "Two", "2026-03-02"),
	}}
	calendar := newFakeCalendar()
	svc, _ := newTestService(t, source, calendar)

	if _, err := svc.FullSync(context.Background()); err != nil {
		t.Fatalf("first FullSync: %v", err)
	}
	if len(calendar.puts) != 2 {
		t.Fatalf("first run puts = %d, want 2", len(calendar.puts))
	}

	calendar.puts = nil
	if _, err := svc.FullSync(context.Background()); err != nil {
		t.Fatalf("second FullSync: %v", err)
	}
	if len(calendar.puts) != 0 {
		t.Errorf("second run over unchanged data wrote %v, want none", calendar.puts)
	}
}

func TestFullSyncRewritesChangedTask(t *testing.T) {
	source := &fakeSource{tasks: []*domain.Task{task("aaaa", "One", "2026-03-01")}}
	calendar := newFakeCalendar()
	svc, _ := newTestService(t, source, calendar)

	if _, err := svc.FullSync(context.Background()); err != nil {
		t.Fatalf("first FullSync: %v", err)
	}

	source.tasks[0].Title = "One, renamed"
	calendar.puts = nil
	if _, err := svc.FullSync(context.Background()); err != nil {
		t.Fatalf("second FullSync: %v", err)
	}
	if len(calendar.puts) != 1 {
		t.Errorf("changed task puts = %v, want exactly one rewrite", calendar.puts)
	}
}

func TestFullSyncRemovesStaleEvents(t *testing.T) {
	source := &fakeSource{tasks: []*domain.Task{task("aaaa", "Kept", "2026-03-01")}}
	calendar := newFakeCalendar()
	calendar.events["bbbb"] = true // remote leftover with no matching task
	svc, _ := newTestService(t, source, calendar)

	if _, err := svc.FullSync(context.Background()); err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	if len(calendar.deletes) != 1 || eventID(calendar.deletes[0]) != "bbbb" {
		t.Errorf("deletes = %v, want exactly the stale event bbbb", calendar.deletes)
	}
	if !calendar.events["aaaa"] {
		t.Error("live event was removed")
	}
}

func TestFullSyncCalendarNameFromSettings(t *testing.T) {
	source := &fakeSource{}
	calendar := newFakeCalendar()
	svc, store := newTestService(t, source, calendar)
	if _, err := store.Update(map[string]interface{}{domain.FieldCalendarName: "Family"}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	if _, err := svc.FullSync(context.Background()); err != nil {
		t.Fatalf("FullSync: %v", err)
	}
	if calendar.ensureName != "Family" {
		t.Errorf("calendar name = %q, want the stored setting %q", calendar.ensureName, "Family")
	}
}

func TestFullSyncCalendarNameDefault(t *testing.T) {
	source := &fakeSource{}
	calendar := newFakeCalendar()
	svc, _ := newTestService(t, source, calendar)

	if _, err := svc.FullSync(context.Background()); err != nil {
		t.Fatalf("FullSync: %v", err)
	}
	if calendar.ensureName != "Notion" {
		t.Errorf("calendar name = %q, want the configured default %q", calendar.ensureName, "Notion")
	}
}

func TestFullSyncLockedOut(t *testing.T) {
	source := &fakeSource{}
	calendar := newFakeCalendar()
	svc, _ := newTestService(t, source, calendar)

	lock := flock.New(svc.lockPath)
	locked, err := lock.TryLock()
	if err != nil || !locked {
		t.Fatalf("take lock: locked=%v err=%v", locked, err)
	}
	defer lock.Unlock()

	if _, err := svc.FullSync(context.Background()); !errors.Is(err, ErrSyncRunning) {
		t.Errorf("FullSync under held lock = %v, want ErrSyncRunning", err)
	}
}

func TestSyncPagesRequiresCalendar(t *testing.T) {
	svc, _ := newTestService(t, &fakeSource{}, newFakeCalendar())

	err := svc.SyncPages(context.Background(), []string{"aaaa"})
	if !errors.Is(err, ErrCalendarNotConfigured) {
		t.Errorf("SyncPages without calendar = %v, want ErrCalendarNotConfigured", err)
	}
}

func TestSyncPagesWritesWithoutTouchingLedger(t *testing.T) {
	source := &fakeSource{fetch: map[string]*notion.FetchResult{
		"aaaa": {Task: task("aaaa", "One", "2026-03-01")},
	}}
	calendar := newFakeCalendar()
	svc, store := newTestService(t, source, calendar)
	if _, err := store.Update(map[string]interface{}{domain.FieldCalendarHref: calendar.info.Href}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	if err := svc.SyncPages(context.Background(), []string{"aaaa"}); err != nil {
		t.Fatalf("SyncPages: %v", err)
	}

	if len(calendar.puts) != 1 {
		t.Fatalf("puts = %v, want one write", calendar.puts)
	}
	settings, err := store.Load()
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if len(settings.EventHashes) != 0 {
		t.Errorf("incremental sync touched the ledger: %v", settings.EventHashes)
	}
}

func TestSyncPagesDeletesArchived(t *testing.T) {
	source := &fakeSource{fetch: map[string]*notion.FetchResult{
		"aaaa": {Task: task("aaaa", "Gone", "2026-03-01"), Archived: true},
		"bbbb": {Task: task("bbbb", "Dateless", "")},
	}}
	calendar := newFakeCalendar()
	calendar.events["aaaa"] = true
	calendar.events["bbbb"] = true
	svc, store := newTestService(t, source, calendar)
	if _, err := store.Update(map[string]interface{}{domain.FieldCalendarHref: calendar.info.Href}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	if err := svc.SyncPages(context.Background(), []string{"aaaa", "bbbb"}); err != nil {
		t.Fatalf("SyncPages: %v", err)
	}

	if len(calendar.deletes) != 2 {
		t.Fatalf("deletes = %v, want both events removed", calendar.deletes)
	}
	if len(calendar.puts) != 0 {
		t.Errorf("puts = %v, want none", calendar.puts)
	}
}

func TestSyncPagesSkipsOrphans(t *testing.T) {
	source := &fakeSource{fetch: map[string]*notion.FetchResult{
		"aaaa": {Orphan: true},
	}}
	calendar := newFakeCalendar()
	svc, store := newTestService(t, source, calendar)
	if _, err := store.Update(map[string]interface{}{domain.FieldCalendarHref: calendar.info.Href}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	if err := svc.SyncPages(context.Background(), []string{"aaaa"}); err != nil {
		t.Fatalf("SyncPages: %v", err)
	}
	if len(calendar.puts) != 0 || len(calendar.deletes) != 0 {
		t.Errorf("orphan page caused calendar traffic: puts=%v deletes=%v", calendar.puts, calendar.deletes)
	}
}

func TestSyncPagesContinuesAfterFailure(t *testing.T) {
	source := &fakeSource{
		fetch: map[string]*notion.FetchResult{
			"bbbb": {Task: task("bbbb", "Two", "2026-03-01")},
		},
		fetchErr: map[string]error{"aaaa": errors.New("upstream down")},
	}
	calendar := newFakeCalendar()
	svc, store := newTestService(t, source, calendar)
	if _, err := store.Update(map[string]interface{}{domain.FieldCalendarHref: calendar.info.Href}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	if err := svc.SyncPages(context.Background(), []string{"aaaa", "bbbb"}); err != nil {
		t.Fatalf("SyncPages: %v", err)
	}
	if len(calendar.puts) != 1 || eventID(calendar.puts[0]) != "bbbb" {
		t.Errorf("puts = %v, want the batch to continue past the failing id", calendar.puts)
	}
}
