package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tazhate/notioncal/internal/domain"
	"github.com/tazhate/notioncal/internal/service"
)

// FullSyncer runs the periodic reconciliation.
type FullSyncer interface {
	FullSync(ctx context.Context) (*domain.Settings, error)
}

// SettingsLoader reads the persisted sync state.
type SettingsLoader interface {
	Load() (*domain.Settings, error)
}

// Scheduler ticks every minute and triggers a full sync once the
// configured interval has elapsed. The interval lives in settings so it
// can be changed at runtime without a restart.
type Scheduler struct {
	cron           *cron.Cron
	sync           FullSyncer
	store          SettingsLoader
	defaultMinutes int
	now            func() time.Time
}

func New(sync FullSyncer, store SettingsLoader, defaultMinutes int) *Scheduler {
	return &Scheduler{
		cron:           cron.New(),
		sync:           sync,
		store:          store,
		defaultMinutes: defaultMinutes,
		now:            time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("* * * * *", s.tick); err != nil {
		return fmt.Errorf("add sync tick: %w", err)
	}

	s.cron.Start()
	log.Printf("Scheduler started (full sync every %d min by default)", s.defaultMinutes)

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("Scheduler stopped")
}

func (s *Scheduler) tick() {
	settings, err := s.store.Load()
	if err != nil {
		log.Printf("[scheduler] load settings: %v", err)
		return
	}
	if !service.FullSyncDue(settings, s.defaultMinutes, s.now()) {
		return
	}

	if _, err := s.sync.FullSync(context.Background()); err != nil {
		if errors.Is(err, service.ErrSyncRunning) {
			log.Printf("[scheduler] full sync already running, skipping tick")
			return
		}
		log.Printf("[scheduler] full sync failed: %v", err)
	}
}
