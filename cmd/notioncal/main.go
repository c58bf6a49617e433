package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tazhate/notioncal/config"
	caldavclient "github.com/tazhate/notioncal/internal/clients/caldav"
	notionclient "github.com/tazhate/notioncal/internal/clients/notion"
	"github.com/tazhate/notioncal/internal/scheduler"
	"github.com/tazhate/notioncal/internal/server"
	"github.com/tazhate/notioncal/internal/service"
	"github.com/tazhate/notioncal/internal/storage"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}
	defer store.Close()

	notion := notionclient.NewClient(cfg.NotionToken, cfg.NotionVersion)
	caldav := caldavclient.NewClient(cfg.CalDAVURL, cfg.AppleID, cfg.AppleAppPassword, cfg.CalendarName, cfg.CalendarColor)

	syncSvc := service.NewSyncService(notion, caldav, store, cfg.CalendarName, cfg.CalendarColor, cfg.LockPath)

	srv := server.New(syncSvc, store, cfg.AdminToken, cfg.WebhookSeedToken, cfg.ServerPort)
	sched := scheduler.New(syncSvc, store, cfg.FullSyncMinutes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sched.Start(ctx); err != nil {
			log.Printf("Scheduler error: %v", err)
		}
	}()

	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("notioncal started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error stopping server: %v", err)
	}

	log.Println("notioncal stopped")
}
