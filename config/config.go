package config

import (
	"fmt"
	"os"
	"strconv"
)

const (
	DefaultCalDAVURL       = "https://caldav.icloud.com"
	DefaultNotionVersion   = "2022-06-28"
	DefaultCalendarName    = "Notion"
	DefaultCalendarColor   = "#F5A623"
	DefaultFullSyncMinutes = 30
)

type Config struct {
	AppleID          string
	AppleAppPassword string
	CalDAVURL        string
	NotionToken      string
	NotionVersion    string
	AdminToken       string
	WebhookSeedToken string // optional seed before the Notion handshake
	DatabasePath     string
	LockPath         string
	ServerPort       string
	CalendarName     string
	CalendarColor    string
	FullSyncMinutes  int
}

func Load() (*Config, error) {
	appleID := os.Getenv("APPLE_ID")
	if appleID == "" {
		return nil, fmt.Errorf("APPLE_ID is required")
	}

	applePassword := os.Getenv("APPLE_APP_PASSWORD")
	if applePassword == "" {
		return nil, fmt.Errorf("APPLE_APP_PASSWORD is required")
	}

	notionToken := os.Getenv("NOTION_TOKEN")
	if notionToken == "" {
		return nil, fmt.Errorf("NOTION_TOKEN is required")
	}

	caldavURL := os.Getenv("CALDAV_URL")
	if caldavURL == "" {
		caldavURL = DefaultCalDAVURL
	}

	notionVersion := os.Getenv("NOTION_VERSION")
	if notionVersion == "" {
		notionVersion = DefaultNotionVersion
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/notioncal.db"
	}

	lockPath := os.Getenv("LOCK_PATH")
	if lockPath == "" {
		lockPath = dbPath + ".lock"
	}

	serverPort := os.Getenv("SERVER_PORT")
	if serverPort == "" {
		serverPort = "8080"
	}

	calendarName := os.Getenv("CALENDAR_NAME")
	if calendarName == "" {
		calendarName = DefaultCalendarName
	}

	calendarColor := os.Getenv("CALENDAR_COLOR")
	if calendarColor == "" {
		calendarColor = DefaultCalendarColor
	}

	fullSyncMinutes := DefaultFullSyncMinutes
	if v := os.Getenv("FULL_SYNC_INTERVAL_MINUTES"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			return nil, fmt.Errorf("FULL_SYNC_INTERVAL_MINUTES must be a positive number")
		}
		fullSyncMinutes = minutes
	}

	return &Config{
		AppleID:          appleID,
		AppleAppPassword: applePassword,
		CalDAVURL:        caldavURL,
		NotionToken:      notionToken,
		NotionVersion:    notionVersion,
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		WebhookSeedToken: os.Getenv("WEBHOOK_VERIFICATION_TOKEN"),
		DatabasePath:     dbPath,
		LockPath:         lockPath,
		ServerPort:       serverPort,
		CalendarName:     calendarName,
		CalendarColor:    calendarColor,
		FullSyncMinutes:  fullSyncMinutes,
	}, nil
}
