package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tazhate/notioncal/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

// legacyKey is the field name the old monolithic settings blob was stored
// under. It is upgraded to per-field rows once, when the store opens.
const legacyKey = "settings"

// Store persists sync settings in sqlite, one row per field. Values are
// JSON-encoded so structured fields (the hash ledger) round-trip cleanly.
// Per-field rows let unrelated fields be updated without read-modify-write
// races.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS settings (
		field TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}
	return s.migrateLegacy()
}

// migrateLegacy converts the old single-blob record into per-field rows.
// Runs once: the blob row is removed after a successful upgrade.
func (s *Store) migrateLegacy() error {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE field = ?`, legacyKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read legacy blob: %w", err)
	}

	var blob map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		// An unreadable blob is dropped rather than blocking startup.
		_, err := s.db.Exec(`DELETE FROM settings WHERE field = ?`, legacyKey)
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin legacy upgrade: %w", err)
	}
	defer tx.Rollback()

	for field, value := range blob {
		if string(value) == "null" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO settings (field, value) VALUES (?, ?)
			 ON CONFLICT(field) DO UPDATE SET value = excluded.value`,
			field, string(value),
		); err != nil {
			return fmt.Errorf("upgrade field %s: %w", field, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM settings WHERE field = ?`, legacyKey); err != nil {
		return fmt.Errorf("drop legacy blob: %w", err)
	}
	return tx.Commit()
}

// Load reads all settings fields into one snapshot.
func (s *Store) Load() (*domain.Settings, error) {
	rows, err := s.db.Query(`SELECT field, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	fields := make(map[string]json.RawMessage)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan settings row: %w", err)
		}
		fields[field] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings rows: %w", err)
	}

	return settingsFromFields(fields)
}

// Update applies a partial update: a nil value deletes the field, anything
// else replaces it. Returns the resulting snapshot.
func (s *Store) Update(updates map[string]interface{}) (*domain.Settings, error) {
	if len(updates) > 0 {
		tx, err := s.db.Begin()
		if err != nil {
			return nil, fmt.Errorf("begin settings update: %w", err)
		}
		defer tx.Rollback()

		for field, value := range updates {
			if value == nil {
				if _, err := tx.Exec(`DELETE FROM settings WHERE field = ?`, field); err != nil {
					return nil, fmt.Errorf("delete field %s: %w", field, err)
				}
				continue
			}
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("encode field %s: %w", field, err)
			}
			if _, err := tx.Exec(
				`INSERT INTO settings (field, value) VALUES (?, ?)
				 ON CONFLICT(field) DO UPDATE SET value = excluded.value`,
				field, string(encoded),
			); err != nil {
				return nil, fmt.Errorf("write field %s: %w", field, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit settings update: %w", err)
		}
	}
	return s.Load()
}

// WebhookToken returns the persisted webhook verification token, "" when
// none is stored.
func (s *Store) WebhookToken() (string, error) {
	settings, err := s.Load()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(settings.WebhookToken), nil
}

// SetWebhookToken persists the webhook verification token.
func (s *Store) SetWebhookToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("webhook token must be a non-empty string")
	}
	_, err := s.Update(map[string]interface{}{domain.FieldWebhookToken: token})
	return err
}

func settingsFromFields(fields map[string]json.RawMessage) (*domain.Settings, error) {
	settings := &domain.Settings{}
	decode := func(field string, dst interface{}) error {
		raw, ok := fields[field]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decode field %s: %w", field, err)
		}
		return nil
	}

	if err := decode(domain.FieldCalendarHref, &settings.CalendarHref); err != nil {
		return nil, err
	}
	if err := decode(domain.FieldCalendarColor, &settings.CalendarColor); err != nil {
		return nil, err
	}
	if err := decode(domain.FieldCalendarName, &settings.CalendarName); err != nil {
		return nil, err
	}
	if err := decode(domain.FieldLastFullSync, &settings.LastFullSync); err != nil {
		return nil, err
	}
	if err := decode(domain.FieldFullSyncMinutes, &settings.FullSyncMinutes); err != nil {
		return nil, err
	}
	if err := decode(domain.FieldEventHashes, &settings.EventHashes); err != nil {
		return nil, err
	}
	if err := decode(domain.FieldWebhookToken, &settings.WebhookToken); err != nil {
		return nil, err
	}
	return settings, nil
}
