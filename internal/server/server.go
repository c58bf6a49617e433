package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tazhate/notioncal/internal/domain"
	"github.com/tazhate/notioncal/internal/service"
)

// Syncer runs the two reconciliation modes.
type Syncer interface {
	FullSync(ctx context.Context) (*domain.Settings, error)
	SyncPages(ctx context.Context, pageIDs []string) error
}

// SettingsStore is the slice of the settings store the HTTP surface needs.
type SettingsStore interface {
	Load() (*domain.Settings, error)
	Update(updates map[string]interface{}) (*domain.Settings, error)
	WebhookToken() (string, error)
	SetWebhookToken(token string) error
}

// Server exposes the Notion webhook and the admin endpoints.
type Server struct {
	sync       Syncer
	store      SettingsStore
	adminToken string
	seedToken  string
	httpServer *http.Server
}

func New(sync Syncer, store SettingsStore, adminToken, seedToken, port string) *Server {
	s := &Server{
		sync:       sync,
		store:      store,
		adminToken: adminToken,
		seedToken:  seedToken,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/notion", s.handleWebhook)
	mux.HandleFunc("/admin/full-sync", s.adminAuth(s.handleFullSync))
	mux.HandleFunc("/admin/settings", s.adminAuth(s.handleSettings))

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // full sync runs inside the request
	}
	return s
}

// Handler returns the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	log.Printf("[server] listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// adminAuth guards an endpoint with the configured admin token, accepted
// as X-Admin-Token, Authorization (with or without Bearer), or ?token=.
// Failures are always a bare 401 so probes learn nothing.
func (s *Server) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || !tokenMatch(requestToken(r), s.adminToken) {
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func requestToken(r *http.Request) string {
	if t := r.Header.Get("X-Admin-Token"); t != "" {
		return t
	}
	if t := r.Header.Get("Authorization"); t != "" {
		return strings.TrimPrefix(t, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func tokenMatch(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// POST /admin/full-sync - run a full sync now, return the settings snapshot
func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	settings, err := s.sync.FullSync(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrSyncRunning) {
			s.jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		log.Printf("[server] full sync failed: %v", err)
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, settings)
}

// GET /admin/settings - current settings
// POST/PUT /admin/settings - partial update
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.store.Load()
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, settings)

	case http.MethodPost, http.MethodPut:
		var req struct {
			CalendarName    *string `json:"calendar_name"`
			CalendarColor   *string `json:"calendar_color"`
			FullSyncMinutes *int    `json:"full_sync_interval_minutes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "invalid JSON", http.StatusBadRequest)
			return
		}

		updates := make(map[string]interface{})
		if req.CalendarName != nil {
			if *req.CalendarName == "" {
				updates[domain.FieldCalendarName] = nil
			} else {
				updates[domain.FieldCalendarName] = *req.CalendarName
			}
		}
		if req.CalendarColor != nil {
			if *req.CalendarColor == "" {
				updates[domain.FieldCalendarColor] = nil
			} else {
				updates[domain.FieldCalendarColor] = *req.CalendarColor
			}
		}
		if req.FullSyncMinutes != nil {
			if *req.FullSyncMinutes <= 0 {
				s.jsonError(w, "full_sync_interval_minutes must be a positive number", http.StatusBadRequest)
				return
			}
			updates[domain.FieldFullSyncMinutes] = *req.FullSyncMinutes
		}

		settings, err := s.store.Update(updates)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, settings)

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, err string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "error": err})
}
