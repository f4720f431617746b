// Package api exposes the coordinators over HTTP and WebSocket. It is thin
// plumbing: every route delegates to the session/license/dispatch cores and
// the record store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"wasender/internal/dispatch"
	"wasender/internal/eventbus"
	"wasender/internal/license"
	"wasender/internal/session"
	"wasender/internal/store"
	logx "wasender/pkg/logx"
)

// Config tunes the HTTP surface.
type Config struct {
	Addr      string
	JWTSecret string
	// TokenTTL bounds issued login tokens. Zero selects 30 days.
	TokenTTL time.Duration
	// UploadDir receives attachment uploads. Empty selects the OS temp dir.
	UploadDir string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 30 * 24 * time.Hour
	}
	return c
}

// Server wires the HTTP routes to the core services.
type Server struct {
	cfg      Config
	store    store.Store
	licenses *license.Coordinator
	sessions *session.Coordinator
	engine   *dispatch.Engine
	bus      eventbus.Bus
	log      logx.Logger

	hub  *wsHub
	http *http.Server
}

func NewServer(cfg Config, st store.Store, lic *license.Coordinator, sess *session.Coordinator, eng *dispatch.Engine, bus eventbus.Bus, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:      cfg.withDefaults(),
		store:    st,
		licenses: lic,
		sessions: sess,
		engine:   eng,
		bus:      bus,
		log:      log.With(logx.String("component", "api")),
	}
	s.hub = newWSHub(bus, s.log)
	return s
}

// Router builds the route table. Exposed separately so tests can drive the
// handlers through httptest without binding a socket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/signup", s.handleSignup).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	auth := api.NewRoute().Subrouter()
	auth.Use(s.authenticate)
	auth.HandleFunc("/user/profile", s.handleProfile).Methods(http.MethodGet)
	auth.HandleFunc("/activate-license", s.handleActivateLicense).Methods(http.MethodPost)
	auth.HandleFunc("/verify-license", s.handleVerifyLicense).Methods(http.MethodPost)

	auth.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	auth.HandleFunc("/link", s.handleRequestLink).Methods(http.MethodPost)
	auth.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	auth.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)

	auth.HandleFunc("/send-messages", s.handleSendMessages).Methods(http.MethodPost)
	auth.HandleFunc("/upload-media", s.handleUploadMedia).Methods(http.MethodPost)
	auth.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	auth.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	auth.HandleFunc("/templates", s.handleListTemplates).Methods(http.MethodGet)
	auth.HandleFunc("/templates", s.handleCreateTemplate).Methods(http.MethodPost)
	auth.HandleFunc("/templates/{id:[0-9]+}", s.handleUpdateTemplate).Methods(http.MethodPut)
	auth.HandleFunc("/templates/{id:[0-9]+}", s.handleDeleteTemplate).Methods(http.MethodDelete)

	admin := auth.NewRoute().Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/admin/stats", s.handleAdminStats).Methods(http.MethodGet)
	admin.HandleFunc("/admin/licenses", s.handleAdminLicenses).Methods(http.MethodGet)
	admin.HandleFunc("/admin/generate-license", s.handleGenerateLicense).Methods(http.MethodPost)
	admin.HandleFunc("/admin/users", s.handleAdminUsers).Methods(http.MethodGet)
	admin.HandleFunc("/admin/settings", s.handleGetSettings).Methods(http.MethodGet)
	admin.HandleFunc("/admin/settings", s.handleSetSettings).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.hub.handleConnect)
	return r
}

// Start binds the listener and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.hub.start(ctx)
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	// Surface immediate bind failures to the caller.
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) error {
	s.hub.stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
