// Package web serves the dashboard, the REST API and the event WebSocket.
package web

import (
	"bytes"
	"crypto/subtle"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"keenetic-vpn/internal/automation"
	"keenetic-vpn/internal/monitor"
)

//go:embed templates/*.html
var templateFS embed.FS

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires X-API-Key on /api/ requests.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets the origins allowed for cross-origin writes and
// WebSocket upgrades. "*" allows any origin.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation enables the automation endpoints.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP front end of the monitor.
type Server struct {
	mon            *monitor.Monitor
	templates      *template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts forwarding monitor events to
// WebSocket clients.
func NewServer(mon *monitor.Monitor, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	s := &Server{
		mon:       mon,
		templates: tmpl,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.unsubEvents = mon.Events().OnAll(func(event monitor.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s, nil
}

// Stop shuts down the WebSocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)

	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("POST /api/devices/refresh", s.handleAPIRefresh)
	s.mux.HandleFunc("GET /api/devices/{mac}", s.handleAPIGetDevice)
	s.mux.HandleFunc("POST /api/devices/{mac}/policy", s.handleAPISetPolicy)
	s.mux.HandleFunc("POST /api/devices/{mac}/toggle", s.handleAPITogglePolicy)
	s.mux.HandleFunc("GET /api/stats", s.handleAPIStats)
	s.mux.HandleFunc("GET /api/probe", s.handleAPIProbe)

	s.mux.HandleFunc("GET /api/settings", s.handleAPIGetSettings)
	s.mux.HandleFunc("PUT /api/settings", s.handleAPIUpdateSettings)

	s.mux.HandleFunc("GET /api/pinned", s.handleAPIGetPinned)
	s.mux.HandleFunc("PUT /api/pinned", s.handleAPISavePinned)
	s.mux.HandleFunc("POST /api/pinned/move", s.handleAPIMovePin)
	s.mux.HandleFunc("POST /api/pinned/{mac}/toggle", s.handleAPITogglePin)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies the origin check and API key before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && len(s.allowedOrigins) > 0 {
		allowed := s.isOriginAllowed(origin)
		switch {
		case r.Method == http.MethodOptions && allowed:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		case r.Method == http.MethodOptions, r.Method != http.MethodGet && !allowed:
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		case r.Method != http.MethodGet:
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	// Pages and the WebSocket stay open: browsers cannot attach headers to
	// navigations or upgrades.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	settings := s.mon.Settings()
	s.renderTemplate(w, "index.html", map[string]any{
		"PageTitle": "Devices",
		"Settings":  settings,
		"Devices":   s.mon.Devices(),
		"Stats":     s.mon.Stats(),
		"VPNPolicy": monitor.Policies(settings).VPN,
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// renderTemplate renders into a buffer so a failing template never sends a
// partial page.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, data map[string]any) {
	data["Version"] = s.version
	if s.apiKey != "" {
		data["APIKey"] = s.apiKey
	}
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}
