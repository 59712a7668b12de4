// Package adminserver exposes the detector's query and maintenance
// operations over HTTP, plus a websocket live feed and a Prometheus
// metrics endpoint.
package adminserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ravenclaw-b/deepalts/internal/config"
	"github.com/ravenclaw-b/deepalts/internal/observability"
	"github.com/ravenclaw-b/deepalts/internal/service"
)

// Server is the admin HTTP server.
type Server struct {
	cfg      config.AdminConfig
	detector *service.Detector
	resolver service.Resolver
	registry *observability.Registry

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New builds the admin server. resolver may be nil, in which case targets
// must be given as raw account ids.
func New(cfg config.AdminConfig, detector *service.Detector, resolver service.Resolver, registry *observability.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		detector: detector,
		resolver: resolver,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the routing table. Split out so tests can drive it with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/alts/{target}", s.handleAlts(false))
	mux.HandleFunc("GET /v1/deepalts/{target}", s.handleAlts(true))
	mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	mux.HandleFunc("POST /v1/rebuild", s.handleRebuild)
	mux.HandleFunc("POST /v1/save", s.handleSave)
	mux.HandleFunc("POST /v1/reload", s.handleReload)
	mux.HandleFunc("POST /v1/cache/clear", s.handleCacheClear)
	mux.HandleFunc("POST /v1/reset/{target}", s.handleReset)
	mux.HandleFunc("GET /v1/live", s.handleLive)
	mux.Handle("GET /metrics", observability.NewPrometheusExporter(s.registry))

	return s.withAuth(mux)
}

// Start begins serving. It returns once the listener stops.
func (s *Server) Start() error {
	log.Info().Str("listen", s.cfg.Listen).Msg("admin: server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// withAuth enforces the shared token when one is configured.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Token") != s.cfg.AuthToken {
			writeError(w, http.StatusUnauthorized, "invalid auth token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// altsResponse is the payload for the shallow and deep queries. Accounts are
// rendered as display names when the resolver knows them, unless the caller
// forces raw ids with ?uuid=true.
type altsResponse struct {
	Target  string   `json:"target"`
	Alts    []string `json:"alts"`
	Message string   `json:"message,omitempty"`
}

func (s *Server) handleAlts(deep bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, displayName, ok := s.resolveTarget(w, r)
		if !ok {
			return
		}

		var alts []uuid.UUID
		if deep {
			alts = s.detector.DeepAlts(target)
		} else {
			alts = s.detector.Alts(target)
		}

		forceIDs := r.URL.Query().Get("uuid") == "true"
		resp := altsResponse{
			Target: displayName,
			Alts:   make([]string, 0, len(alts)),
		}
		if forceIDs {
			resp.Target = target.String()
		}
		for _, id := range alts {
			resp.Alts = append(resp.Alts, s.renderAccount(id, forceIDs))
		}
		if len(alts) == 0 {
			resp.Message = "no alts found"
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// resolveTarget parses the {target} path segment as a display name or a raw
// account id. Unknown accounts that are not currently online get a 404.
func (s *Server) resolveTarget(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	raw := r.PathValue("target")

	target, err := uuid.Parse(raw)
	displayName := raw
	if err != nil {
		if s.resolver == nil {
			writeError(w, http.StatusBadRequest, "invalid account id")
			return uuid.Nil, "", false
		}
		id, found := s.resolver.Lookup(raw)
		if !found {
			writeError(w, http.StatusNotFound, "player not found")
			return uuid.Nil, "", false
		}
		target = id
	} else if s.resolver != nil {
		if name, _, known := s.resolver.Profile(target); known {
			displayName = name
		}
	}

	if !s.detector.Known(target) {
		online := false
		if s.resolver != nil {
			_, online, _ = s.resolver.Profile(target)
		}
		if !online {
			writeError(w, http.StatusNotFound, "player not found")
			return uuid.Nil, "", false
		}
	}
	return target, displayName, true
}

func (s *Server) renderAccount(id uuid.UUID, forceIDs bool) string {
	if !forceIDs && s.resolver != nil {
		if name, _, known := s.resolver.Profile(id); known {
			return name
		}
	}
	return id.String()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.detector.Status())
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var ev service.LoginEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid login event")
		return
	}
	if ev.Account == uuid.Nil {
		writeError(w, http.StatusBadRequest, "account is required")
		return
	}
	result := s.detector.HandleLogin(r.Context(), ev)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	stats := s.detector.RebuildGraph()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.detector.SaveAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.detector.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.detector.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cache cleared"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("target")
	target, err := uuid.Parse(raw)
	if err != nil {
		if s.resolver == nil {
			writeError(w, http.StatusBadRequest, "invalid account id")
			return
		}
		id, found := s.resolver.Lookup(raw)
		if !found {
			writeError(w, http.StatusNotFound, "player not found")
			return
		}
		target = id
	}
	s.detector.ResetAccount(target)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleLive upgrades to a websocket and streams ingest results until the
// client disconnects.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("admin: websocket upgrade failed")
		return
	}
	defer conn.Close()

	results, cancel := s.detector.Subscribe()
	defer cancel()

	// Reader goroutine: detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case result, open := <-results:
			if !open {
				return
			}
			if err := conn.WriteJSON(result); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("admin: response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
