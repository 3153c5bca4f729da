package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loom/internal/api"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/store"
)

type apiServer struct {
	bind    string
	logger  *slog.Logger
	daemon  *Daemon
	service *api.RequestService

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:    bind,
		logger:  logger,
		daemon:  d,
		service: d.service,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/requests", srv.handleRequests)
	mux.HandleFunc("/api/requests/", srv.handleRequest)
	mux.HandleFunc("/api/queue", srv.handleQueue)
	mux.HandleFunc("/api/queue/dead-letters/", srv.handleDeadLetter)
	mux.HandleFunc("/api/metrics", srv.handleMetrics)
	mux.HandleFunc("/api/cache", srv.handleCache)
	mux.HandleFunc("/api/cache/invalidate", srv.handleCacheInvalidate)
	mux.HandleFunc("/api/notifications/test", srv.handleTestNotification)

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.Status(r.Context())
	payload := api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		StoreDBPath:  status.StoreDBPath,
		LockFilePath: status.LockFilePath,
		Consumer: api.ConsumerStatus{
			Running:   status.Consumer.Running,
			LastError: status.Consumer.LastError,
		},
		Queue: api.QueueStatsView{
			Ready:       status.Consumer.QueueStats.Ready,
			Leased:      status.Consumer.QueueStats.Leased,
			DeadLetters: status.Consumer.QueueStats.DeadLetters,
		},
	}
	if len(status.Consumer.RequestStats) > 0 {
		payload.Requests = make(map[string]int, len(status.Consumer.RequestStats))
		for st, count := range status.Consumer.RequestStats {
			payload.Requests[string(st)] = count
		}
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload api.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		resp, err := s.service.Submit(r.Context(), payload)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, resp)
	case http.MethodGet:
		var statuses []store.Status
		for _, value := range r.URL.Query()["status"] {
			if parsed, ok := store.ParseStatus(value); ok {
				statuses = append(statuses, parsed)
			}
		}
		views, err := s.service.List(r.Context(), statuses...)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.RequestListResponse{Requests: views})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/requests/")
	token, action, _ := strings.Cut(rest, "/")
	if token == "" {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		detail, err := s.service.Describe(r.Context(), token)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if detail == nil {
			s.writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.writeJSON(w, http.StatusOK, detail)
	case action == "cancel" && r.Method == http.MethodPost:
		ok, err := s.service.Cancel(r.Context(), token)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if !ok {
			s.writeError(w, http.StatusConflict, "request is already terminal or unknown")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": string(store.StatusCancelled)})
	case action == "delivery" && r.Method == http.MethodGet:
		ref, err := s.service.Delivery(r.Context(), token, r.URL.Query().Get("object"))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if ref == nil {
			s.writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.writeJSON(w, http.StatusOK, ref)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.service.QueueStats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	letters, err := s.service.DeadLetters(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stats":       stats,
		"deadLetters": letters,
	})
}

func (s *apiServer) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/queue/dead-letters/")
	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}

	switch {
	case action == "retry" && r.Method == http.MethodPost:
		if err := s.service.RedriveDeadLetter(r.Context(), id); err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
	case action == "" && r.Method == http.MethodDelete:
		ok, err := s.service.RemoveDeadLetter(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if !ok {
			s.writeError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	query := r.URL.Query()
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = parsed
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = parsed
	}

	resp, err := s.service.Metrics(r.Context(), from, to, strings.TrimSpace(query.Get("tenant")))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.service.CacheStats()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *apiServer) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload struct {
		Topic           string         `json:"topic"`
		Personalization map[string]any `json:"personalization,omitempty"`
		Variant         string         `json:"variant,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Topic) == "" {
		s.writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	personalizationJSON := ""
	if len(payload.Personalization) > 0 {
		encoded, err := json.Marshal(payload.Personalization)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "personalization is not encodable")
			return
		}
		personalizationJSON = string(encoded)
	}
	fp, err := s.service.InvalidateCache(payload.Topic, personalizationJSON, payload.Variant)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"fingerprint": fp, "status": "invalidated"})
}

func (s *apiServer) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.daemon.TestNotification(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *apiServer) writeServiceError(w http.ResponseWriter, err error) {
	details := services.Details(err)
	switch {
	case errors.Is(err, services.ErrValidation):
		s.writeError(w, http.StatusBadRequest, details.Message)
	case errors.Is(err, services.ErrNotFound):
		s.writeError(w, http.StatusNotFound, details.Message)
	default:
		s.writeError(w, http.StatusInternalServerError, details.Message)
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return logging.NewComponentLogger(s.logger, "api-server")
	}
	return logging.NewNop()
}
