package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/config"
	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/metrics"
)

// Store is the persistence surface the ops API reads and mutates.
type Store interface {
	Ping(ctx context.Context) error
	StatusCounts(ctx context.Context) (crawler.StatusCounts, error)
	ListSites(ctx context.Context) ([]crawler.Site, error)
	CreateSite(ctx context.Context, seedURL string, manualSitemaps []string) (crawler.Site, error)
	GetURL(ctx context.Context, id int64) (crawler.URLRecord, error)
	GetDish(ctx context.Context, urlID int64) (crawler.Dish, error)
	ResetFailed(ctx context.Context, phase crawler.Phase, kind crawler.ErrorKind) (int64, error)
	ReclaimExpired(ctx context.Context, phase crawler.Phase, cutoff time.Time) (int64, error)
}

// Server wires HTTP handlers to the store.
type Server struct {
	router chi.Router
	store  Store
	clock  crawler.Clock
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store Store, clock crawler.Clock, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Server{
		store:  store,
		clock:  clock,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/stats", s.stats)
		r.Get("/sites", s.listSites)
		r.Post("/sites", s.createSite)
		r.Post("/reset", s.reset)
		r.Post("/reclaim", s.reclaim)
		r.Get("/urls/{id}", s.getURL)
		r.Get("/urls/{id}/dish", s.getDish)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.StatusCounts(r.Context())
	if err != nil {
		s.internalError(w, "status counts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}

func (s *Server) listSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.ListSites(r.Context())
	if err != nil {
		s.internalError(w, "list sites", err)
		return
	}
	if sites == nil {
		sites = []crawler.Site{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

type createSiteRequest struct {
	SeedURL  string   `json:"seed_url"`
	Sitemaps []string `json:"sitemaps"`
}

func (s *Server) createSite(w http.ResponseWriter, r *http.Request) {
	var req createSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.SeedURL) == "" {
		s.writeError(w, http.StatusBadRequest, "seed_url required")
		return
	}
	site, err := s.store.CreateSite(r.Context(), req.SeedURL, req.Sitemaps)
	if err != nil {
		s.internalError(w, "create site", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, site)
}

type resetRequest struct {
	Phase string `json:"phase"`
	Kind  string `json:"kind"`
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	phase, err := crawler.ParsePhase(req.Phase)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := crawler.ParseErrorKind(req.Kind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.store.ResetFailed(r.Context(), phase, kind)
	if err != nil {
		s.internalError(w, "reset failed", err)
		return
	}
	s.logger.Info("failed rows reset", zap.String("phase", string(phase)), zap.String("kind", string(kind)), zap.Int64("rows", n))
	s.writeJSON(w, http.StatusOK, map[string]any{"phase": phase, "reset": n})
}

type reclaimRequest struct {
	Phase     string `json:"phase"`
	OlderThan string `json:"older_than"`
}

func (s *Server) reclaim(w http.ResponseWriter, r *http.Request) {
	var req reclaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	phase, err := crawler.ParsePhase(req.Phase)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	age, err := time.ParseDuration(req.OlderThan)
	if err != nil || age <= 0 {
		s.writeError(w, http.StatusBadRequest, "older_than must be a positive duration")
		return
	}
	n, err := s.store.ReclaimExpired(r.Context(), phase, s.clock.Now().Add(-age))
	if err != nil {
		s.internalError(w, "reclaim expired", err)
		return
	}
	s.logger.Info("expired claims reclaimed", zap.String("phase", string(phase)), zap.Int64("rows", n))
	s.writeJSON(w, http.StatusOK, map[string]any{"phase": phase, "reclaimed": n})
}

func (s *Server) getURL(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.store.GetURL(r.Context(), id)
	if errors.Is(err, crawler.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "url not found")
		return
	}
	if err != nil {
		s.internalError(w, "get url", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getDish(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	dish, err := s.store.GetDish(r.Context(), id)
	if errors.Is(err, crawler.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "dish not found")
		return
	}
	if err != nil {
		s.internalError(w, "get dish", err)
		return
	}
	s.writeJSON(w, http.StatusOK, dish)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s failed", op))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"}, logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
