// Package api exposes the raid pipeline, key pool and health status over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/pnw-tools/raidscout/internal/keypool"
	"github.com/pnw-tools/raidscout/internal/model"
	"github.com/pnw-tools/raidscout/internal/monitoring"
	"github.com/pnw-tools/raidscout/internal/raid"
)

// RaidService runs target searches.
type RaidService interface {
	Run(ctx context.Context, req raid.Request) (*raid.Result, error)
	CounterTargets(ctx context.Context, attackerID, allianceID int) ([]raid.Counter, error)
	PurgeTargets(ctx context.Context, req raid.PurgeRequest) ([]model.Nation, error)
}

// KeyService reports and resets credential state.
type KeyService interface {
	Stats() []keypool.KeyStats
	ResetAll()
}

// StatusService gathers the health snapshot.
type StatusService interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.StatusSnapshot, error)
}

// Deps are the services behind the router. Nil services leave their
// routes unregistered.
type Deps struct {
	Raid           RaidService
	Keys           KeyService
	Status         StatusService
	Metrics        http.Handler
	AllowedOrigins []string
	PageSize       int
	LookbackHours  int
}

const (
	defaultPageSize = 25
	maxPageSize     = 200
)

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.PageSize <= 0 {
		d.PageSize = defaultPageSize
	}
	if d.LookbackHours <= 0 {
		d.LookbackHours = 24
	}
	h := &handlers{deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(d.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			ExposedHeaders: []string{middleware.RequestIDHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/health", h.health)
	if d.Raid != nil {
		r.Post("/raid", h.raid)
		r.Get("/counters", h.counters)
		r.Get("/purge", h.purge)
	}
	if d.Keys != nil {
		r.Get("/keys", h.keys)
		r.Post("/keys/reset", h.resetKeys)
	}
	if d.Status != nil {
		r.Get("/status", h.status)
	}
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	return r
}

// requestLogger logs every request with its chi request ID.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		zap.L().Info("http request",
			zap.String("component", "api"),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
