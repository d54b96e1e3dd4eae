package api

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	pgPool  Pinger
	redis   *redis.Client
	env     string
	version string
}

// NewHealthHandler builds the probe handlers. A nil redis client means the
// slot lock is disabled and Redis is reported as such.
func NewHealthHandler(pgPool Pinger, redis *redis.Client, env, version string) *HealthHandler {
	return &HealthHandler{
		pgPool:  pgPool,
		redis:   redis,
		env:     env,
		version: version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	}
	writeJSON(w, http.StatusOK, resp)
}

// Readiness fails only when Postgres is down. Redis being down degrades
// booking to the store-only path, which is still correct.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadinessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
		Dependencies: map[string]string{
			"postgres": probe(ctx, h.pgPool.Ping),
			"redis":    "disabled",
		},
	}
	if h.redis != nil {
		resp.Dependencies["redis"] = probe(ctx, func(ctx context.Context) error {
			return h.redis.Ping(ctx).Err()
		})
	}

	httpStatus := http.StatusOK
	switch {
	case resp.Dependencies["postgres"] != "ok":
		resp.Status = "error"
		httpStatus = http.StatusServiceUnavailable
	case resp.Dependencies["redis"] == "down":
		resp.Status = "degraded"
	}

	writeJSON(w, httpStatus, resp)
}

// probe runs ping with a one second budget and reports "ok" or "down".
func probe(ctx context.Context, ping func(context.Context) error) string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := ping(ctx); err != nil {
		return "down"
	}
	return "ok"
}
