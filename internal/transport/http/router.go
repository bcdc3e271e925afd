// SPDX-License-Identifier: Apache-2.0

// Package httptransport exposes the capture API, the readiness and metrics
// endpoints, and a token-guarded admin surface for inspecting the dead
// letter queue and the conversion buffer.
package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/funnelline/ingest/internal/metrics"
	"github.com/funnelline/ingest/internal/transport/middleware"
)

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Stats == nil {
		deps.Stats = metrics.Default()
	}
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("readiness check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- CAPTURE ----------------

	r.Group(func(r chi.Router) {
		if deps.Teams != nil {
			r.Use(middleware.TokenAuth(deps.Teams, logger))
		}

		capture := newCaptureHandler(deps, logger)
		r.Post("/e", capture)
		r.Post("/capture", capture)
	})

	// ---------------- ADMIN (DEAD LETTER, BUFFER) ----------------

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

		admin.Get("/dead_letter", func(w http.ResponseWriter, r *http.Request) {
			if deps.DeadLetters == nil {
				http.Error(w, "dead letter listing not configured", http.StatusNotFound)
				return
			}

			messages, err := deps.DeadLetters.ListRecent(r.Context(), queryLimit(r, 50))
			if err != nil {
				logger.Error("list dead letters failed", "error", err)
				http.Error(w, "failed to list dead letters", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"dead_letters": messages,
			})
		})

		admin.Get("/buffer", func(w http.ResponseWriter, r *http.Request) {
			if deps.Buffer == nil {
				http.Error(w, "buffer inspection not configured", http.StatusNotFound)
				return
			}

			depth, err := deps.Buffer.Depth(r.Context())
			if err != nil {
				logger.Error("buffer depth failed", "error", err)
				http.Error(w, "failed to inspect buffer", http.StatusInternalServerError)
				return
			}

			upcoming, err := deps.Buffer.ListUpcoming(r.Context(), queryLimit(r, 50))
			if err != nil {
				logger.Error("list buffered events failed", "error", err)
				http.Error(w, "failed to inspect buffer", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"depth":    depth,
				"upcoming": upcoming,
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// queryLimit reads ?limit= with a default and a hard ceiling.
func queryLimit(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > 500 {
		return 500
	}
	return n
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
