// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/funnelline/ingest/internal/auth"
	"github.com/funnelline/ingest/internal/domain"
)

// TeamResolver maps a capture token to its team.
type TeamResolver interface {
	TeamByToken(ctx context.Context, token string) (*domain.Team, error)
}

// TokenAuth resolves the capture token carried in the URL query or the
// Authorization header and stores the team on the request context. Requests
// without a token pass through untouched; capture bodies may carry the token
// too, and the handler resolves those itself. A token that is present but
// unknown is rejected here.
func TokenAuth(resolver TeamResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("middleware.TokenAuth requires a resolver")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := requestToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			team, err := resolver.TeamByToken(r.Context(), token)
			if err != nil {
				if errors.Is(err, domain.ErrTeamNotFound) {
					logger.Warn("capture request with unknown token",
						"path", r.URL.Path,
						"remote_addr", r.RemoteAddr,
					)
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				logger.Error("token resolution failed",
					"path", r.URL.Path,
					"error", err,
				)
				http.Error(w, "auth lookup failed", http.StatusInternalServerError)
				return
			}

			// Mutate the request pointer so outer middleware (request
			// logging) sees the team after next returns.
			*r = *r.WithContext(auth.WithTeam(r.Context(), team))
			next.ServeHTTP(w, r)
		})
	}
}

// requestToken pulls the capture token from the places clients put it
// outside the body: ?token= and ?api_key= query parameters, then a bearer
// Authorization header.
func requestToken(r *http.Request) string {
	query := r.URL.Query()
	if token := strings.TrimSpace(query.Get("token")); token != "" {
		return token
	}
	if token := strings.TrimSpace(query.Get("api_key")); token != "" {
		return token
	}
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return ""
}

func bearerToken(header string) (string, bool) {
	schemeToken := strings.SplitN(header, " ", 2)
	if len(schemeToken) != 2 {
		return "", false
	}
	if !strings.EqualFold(schemeToken[0], "Bearer") {
		return "", false
	}
	if schemeToken[1] == "" {
		return "", false
	}
	return schemeToken[1], true
}
