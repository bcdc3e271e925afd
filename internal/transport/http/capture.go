// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/funnelline/ingest/internal/auth"
	"github.com/funnelline/ingest/internal/domain"
)

const headerRateLimitLimit = "X-RateLimit-Limit"
const headerRateLimitRemaining = "X-RateLimit-Remaining"
const headerRetryAfter = "Retry-After"

const defaultCaptureEventsPerMin = 600

// captureEvent is one event as SDKs submit it. Timestamps travel as RFC 3339
// strings, the token may appear under api_key or token, and distinct_id may
// live inside properties instead of the top level.
type captureEvent struct {
	UUID       string         `json:"uuid"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Token      string         `json:"token"`
	APIKey     string         `json:"api_key"`
	Timestamp  string         `json:"timestamp"`
	SentAt     string         `json:"sent_at"`
	Properties map[string]any `json:"properties"`
}

// captureRequest is the capture body: either one event at the top level or a
// batch array plus shared token and sent_at.
type captureRequest struct {
	captureEvent
	Batch []captureEvent `json:"batch"`
}

// events flattens the body to the submitted event list. A batch key wins over
// top-level event fields even when the batch is empty.
func (req captureRequest) events() []captureEvent {
	if req.Batch != nil {
		return req.Batch
	}
	return []captureEvent{req.captureEvent}
}

// bodyToken returns the first token carried in the body itself, checked only
// when neither the query string nor the Authorization header named a team.
func (req captureRequest) bodyToken() string {
	if t := strings.TrimSpace(req.APIKey); t != "" {
		return t
	}
	if t := strings.TrimSpace(req.Token); t != "" {
		return t
	}
	for _, ev := range req.Batch {
		if t := strings.TrimSpace(ev.APIKey); t != "" {
			return t
		}
		if t := strings.TrimSpace(ev.Token); t != "" {
			return t
		}
	}
	return ""
}

// decodeCaptureRequest parses a capture body. Unknown fields are tolerated on
// this surface: SDKs send keys the server does not model, and those must not
// reject the event.
func decodeCaptureRequest(r *http.Request) (captureRequest, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return captureRequest{}, errors.New("empty request body")
	}

	var req captureRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		return captureRequest{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return captureRequest{}, errors.New("request body must contain exactly one JSON object")
	}
	return req, nil
}

// parseCaptureTime reads an SDK timestamp. Malformed values are dropped
// rather than rejected; the pipeline falls back to receipt time.
func parseCaptureTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// captureContext carries the per-request facts shared by every event in a
// batch: the resolved team, receipt time and client address.
type captureContext struct {
	teamID  int64
	now     time.Time
	ip      string
	siteURL string
	sentAt  *time.Time
}

func buildResolvedEvent(ev captureEvent, cc captureContext) (domain.ResolvedEvent, error) {
	name := strings.TrimSpace(ev.Event)
	if name == "" {
		return domain.ResolvedEvent{}, errors.New("missing event name")
	}

	distinctID := strings.TrimSpace(ev.DistinctID)
	if distinctID == "" {
		if v, ok := ev.Properties["distinct_id"].(string); ok {
			distinctID = strings.TrimSpace(v)
		}
	}
	if distinctID == "" {
		return domain.ResolvedEvent{}, errors.New("missing distinct_id")
	}

	id := uuid.New()
	if raw := strings.TrimSpace(ev.UUID); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return domain.ResolvedEvent{}, fmt.Errorf("invalid uuid %q", raw)
		}
		id = parsed
	}

	sentAt := parseCaptureTime(ev.SentAt)
	if sentAt == nil {
		sentAt = cc.sentAt
	}

	return domain.ResolvedEvent{
		UUID:       id,
		Event:      name,
		DistinctID: distinctID,
		IP:         cc.ip,
		SiteURL:    cc.siteURL,
		TeamID:     cc.teamID,
		Now:        cc.now,
		SentAt:     sentAt,
		Timestamp:  parseCaptureTime(ev.Timestamp),
		Properties: ev.Properties,
	}, nil
}

// clientIP prefers the first X-Forwarded-For hop; capture normally sits
// behind a load balancer and RemoteAddr is the balancer, not the client.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestSiteURL(r *http.Request) string {
	if r.Host == "" {
		return ""
	}
	scheme := "http"
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = proto
	} else if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// newCaptureHandler builds the handler behind /e and /capture. Team
// resolution, validation and rate limiting all happen before the first
// pipeline invocation so a rejected batch leaves nothing half-ingested.
func newCaptureHandler(deps Deps, logger *slog.Logger) http.HandlerFunc {
	limitPerMinute := deps.CaptureEventsPerMin
	if limitPerMinute <= 0 {
		limitPerMinute = defaultCaptureEventsPerMin
	}

	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		req, err := decodeCaptureRequest(r)
		if err != nil {
			deps.Stats.Increment("capture.rejected", map[string]string{"reason": "invalid_json"})
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		team, ok := auth.TeamFromContext(r.Context())
		if !ok {
			token := req.bodyToken()
			if token == "" {
				deps.Stats.Increment("capture.rejected", map[string]string{"reason": "missing_token"})
				http.Error(w, "missing api token", http.StatusUnauthorized)
				return
			}
			if deps.Teams == nil {
				logger.Error("capture team resolver is not configured")
				http.Error(w, "auth lookup failed", http.StatusInternalServerError)
				return
			}
			team, err = deps.Teams.TeamByToken(r.Context(), token)
			if err != nil {
				if errors.Is(err, domain.ErrTeamNotFound) {
					deps.Stats.Increment("capture.rejected", map[string]string{"reason": "unknown_token"})
					http.Error(w, "invalid api token", http.StatusUnauthorized)
					return
				}
				logger.Error("capture token resolution failed", "error", err)
				http.Error(w, "auth lookup failed", http.StatusInternalServerError)
				return
			}
		}

		cc := captureContext{
			teamID:  team.ID,
			now:     time.Now().UTC(),
			ip:      clientIP(r),
			siteURL: requestSiteURL(r),
			sentAt:  parseCaptureTime(req.SentAt),
		}

		submitted := req.events()
		events := make([]domain.ResolvedEvent, 0, len(submitted))
		for i, raw := range submitted {
			ev, err := buildResolvedEvent(raw, cc)
			if err != nil {
				deps.Stats.Increment("capture.rejected", map[string]string{"reason": "invalid_event"})
				http.Error(w, fmt.Sprintf("event %d: %v", i, err), http.StatusBadRequest)
				return
			}
			events = append(events, ev)
		}

		if deps.Limiter != nil {
			for range events {
				decision := deps.Limiter.Allow(team.ID, limitPerMinute, time.Now())
				w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
				w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
				if !decision.Allowed {
					deps.Stats.Increment("capture.rejected", map[string]string{"reason": "rate_limited"})
					w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
					http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
					return
				}
			}
		}

		for _, ev := range events {
			deps.Pipeline.RunResolvedEventPipeline(r.Context(), ev)
			deps.Stats.Increment("capture.events_received", nil)
		}

		deps.Stats.Timing("capture.request", time.Since(start))
		writeJSON(w, http.StatusOK, map[string]int{"status": 1})
	}
}
