// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/adiadia/browsertest-runner/internal/metrics"
	"github.com/adiadia/browsertest-runner/internal/supervisor"
	"github.com/adiadia/browsertest-runner/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxNotificationLimit = 500
	readinessTimeout     = 3 * time.Second
)

type userRequest struct {
	UserID string `json:"userId"`
}

// testCaseResponse is the stored document overlaid with the live run state
// when a run is active.
type testCaseResponse struct {
	domain.TestCase
	Live bool `json:"live"`
}

type Deps struct {
	TestCases     TestCaseReader
	Launcher      Launcher
	Runs          RunSnapshots
	Hub           Subscriber
	Notifications NotificationStore
	// Blobs serves public blobs below /blobs.
	Blobs http.Handler
	// Checks are run by /readyz, keyed by name.
	Checks         map[string]HealthChecker
	AllowedOrigins []string
	Logger         *slog.Logger
	SSEKeepAlive   time.Duration
	Version        string
	Commit         string
	BuildDate      string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")
	origins := middleware.NewOriginPolicy(deps.AllowedOrigins)

	keepAlive := deps.SSEKeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		status, results := runChecks(ctx, deps.Checks)
		if status != http.StatusOK {
			logger.Warn("readiness check failed", "checks", results)
		}
		writeJSON(w, status, map[string]any{
			"status": http.StatusText(status),
			"checks": results,
		})
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

	// ---------------- BLOBS ----------------

	if deps.Blobs != nil {
		r.Handle("/blobs/*", http.StripPrefix("/blobs", deps.Blobs))
	}

	// ---------------- LIVE (WEBSOCKET) ----------------

	r.Get("/ws", websocketHandler(deps.Hub, origins, logger))

	// ---------------- API ----------------

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.CORS(origins, logger))

		// ---------------- RUN TEST ----------------

		r.Post("/run-test/{testId}", func(w http.ResponseWriter, r *http.Request) {
			testID := strings.TrimSpace(chi.URLParam(r, "testId"))
			if testID == "" {
				http.Error(w, "missing test id", http.StatusBadRequest)
				return
			}

			err := deps.Launcher.Launch(r.Context(), testID)
			if err != nil {
				var rateErr *supervisor.RateLimitError
				switch {
				case errors.Is(err, domain.ErrTestCaseNotFound):
					http.Error(w, "Test case not found", http.StatusNotFound)
				case errors.Is(err, domain.ErrMissingScriptPath):
					http.Error(w, "Script path not found", http.StatusBadRequest)
				case errors.Is(err, domain.ErrRunInProgress):
					http.Error(w, "Test is already running", http.StatusConflict)
				case errors.As(err, &rateErr):
					w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
					http.Error(w, "Test launched too often", http.StatusTooManyRequests)
				default:
					logger.Error("launch test failed", "test_id", testID, "error", err)
					http.Error(w, "failed to start test", http.StatusInternalServerError)
				}
				return
			}

			logger.Info("test launched via API", "test_id", testID)
			writeJSON(w, http.StatusAccepted, map[string]string{
				"message": "Test execution started",
			})
		})

		// ---------------- GET TEST CASE ----------------

		r.Get("/test-cases/{testId}", func(w http.ResponseWriter, r *http.Request) {
			testID := chi.URLParam(r, "testId")

			resp, err := loadTestCase(r.Context(), deps, testID)
			if err != nil {
				if errors.Is(err, domain.ErrTestCaseNotFound) {
					http.Error(w, "Test case not found", http.StatusNotFound)
					return
				}
				logger.Error("get test case failed", "test_id", testID, "error", err)
				http.Error(w, "failed to get test case", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, resp)
		})

		// ---------------- STREAM EVENTS (SSE) ----------------

		r.Get("/test-cases/{testId}/events", sseHandler(deps, keepAlive, logger))

		// ---------------- NOTIFICATIONS ----------------

		r.Get("/notifications", func(w http.ResponseWriter, r *http.Request) {
			limit, err := parseLimit(r.URL.Query().Get("limit"))
			if err != nil {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}

			list, err := deps.Notifications.ListNotifications(r.Context(), limit)
			if err != nil {
				logger.Error("list notifications failed", "error", err)
				http.Error(w, "failed to list notifications", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"notifications": list,
			})
		})

		r.Post("/notifications/read-all", func(w http.ResponseWriter, r *http.Request) {
			req, err := decodeUserRequest(r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			updated, err := deps.Notifications.MarkAllRead(r.Context(), req.UserID)
			if err != nil {
				logger.Error("mark all notifications read failed", "user_id", req.UserID, "error", err)
				http.Error(w, "failed to mark notifications read", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]int{
				"updated": updated,
			})
		})

		r.Post("/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
			id, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				http.Error(w, "invalid notification ID", http.StatusBadRequest)
				return
			}

			req, err := decodeUserRequest(r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			if err := deps.Notifications.MarkRead(r.Context(), id, req.UserID); err != nil {
				if errors.Is(err, domain.ErrNotificationNotFound) {
					http.Error(w, "notification not found", http.StatusNotFound)
					return
				}
				logger.Error("mark notification read failed", "notification_id", id, "error", err)
				http.Error(w, "failed to mark notification read", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]string{
				"id":     id.String(),
				"userId": req.UserID,
			})
		})
	})

	return r
}

// loadTestCase reads the stored document and overlays the live run state.
func loadTestCase(ctx context.Context, deps Deps, testID string) (testCaseResponse, error) {
	tc, err := deps.TestCases.GetTestCase(ctx, testID)
	if err != nil {
		return testCaseResponse{}, err
	}

	resp := testCaseResponse{TestCase: tc}
	if deps.Runs == nil {
		return resp, nil
	}

	if snap, ok := deps.Runs.Snapshot(testID); ok {
		resp.Status = snap.Status
		resp.Steps = snap.Steps
		resp.Duration = snap.Duration
		resp.LastResult = snap.LastResult
		resp.Live = snap.Live
	}
	return resp, nil
}

func runChecks(ctx context.Context, checks map[string]HealthChecker) (int, map[string]string) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(checks))
	for _, name := range names {
		if err := checks[name].Check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	return status, results
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeUserRequest(r *http.Request) (userRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return userRequest{}, errors.New("missing request body")
	}

	var req userRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return userRequest{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return userRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return userRequest{}, errors.New("userId is required")
	}
	return req, nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid limit")
	}
	if n > maxNotificationLimit {
		n = maxNotificationLimit
	}
	return n, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
