// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/browsertest-runner/internal/broadcast"
	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/adiadia/browsertest-runner/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// sseHandler streams the live messages of one test. The first event is a
// snapshot of the test case.
func sseHandler(deps Deps, keepAlive time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		testID := chi.URLParam(r, "testId")

		snapshot, err := loadTestCase(r.Context(), deps, testID)
		if err != nil {
			if errors.Is(err, domain.ErrTestCaseNotFound) {
				http.Error(w, "Test case not found", http.StatusNotFound)
				return
			}
			logger.Error("sse get test case failed", "test_id", testID, "error", err)
			http.Error(w, "failed to stream events", http.StatusInternalServerError)
			return
		}

		if deps.Hub == nil {
			logger.Error("sse hub is not configured")
			http.Error(w, "failed to stream events", http.StatusInternalServerError)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		sub := deps.Hub.Subscribe(testID)
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		if err := writeSSE(w, "snapshot", snapshot); err != nil {
			logger.Error("sse initial write failed", "test_id", testID, "error", err)
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				if err := writeSSE(w, msg.Event, msg.Data); err != nil {
					logger.Warn("sse write failed", "test_id", testID, "error", err)
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// websocketHandler pushes every hub message as {"event", "data"}. The
// testId query parameter narrows the stream to one test.
func websocketHandler(hub Subscriber, origins *middleware.OriginPolicy, logger *slog.Logger) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     origins.CheckOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if hub == nil {
			http.Error(w, "live updates unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		testID := strings.TrimSpace(r.URL.Query().Get("testId"))
		sub := hub.Subscribe(testID)
		defer sub.Close()

		logger.Info("websocket client connected", "test_id", testID, "remote", r.RemoteAddr)

		closed := make(chan struct{})
		go readUntilClose(conn, closed)

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-closed:
				logger.Info("websocket client disconnected", "test_id", testID)
				return
			case msg, ok := <-sub.C:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
						time.Now().Add(wsWriteWait),
					)
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Warn("websocket write failed", "test_id", testID, "error", err)
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}
}

// readUntilClose consumes client frames so control messages are processed,
// and closes done when the connection ends.
func readUntilClose(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

var _ Subscriber = (*broadcast.Hub)(nil)
