// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/browsertest-runner/internal/domain"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
)

type terminalWebhookPayload struct {
	TestID     string           `json:"testId"`
	Status     domain.RunStatus `json:"status"`
	FinishedAt time.Time        `json:"finishedAt"`
}

// Webhook posts the terminal status of every run to a fixed URL. The body is
// signed with HMAC-SHA256 in X-Signature when a secret is set.
type Webhook struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	retryBase  time.Duration
}

// NewWebhook returns nil when url is empty.
func NewWebhook(url, secret string, timeout time.Duration, logger *slog.Logger) *Webhook {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Webhook{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		retryBase:  webhookRetryBase,
	}
}

// Deliver retries with exponential backoff and gives up after
// webhookRetryAttempts. Failures are logged only.
func (w *Webhook) Deliver(ctx context.Context, testID string, status domain.RunStatus, finishedAt time.Time) {
	if w == nil {
		return
	}

	body, err := json.Marshal(terminalWebhookPayload{
		TestID:     testID,
		Status:     status,
		FinishedAt: finishedAt,
	})
	if err != nil {
		w.logger.Error("webhook payload marshal failed", "test_id", testID, "error", err)
		return
	}
	signature := signWebhookPayload(w.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		if attempt > 1 && !w.backoff(ctx, attempt-1) {
			w.logger.Warn("webhook canceled before retry",
				"test_id", testID,
				"attempt", attempt,
				"error", ctx.Err(),
			)
			return
		}

		retry, err := w.post(ctx, body, signature)
		if err == nil {
			w.logger.Info("webhook delivered", "test_id", testID, "status", status, "attempt", attempt)
			return
		}
		lastErr = err
		w.logger.Warn("webhook attempt failed", "test_id", testID, "attempt", attempt, "error", err)
		if !retry {
			break
		}
	}

	w.logger.Error("webhook delivery abandoned",
		"test_id", testID,
		"status", status,
		"error", lastErr,
	)
}

// post sends one signed request. retry is false when repeating the request
// cannot succeed.
func (w *Webhook) post(ctx context.Context, body []byte, signature string) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(webhookHeaderSig, signature)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return false, nil
	}
	return true, fmt.Errorf("webhook responded %d", resp.StatusCode)
}

// backoff waits retryBase * 2^(n-1) and reports false if ctx ended first.
func (w *Webhook) backoff(ctx context.Context, n int) bool {
	timer := time.NewTimer(w.retryBase << (n - 1))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
