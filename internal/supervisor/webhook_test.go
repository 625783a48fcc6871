// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiadia/browsertest-runner/internal/domain"
)

func newTestWebhook(client *http.Client, secret string) *Webhook {
	w := NewWebhook("http://webhook.local/callback", secret, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.httpClient = client
	w.retryBase = time.Millisecond
	return w
}

func TestWebhookDeliverRetriesAndSigns(t *testing.T) {
	var attempts int32
	finishedAt := time.Now().UTC().Truncate(time.Second)
	secret := "super-secret"

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		current := atomic.AddInt32(&attempts, 1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}

		gotSig := r.Header.Get(webhookHeaderSig)
		wantSig := signWebhookPayload(secret, body)
		if gotSig != wantSig {
			t.Errorf("expected signature %q got %q", wantSig, gotSig)
		}

		var payload terminalWebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal payload: %v", err)
		}
		if payload.TestID != "TEST-001" {
			t.Errorf("expected test id TEST-001 got %s", payload.TestID)
		}
		if payload.Status != domain.RunFailed {
			t.Errorf("expected status %s got %s", domain.RunFailed, payload.Status)
		}
		if !payload.FinishedAt.Equal(finishedAt) {
			t.Errorf("expected finishedAt %s got %s", finishedAt, payload.FinishedAt)
		}

		if current < 3 {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("fail")),
				Header:     make(http.Header),
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("ok")),
			Header:     make(http.Header),
		}, nil
	})}

	newTestWebhook(client, secret).Deliver(context.Background(), "TEST-001", domain.RunFailed, finishedAt)

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 webhook attempts got %d", got)
	}
}

func TestWebhookDeliverStopsAfterRetryLimit(t *testing.T) {
	var attempts int32

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		if r.Header.Get(webhookHeaderSig) != "" {
			t.Errorf("expected unsigned request without secret")
		}
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader("fail")),
			Header:     make(http.Header),
		}, nil
	})}

	newTestWebhook(client, "").Deliver(context.Background(), "TEST-001", domain.RunCompleted, time.Now().UTC())

	if got := atomic.LoadInt32(&attempts); got != webhookRetryAttempts {
		t.Fatalf("expected %d attempts got %d", webhookRetryAttempts, got)
	}
}

func TestWebhookDeliverStopsWhenContextEnds(t *testing.T) {
	var attempts int32
	ctx, cancel := context.WithCancel(context.Background())

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		cancel()
		return &http.Response{
			StatusCode: http.StatusBadGateway,
			Body:       io.NopCloser(strings.NewReader("fail")),
			Header:     make(http.Header),
		}, nil
	})}

	w := newTestWebhook(client, "")
	w.retryBase = time.Hour
	w.Deliver(ctx, "TEST-001", domain.RunFailed, time.Now().UTC())

	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected 1 attempt got %d", got)
	}
}

func TestNilWebhookIsNoop(t *testing.T) {
	var w *Webhook
	if NewWebhook("  ", "s", 0, nil) != nil {
		t.Fatal("expected nil webhook for empty url")
	}
	w.Deliver(context.Background(), "TEST-001", domain.RunCompleted, time.Now())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
