// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type apiClient struct {
	baseURL *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
}

// liveMessage mirrors the messages pushed on /ws.
type liveMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type testCaseView struct {
	domain.TestCase
	Live bool `json:"live"`
}

func clientFromFlags(cmd *cobra.Command) (*apiClient, error) {
	server, _ := cmd.Flags().GetString("server")
	return newAPIClient(server)
}

func newAPIClient(server string) (*apiClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(server), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", server)
	}

	return &apiClient{
		baseURL: u,
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// Trigger starts a run and returns the server's message.
func (c *apiClient) Trigger(ctx context.Context, testID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/run-test/"+url.PathEscape(testID)), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("trigger %s: %w", testID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", responseError(resp)
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode trigger response: %w", err)
	}
	return body.Message, nil
}

func (c *apiClient) TestCase(ctx context.Context, testID string) (testCaseView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/test-cases/"+url.PathEscape(testID)), nil)
	if err != nil {
		return testCaseView{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return testCaseView{}, fmt.Errorf("get test case %s: %w", testID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return testCaseView{}, responseError(resp)
	}

	var tc testCaseView
	if err := json.NewDecoder(resp.Body).Decode(&tc); err != nil {
		return testCaseView{}, fmt.Errorf("decode test case: %w", err)
	}
	return tc, nil
}

// liveStream is an open /ws subscription.
type liveStream struct {
	conn   *websocket.Conn
	testID string
}

// Subscribe opens the live stream, filtered to testID when it is set. Events
// published after Subscribe returns are delivered to Follow.
func (c *apiClient) Subscribe(ctx context.Context, testID string) (*liveStream, error) {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if testID != "" {
		u.RawQuery = url.Values{"testId": {testID}}.Encode()
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect live stream: %w", err)
	}
	return &liveStream{conn: conn, testID: testID}, nil
}

func (s *liveStream) Close() error {
	return s.conn.Close()
}

// Follow calls fn for every live message until ctx ends or, when the stream
// is filtered to a test, until that test finishes. It returns the final
// status in that case.
func (s *liveStream) Follow(ctx context.Context, fn func(liveMessage)) (domain.RunStatus, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	for {
		var msg liveMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return "", nil
			}
			return "", fmt.Errorf("read live stream: %w", err)
		}
		fn(msg)

		if s.testID == "" || msg.Event != domain.HubTestFinish {
			continue
		}
		var finish struct {
			TestID string           `json:"testId"`
			Status domain.RunStatus `json:"status"`
		}
		if err := json.Unmarshal(msg.Data, &finish); err == nil && finish.TestID == s.testID {
			return finish.Status, nil
		}
	}
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if retry := resp.Header.Get("Retry-After"); retry != "" {
		return fmt.Errorf("server returned %d: %s (retry after %ss)", resp.StatusCode, msg, retry)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
}
