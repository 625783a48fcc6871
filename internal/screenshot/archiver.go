// SPDX-License-Identifier: Apache-2.0

// Package screenshot archives failure screenshots reported by test processes.
package screenshot

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/google/uuid"
)

const (
	contentTypePNG = "image/png"
	dirScreenshots = "screenshots"
)

var dataURLHeader = regexp.MustCompile(`^data:image/[A-Za-z0-9.+-]+;base64,`)

// BlobStore is the subset of the blob store used for archival.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte, contentType string, metadata map[string]string) error
	MakePublic(ctx context.Context, name string) error
	URL(name string) string
}

type Archiver struct {
	store  BlobStore
	logger *slog.Logger
	now    func() time.Time
}

func NewArchiver(store BlobStore, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Archive decodes a base64 screenshot, stores it under a name unique to
// testID, stepIndex and the current time, and returns its public URL.
// Every call writes a new object; earlier objects are kept.
func (a *Archiver) Archive(ctx context.Context, testID string, stepIndex int, payload string) (string, error) {
	data, err := Decode(payload)
	if err != nil {
		return "", err
	}

	ts := a.now()
	name := ObjectName(testID, stepIndex, ts)

	if err := a.store.Put(ctx, name, data, contentTypePNG, map[string]string{
		"testId":    testID,
		"stepIndex": strconv.Itoa(stepIndex),
		"timestamp": strconv.FormatInt(ts.UnixMilli(), 10),
	}); err != nil {
		return "", fmt.Errorf("store screenshot %s: %w", name, err)
	}

	if err := a.store.MakePublic(ctx, name); err != nil {
		return "", fmt.Errorf("publish screenshot %s: %w", name, err)
	}

	url := a.store.URL(name)
	a.logger.Info("screenshot archived",
		"test_id", testID,
		"step_index", stepIndex,
		"bytes", len(data),
		"object", name,
	)
	return url, nil
}

// Decode strips an optional data URL header and decodes the base64 body.
func Decode(payload string) ([]byte, error) {
	body := dataURLHeader.ReplaceAllString(strings.TrimSpace(payload), "")
	if body == "" {
		return nil, &domain.ValidationError{Field: "screenshotBase64", Reason: "empty after header removal"}
	}

	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		// Some emitters drop the padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(body, "="))
	}
	if err != nil {
		return nil, &domain.ValidationError{Field: "screenshotBase64", Reason: "not valid base64"}
	}
	if len(data) == 0 {
		return nil, &domain.ValidationError{Field: "screenshotBase64", Reason: "decodes to no data"}
	}
	return data, nil
}

// ObjectName builds the destination of a screenshot. The random suffix keeps
// two captures in the same millisecond apart.
func ObjectName(testID string, stepIndex int, ts time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s/screenshot-%s-step%d-%d-%s.png",
		dirScreenshots,
		sanitize(testID),
		stepIndex,
		ts.UnixMilli(),
		suffix,
	)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
