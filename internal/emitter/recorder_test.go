// SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/adiadia/browsertest-runner/internal/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, raw []byte) []domain.Event {
	t.Helper()

	var events []domain.Event
	for _, frame := range framing.NewDecoder().Feed(raw) {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		events = append(events, ev)
	}
	return events
}

func fakeClock() func() time.Time {
	now := time.Unix(0, 0)
	return func() time.Time {
		now = now.Add(10 * time.Millisecond)
		return now
	}
}

func TestEmitterWritesFramedEvents(t *testing.T) {
	var buf bytes.Buffer
	em := New(&buf)

	require.NoError(t, em.TestStart("TEST-001 - login"))
	require.NoError(t, em.StepEnd("open", 120*time.Millisecond, nil))
	require.NoError(t, em.StepEnd("submit", 5*time.Millisecond, errors.New("timeout")))
	require.NoError(t, em.Debugf("hello %d", 1))
	require.NoError(t, em.TestEnd(time.Second, false))

	events := decodeAll(t, buf.Bytes())
	require.Len(t, events, 5)
	assert.Equal(t, domain.EventTestStart, events[0].Type)

	var failed domain.StepEndPayload
	require.NoError(t, json.Unmarshal(events[2].Payload, &failed))
	assert.Equal(t, "failed", failed.Status)
	assert.Equal(t, "timeout", failed.Error)
	assert.Equal(t, float64(5), failed.Duration)

	var end domain.TestEndPayload
	require.NoError(t, json.Unmarshal(events[4].Payload, &end))
	assert.Equal(t, "failed", end.Status)
	assert.Equal(t, float64(1000), end.Duration)
}

func TestRecorderPassingRun(t *testing.T) {
	var buf bytes.Buffer
	rec := Start(New(&buf), "happy path", withClock(fakeClock()))

	require.NoError(t, rec.Step("A", func() error { return nil }))
	require.NoError(t, rec.Group("setup", func() error {
		return rec.Step("B", func() error { return nil })
	}))

	passed, err := rec.Finish(context.Background())
	require.NoError(t, err)
	assert.True(t, passed)

	events := decodeAll(t, buf.Bytes())
	types := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventTestStart,
		domain.EventStepEnd,
		domain.EventStepEnd,
		domain.EventTestEnd,
	}, types)
}

func TestRecorderFailureAttachesScreenshotToFirstFailedOrdinal(t *testing.T) {
	var buf bytes.Buffer
	png := []byte{0x89, 'P', 'N', 'G'}
	rec := Start(New(&buf), "failing", withClock(fakeClock()), WithCapture(func(context.Context) ([]byte, error) {
		return png, nil
	}))

	_ = rec.Step("A", func() error { return nil })
	_ = rec.Group("wrapper", func() error {
		return rec.Step("B", func() error { return errors.New("x") })
	})

	passed, err := rec.Finish(context.Background())
	require.NoError(t, err)
	assert.False(t, passed)

	events := decodeAll(t, buf.Bytes())
	require.Len(t, events, 5)
	assert.Equal(t, domain.EventScreenshotAdd, events[3].Type)

	var shot domain.ScreenshotAddPayload
	require.NoError(t, json.Unmarshal(events[3].Payload, &shot))
	require.NotNil(t, shot.FailedStepIndex)
	assert.Equal(t, 1, *shot.FailedStepIndex)
	assert.Equal(t, base64.StdEncoding.EncodeToString(png), shot.ScreenshotBase64)
	assert.Equal(t, domain.EventTestEnd, events[4].Type)
}

func TestRecorderSwallowedStepErrorSkipsScreenshot(t *testing.T) {
	var buf bytes.Buffer
	captures := 0
	rec := Start(New(&buf), "recovers", withClock(fakeClock()), WithCapture(func(context.Context) ([]byte, error) {
		captures++
		return []byte{0x89, 'P', 'N', 'G'}, nil
	}))

	require.NoError(t, rec.Group("retry", func() error {
		_ = rec.Step("flaky", func() error { return errors.New("first attempt") })
		return nil
	}))

	passed, err := rec.Finish(context.Background())
	require.NoError(t, err)
	assert.True(t, passed)
	assert.Zero(t, captures)

	events := decodeAll(t, buf.Bytes())
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventStepEnd, events[1].Type)
	assert.Equal(t, domain.EventTestEnd, events[2].Type)

	var end domain.TestEndPayload
	require.NoError(t, json.Unmarshal(events[2].Payload, &end))
	assert.Equal(t, "passed", end.Status)
}

func TestRecorderCaptureErrorBecomesDebugLog(t *testing.T) {
	var buf bytes.Buffer
	rec := Start(New(&buf), "failing", WithCapture(func(context.Context) ([]byte, error) {
		return nil, errors.New("no page")
	}))

	_ = rec.Step("A", func() error { return errors.New("x") })
	passed, _ := rec.Finish(context.Background())
	assert.False(t, passed)

	events := decodeAll(t, buf.Bytes())
	require.Len(t, events, 4)
	assert.Equal(t, domain.EventDebugLog, events[2].Type)
}

func TestRecorderRecoversPanickingStep(t *testing.T) {
	var buf bytes.Buffer
	rec := Start(New(&buf), "panics")

	err := rec.Step("explode", func() error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	passed, _ := rec.Finish(context.Background())
	assert.False(t, passed)
}
