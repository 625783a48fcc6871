// SPDX-License-Identifier: Apache-2.0

// Package pipeline applies decoded test process events to run state,
// persists the changes and fans the events out to live subscribers.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/browsertest-runner/internal/broadcast"
	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/adiadia/browsertest-runner/internal/metrics"
)

const defaultPersistTimeout = 5 * time.Second

// RunStore persists run state changes.
type RunStore interface {
	MarkInProgress(ctx context.Context, testID string) error
	UpdateStep(ctx context.Context, testID string, index int, step domain.StepRecord) error
	FinishRun(ctx context.Context, testID string, status domain.RunStatus, duration *float64, lastResult *string) error
}

type ScreenshotArchiver interface {
	Archive(ctx context.Context, testID string, stepIndex int, payload string) (string, error)
}

type Publisher interface {
	Publish(msg broadcast.Message) int
}

type Notifier interface {
	CreateNotification(ctx context.Context, params domain.CreateNotificationParams) (domain.Notification, error)
}

type Deps struct {
	Store          RunStore
	Archiver       ScreenshotArchiver
	Publisher      Publisher
	Notifier       Notifier
	Logger         *slog.Logger
	PersistTimeout time.Duration
}

// TestStartData is the payload of a test:start live message.
type TestStartData struct {
	TestID string `json:"testId"`
}

// TestEventData is the payload of a test:event live message.
type TestEventData struct {
	TestID  string           `json:"testId"`
	Type    domain.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// TestFinishData is the payload of a test:finish live message.
type TestFinishData struct {
	TestID string           `json:"testId"`
	Status domain.RunStatus `json:"status"`
}

// Dispatcher applies the events of one run in order. It owns the run's step
// cursor, which advances once per step:end and is independent of the step
// index carried by screenshot:add. Handle must not be called concurrently.
type Dispatcher struct {
	store          RunStore
	archiver       ScreenshotArchiver
	publisher      Publisher
	notifier       Notifier
	logger         *slog.Logger
	persistTimeout time.Duration

	state  *RunState
	cursor int
	title  string
}

func NewDispatcher(deps Deps, state *RunState) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := deps.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}

	return &Dispatcher{
		store:          deps.Store,
		archiver:       deps.Archiver,
		publisher:      deps.Publisher,
		notifier:       deps.Notifier,
		logger:         logger.With("test_id", state.TestID()),
		persistTimeout: timeout,
		state:          state,
		title:          state.TestID(),
	}
}

func (d *Dispatcher) State() *RunState {
	return d.state
}

// Cursor returns the index the next step:end will be written to.
func (d *Dispatcher) Cursor() int {
	return d.cursor
}

// HandleFrame decodes one frame and dispatches it. Malformed frames are
// logged and skipped.
func (d *Dispatcher) HandleFrame(ctx context.Context, frame []byte) {
	var ev domain.Event
	if err := json.Unmarshal(frame, &ev); err != nil || ev.Type == "" {
		if err == nil {
			err = errors.New("missing event type")
		}
		metrics.IncMalformedFrame()
		d.logger.Warn("malformed frame skipped",
			"error", err,
			"frame", truncate(frame, 256),
		)
		return
	}

	d.Handle(ctx, ev)
}

// Handle fans ev out to subscribers and applies its transition.
func (d *Dispatcher) Handle(ctx context.Context, ev domain.Event) {
	metrics.IncEvent(ev.Type)

	d.publish(domain.HubTestEvent, TestEventData{
		TestID:  d.state.TestID(),
		Type:    ev.Type,
		Payload: ev.Payload,
	})

	var err error
	switch ev.Type {
	case domain.EventTestStart:
		err = d.onTestStart(ctx, ev.Payload)
	case domain.EventStepEnd:
		err = d.onStepEnd(ctx, ev.Payload)
	case domain.EventScreenshotAdd:
		err = d.onScreenshot(ctx, ev.Payload)
	case domain.EventDebugLog:
		err = d.onDebugLog(ev.Payload)
	case domain.EventTestEnd:
		err = d.onTestEnd(ctx, ev.Payload)
	default:
		d.logger.Warn("unknown event type", "event_type", ev.Type)
	}

	if err != nil {
		d.logger.Error("event processing failed",
			"event_type", ev.Type,
			"error", err,
		)
	}
}

func (d *Dispatcher) onTestStart(ctx context.Context, raw json.RawMessage) error {
	var p domain.TestStartPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	if p.Title != "" {
		d.title = p.Title
	}

	if d.state.markInProgress() {
		d.persist(ctx, "mark_in_progress", func(ctx context.Context) error {
			return d.store.MarkInProgress(ctx, d.state.TestID())
		})
	}

	d.notify(ctx, domain.CreateNotificationParams{
		TestID:  d.state.TestID(),
		Title:   "Test started: " + d.title,
		Message: fmt.Sprintf("[%s] test run started.", d.state.TestID()),
		Type:    domain.NotificationTestStart,
	})
	return nil
}

func (d *Dispatcher) onStepEnd(ctx context.Context, raw json.RawMessage) error {
	var p domain.StepEndPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}

	if d.cursor >= d.state.Len() {
		d.logger.Debug("step:end beyond template steps ignored",
			"cursor", d.cursor,
			"steps", d.state.Len(),
			"title", p.Title,
		)
		return nil
	}

	index := d.cursor
	rec, ok := d.state.completeStep(index, p)
	if !ok {
		return fmt.Errorf("complete step %d: %w", index, domain.ErrStepIndexOutOfRange)
	}
	d.cursor++

	d.persist(ctx, "update_step", func(ctx context.Context) error {
		return d.store.UpdateStep(ctx, d.state.TestID(), index, rec)
	})
	return nil
}

func (d *Dispatcher) onScreenshot(ctx context.Context, raw json.RawMessage) error {
	var p domain.ScreenshotAddPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	if p.FailedStepIndex == nil {
		metrics.IncScreenshot("invalid")
		return &domain.ValidationError{Field: "failedStepIndex", Reason: "missing"}
	}
	index := *p.FailedStepIndex

	if d.archiver == nil {
		return errors.New("no screenshot archiver configured")
	}

	started := time.Now()
	url, err := d.archiver.Archive(ctx, d.state.TestID(), index, p.ScreenshotBase64)
	metrics.ObserveScreenshotArchive(time.Since(started))
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			metrics.IncScreenshot("invalid")
		} else {
			metrics.IncScreenshot("failed")
		}
		d.logger.Error("screenshot archival failed",
			"step_index", index,
			"error", err,
		)
		return nil
	}
	metrics.IncScreenshot("archived")

	rec, ok := d.state.attachScreenshot(index, url)
	if !ok {
		d.logger.Warn("screenshot for unknown step",
			"step_index", index,
			"steps", d.state.Len(),
			"url", url,
		)
		return nil
	}

	d.persist(ctx, "attach_screenshot", func(ctx context.Context) error {
		return d.store.UpdateStep(ctx, d.state.TestID(), index, rec)
	})
	return nil
}

func (d *Dispatcher) onDebugLog(raw json.RawMessage) error {
	var p domain.DebugLogPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	d.logger.Info("test process debug", "source", "child", "message", p.Message)
	return nil
}

func (d *Dispatcher) onTestEnd(ctx context.Context, raw json.RawMessage) error {
	var p domain.TestEndPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}

	status, ok := d.state.endTest(p.Status == domain.ResultPassed, p.Duration)
	if !ok {
		d.logger.Warn("test:end after process exit ignored", "status", p.Status)
		return nil
	}

	d.report(ctx, status, &p.Duration, nil)
	return nil
}

// ProcessExited finalizes a run whose process ended. A run that reported
// test:end keeps the status it reported. Otherwise the run fails: with the
// captured error stream or exit code on a non-zero exit, and also on a clean
// exit, which leaves no result to keep the run In Progress for.
func (d *Dispatcher) ProcessExited(ctx context.Context, exitCode int, stderr string) {
	if d.state.Finalized() {
		return
	}
	if d.state.TestEnded() {
		d.state.close()
		return
	}

	var reason string
	switch {
	case exitCode != 0 && stderr != "":
		reason = stderr
	case exitCode != 0:
		reason = fmt.Sprintf("process exited with code %d", exitCode)
	default:
		reason = "process exited without reporting test:end"
	}

	d.logger.Error("test process failed",
		"exit_code", exitCode,
		"stderr_bytes", len(stderr),
	)
	d.fail(ctx, reason)
}

// LaunchFailed finalizes a run whose process could not be started.
func (d *Dispatcher) LaunchFailed(ctx context.Context, err error) {
	d.fail(ctx, err.Error())
}

func (d *Dispatcher) fail(ctx context.Context, reason string) {
	if !d.state.finalize(domain.RunFailed, nil, &reason) {
		d.logger.Warn("run already finalized", "reason", reason)
		return
	}
	d.report(ctx, domain.RunFailed, nil, &reason)
}

// report persists a run-level status and announces it with test:finish and
// a test_end notification.
func (d *Dispatcher) report(ctx context.Context, status domain.RunStatus, duration *float64, lastResult *string) {
	d.persist(ctx, "finish_run", func(ctx context.Context) error {
		return d.store.FinishRun(ctx, d.state.TestID(), status, duration, lastResult)
	})

	d.publish(domain.HubTestFinish, TestFinishData{
		TestID: d.state.TestID(),
		Status: status,
	})

	passed, failed := d.state.StepCounts()
	d.notify(ctx, domain.CreateNotificationParams{
		TestID:  d.state.TestID(),
		Title:   "Test finished: " + d.title,
		Message: fmt.Sprintf("Total %d steps, Pass: %d, Fail: %d", passed+failed, passed, failed),
		Type:    domain.NotificationTestEnd,
	})
}

// persist runs one best-effort write. Failures are logged and dropped.
func (d *Dispatcher) persist(ctx context.Context, op string, write func(context.Context) error) {
	if d.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.persistTimeout)
	defer cancel()

	if err := write(ctx); err != nil {
		metrics.IncPersistFailure(op)
		d.logger.Error("state update dropped",
			"op", op,
			"error", err,
		)
	}
}

func (d *Dispatcher) publish(event string, data any) {
	if d.publisher == nil {
		return
	}
	d.publisher.Publish(broadcast.Message{
		Event:  event,
		TestID: d.state.TestID(),
		Data:   data,
	})
}

func (d *Dispatcher) notify(ctx context.Context, params domain.CreateNotificationParams) {
	if d.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.persistTimeout)
	defer cancel()

	if _, err := d.notifier.CreateNotification(ctx, params); err != nil {
		d.logger.Warn("create notification failed",
			"type", params.Type,
			"error", err,
		)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
