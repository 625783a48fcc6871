// SPDX-License-Identifier: Apache-2.0

// Package emitter is used inside a test process to report progress to the
// supervising server over stdout.
package emitter

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/adiadia/browsertest-runner/internal/framing"
)

// Emitter writes framed events. Each event is written with a single Write
// call so concurrent callers never interleave frames.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

func New(w io.Writer) *Emitter {
	if w == nil {
		w = os.Stdout
	}
	return &Emitter{w: w}
}

func (e *Emitter) Emit(typ domain.EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	body, err := json.Marshal(domain.Event{Type: typ, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", typ, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(framing.Encode(body)); err != nil {
		return fmt.Errorf("write %s event: %w", typ, err)
	}
	return nil
}

func (e *Emitter) TestStart(title string) error {
	return e.Emit(domain.EventTestStart, domain.TestStartPayload{Title: title})
}

func (e *Emitter) StepEnd(title string, d time.Duration, stepErr error) error {
	p := domain.StepEndPayload{
		Title:    title,
		Duration: milliseconds(d),
		Status:   domain.ResultPassed,
	}
	if stepErr != nil {
		p.Status = string(domain.StepFailed)
		p.Error = stepErr.Error()
	}
	return e.Emit(domain.EventStepEnd, p)
}

func (e *Emitter) Screenshot(failedStepIndex int, png []byte) error {
	return e.Emit(domain.EventScreenshotAdd, domain.ScreenshotAddPayload{
		FailedStepIndex:  &failedStepIndex,
		ScreenshotBase64: base64.StdEncoding.EncodeToString(png),
	})
}

func (e *Emitter) Debugf(format string, args ...any) error {
	return e.Emit(domain.EventDebugLog, domain.DebugLogPayload{Message: fmt.Sprintf(format, args...)})
}

func (e *Emitter) TestEnd(d time.Duration, passed bool) error {
	status := domain.ResultPassed
	if !passed {
		status = string(domain.StepFailed)
	}
	return e.Emit(domain.EventTestEnd, domain.TestEndPayload{
		Duration: milliseconds(d),
		Status:   status,
	})
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
