// SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CaptureFunc takes a PNG screenshot of the system under test.
type CaptureFunc func(ctx context.Context) ([]byte, error)

type Option func(*Recorder)

// WithCapture sets the function used to capture a screenshot when the test fails.
func WithCapture(fn CaptureFunc) Option {
	return func(r *Recorder) {
		r.capture = fn
	}
}

func withClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// Recorder drives one test: it records the step tree, emits step:end for
// every countable step as it finishes and reports the outcome in Finish.
// A Recorder is used from the test's goroutine only.
type Recorder struct {
	em      *Emitter
	title   string
	capture CaptureFunc
	now     func() time.Time

	started time.Time
	root    []*Step
	stack   []*Step
	emitErr error
}

// Start emits test:start and returns the recorder for the test.
func Start(em *Emitter, title string, opts ...Option) *Recorder {
	r := &Recorder{
		em:    em,
		title: title,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.started = r.now()
	r.record(em.TestStart(title))
	return r
}

// Step runs fn as a countable step.
func (r *Recorder) Step(title string, fn func() error) error {
	return r.run(title, CategoryTestStep, fn)
}

// Group runs fn as a structural step. Steps nested in it are still counted.
func (r *Recorder) Group(title string, fn func() error) error {
	return r.run(title, "group", fn)
}

// Debugf forwards a message to the supervisor's log.
func (r *Recorder) Debugf(format string, args ...any) {
	r.record(r.em.Debugf(format, args...))
}

func (r *Recorder) run(title, category string, fn func() error) (err error) {
	st := &Step{Title: title, Category: category}
	if n := len(r.stack); n > 0 {
		parent := r.stack[n-1]
		parent.Steps = append(parent.Steps, st)
	} else {
		r.root = append(r.root, st)
	}

	r.stack = append(r.stack, st)
	start := r.now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in step %q: %v", title, p)
		}

		r.stack = r.stack[:len(r.stack)-1]
		st.Duration = r.now().Sub(start)
		st.Err = err

		if category == CategoryTestStep {
			r.record(r.em.StepEnd(title, st.Duration, err))
		}
	}()

	return fn()
}

// Steps returns the recorded step tree.
func (r *Recorder) Steps() []*Step {
	return r.root
}

// Finish reports the outcome. On failure the first failed countable step is
// located and, when a capture function is set, a screenshot is attributed to
// its ordinal. It returns whether the test passed and the first error that
// occurred while writing events.
func (r *Recorder) Finish(ctx context.Context) (bool, error) {
	failed := false
	for _, st := range r.root {
		if st.Err != nil {
			failed = true
		}
	}

	if failed && r.capture != nil {
		r.captureFailure(ctx)
	}

	r.record(r.em.TestEnd(r.now().Sub(r.started), !failed))

	return !failed, r.emitErr
}

// captureFailure attaches a screenshot to the first failed countable step.
func (r *Recorder) captureFailure(ctx context.Context) {
	failedStep, index, found := FirstFailedStep(r.root)
	if !found {
		return
	}

	png, err := r.capture(ctx)
	switch {
	case err != nil:
		r.Debugf("[Reporter] Screenshot capture error for step %d (%s): %v", index, failedStep.Title, err)
	case len(png) == 0:
		r.Debugf("[Reporter] Screenshot capture returned no data for step %d", index)
	default:
		r.record(r.em.Screenshot(index, png))
	}
}

func (r *Recorder) record(err error) {
	if err != nil {
		r.emitErr = errors.Join(r.emitErr, err)
	}
}
