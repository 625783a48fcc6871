// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sync"

	"github.com/adiadia/browsertest-runner/internal/domain"
)

// RunState is the in-memory model of one run. Its steps array has a fixed
// length set at creation; entries are addressed by index and names never
// change. Only the run's Dispatcher mutates it; readers take snapshots.
//
// A script may report several tests, each closed by its own test:end. Once
// one of them fails the run stays Failed. The run is finalized only when its
// process is gone.
type RunState struct {
	mu sync.RWMutex

	testID     string
	status     domain.RunStatus
	steps      []domain.StepRecord
	duration   *float64
	lastResult *string
	testEnded  bool
	testFailed bool
	finalized  bool
}

func NewRunState(testID string, stepNames []string) *RunState {
	return &RunState{
		testID: testID,
		status: domain.RunInProgress,
		steps:  domain.NewSteps(stepNames),
	}
}

func (s *RunState) TestID() string {
	return s.testID
}

func (s *RunState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.steps)
}

func (s *RunState) Status() domain.RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// TestEnded reports whether the process has sent at least one test:end.
func (s *RunState) TestEnded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.testEnded
}

func (s *RunState) Finalized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalized
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (s *RunState) Snapshot() domain.RunSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return domain.RunSnapshot{
		TestID:     s.testID,
		Status:     s.status,
		Steps:      copySteps(s.steps),
		Duration:   copyPtr(s.duration),
		LastResult: copyPtr(s.lastResult),
		Live:       !s.finalized,
	}
}

// StepCounts returns the number of passed and failed steps.
func (s *RunState) StepCounts() (passed, failed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.steps {
		switch st.Status {
		case domain.StepPassed:
			passed++
		case domain.StepFailed:
			failed++
		}
	}
	return passed, failed
}

func (s *RunState) markInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == domain.RunInProgress || s.finalized {
		return false
	}
	s.status = domain.RunInProgress
	return true
}

func (s *RunState) completeStep(index int, p domain.StepEndPayload) (domain.StepRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.steps) {
		return domain.StepRecord{}, false
	}

	st := &s.steps[index]
	st.Status = domain.StepStatus(p.Status)
	st.Duration = p.Duration
	st.Error = nil
	if p.Error != "" {
		msg := p.Error
		st.Error = &msg
	}
	return copyStep(*st), true
}

func (s *RunState) attachScreenshot(index int, url string) (domain.StepRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.steps) {
		return domain.StepRecord{}, false
	}
	s.steps[index].ScreenshotURL = url
	return copyStep(s.steps[index]), true
}

// endTest applies one test:end and returns the resulting run status. A failed
// test keeps the run Failed through later passing tests.
func (s *RunState) endTest(passed bool, duration float64) (domain.RunStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return s.status, false
	}
	s.testEnded = true
	if !passed {
		s.testFailed = true
	}
	s.status = domain.RunCompleted
	if s.testFailed {
		s.status = domain.RunFailed
	}
	s.duration = &duration
	return s.status, true
}

// close finalizes the run keeping the status reported by test:end.
func (s *RunState) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
}

// finalize sets the terminal status once. It reports false when the run was
// already finalized.
func (s *RunState) finalize(status domain.RunStatus, duration *float64, lastResult *string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return false
	}
	s.finalized = true
	s.status = status
	if duration != nil {
		s.duration = copyPtr(duration)
	}
	if lastResult != nil {
		s.lastResult = copyPtr(lastResult)
	}
	return true
}

func copySteps(in []domain.StepRecord) []domain.StepRecord {
	out := make([]domain.StepRecord, len(in))
	for i, st := range in {
		out[i] = copyStep(st)
	}
	return out
}

func copyStep(st domain.StepRecord) domain.StepRecord {
	st.Error = copyPtr(st.Error)
	return st
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
