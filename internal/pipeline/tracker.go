// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sort"
	"sync"

	"github.com/adiadia/browsertest-runner/internal/domain"
)

// Tracker indexes the states of active runs by test id. A test id has at most
// one active run.
type Tracker struct {
	mu   sync.RWMutex
	runs map[string]*RunState
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*RunState)}
}

// Begin registers a fresh state for testID.
func (t *Tracker) Begin(testID string, stepNames []string) (*RunState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.runs[testID]; ok {
		return nil, domain.ErrRunInProgress
	}
	st := NewRunState(testID, stepNames)
	t.runs[testID] = st
	return st, nil
}

// End forgets st if it is still the registered state of its test.
func (t *Tracker) End(st *RunState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.runs[st.testID]; ok && cur == st {
		delete(t.runs, st.testID)
	}
}

func (t *Tracker) Snapshot(testID string) (domain.RunSnapshot, bool) {
	t.mu.RLock()
	st, ok := t.runs[testID]
	t.mu.RUnlock()

	if !ok {
		return domain.RunSnapshot{}, false
	}
	return st.Snapshot(), true
}

func (t *Tracker) Active() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.runs))
	for id := range t.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
