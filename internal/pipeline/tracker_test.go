// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"testing"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()

	st, err := tr.Begin("T1", []string{"A", "B"})
	require.NoError(t, err)

	_, err = tr.Begin("T1", []string{"A"})
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	snap, ok := tr.Snapshot("T1")
	require.True(t, ok)
	assert.Equal(t, domain.RunInProgress, snap.Status)
	assert.True(t, snap.Live)
	assert.Len(t, snap.Steps, 2)
	assert.Equal(t, []string{"T1"}, tr.Active())

	tr.End(st)
	_, ok = tr.Snapshot("T1")
	assert.False(t, ok)

	// A stale End must not remove a newer run.
	next, err := tr.Begin("T1", nil)
	require.NoError(t, err)
	tr.End(st)
	_, ok = tr.Snapshot("T1")
	assert.True(t, ok)
	tr.End(next)
}

func TestRunStateIsolation(t *testing.T) {
	a := NewRunState("A", []string{"x"})
	b := NewRunState("B", []string{"x"})

	_, ok := a.completeStep(0, domain.StepEndPayload{Status: "failed", Error: "e"})
	require.True(t, ok)

	assert.Equal(t, domain.StepPending, b.Snapshot().Steps[0].Status)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	st := NewRunState("A", []string{"x"})
	_, _ = st.completeStep(0, domain.StepEndPayload{Status: "failed", Error: "orig"})

	snap := st.Snapshot()
	*snap.Steps[0].Error = "mutated"
	snap.Steps[0].Name = "renamed"

	again := st.Snapshot()
	assert.Equal(t, "orig", *again.Steps[0].Error)
	assert.Equal(t, "x", again.Steps[0].Name)
}

func TestFinalizeOnce(t *testing.T) {
	st := NewRunState("A", nil)
	d := 5.0
	assert.True(t, st.finalize(domain.RunCompleted, &d, nil))
	assert.False(t, st.finalize(domain.RunFailed, nil, nil))
	assert.Equal(t, domain.RunCompleted, st.Status())
	assert.False(t, st.markInProgress())
}

func TestEndTestStickyFailure(t *testing.T) {
	st := NewRunState("A", nil)

	status, ok := st.endTest(true, 1)
	require.True(t, ok)
	assert.Equal(t, domain.RunCompleted, status)
	assert.True(t, st.TestEnded())
	assert.False(t, st.Finalized())

	assert.True(t, st.markInProgress())
	status, _ = st.endTest(false, 2)
	assert.Equal(t, domain.RunFailed, status)

	assert.True(t, st.markInProgress())
	status, _ = st.endTest(true, 3)
	assert.Equal(t, domain.RunFailed, status)
	assert.Equal(t, float64(3), *st.Snapshot().Duration)

	st.close()
	assert.True(t, st.Finalized())
	_, ok = st.endTest(true, 4)
	assert.False(t, ok)
	assert.False(t, st.markInProgress())
}
