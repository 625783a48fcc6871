// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	Init()

	before := testutil.ToFloat64(eventsTotalCounter.WithLabelValues(string(domain.EventStepEnd)))
	IncEvent(domain.EventStepEnd)
	if got := testutil.ToFloat64(eventsTotalCounter.WithLabelValues(string(domain.EventStepEnd))); got != before+1 {
		t.Fatalf("expected step:end counter %v got %v", before+1, got)
	}

	beforeDropped := testutil.ToFloat64(broadcastDroppedCounter)
	IncBroadcastDropped()
	if got := testutil.ToFloat64(broadcastDroppedCounter); got != beforeDropped+1 {
		t.Fatalf("expected dropped counter %v got %v", beforeDropped+1, got)
	}

	IncActiveRuns()
	DecActiveRuns()
	if got := testutil.ToFloat64(activeRunsGauge); got != 0 {
		t.Fatalf("expected active runs gauge 0 got %v", got)
	}
}
