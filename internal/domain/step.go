// SPDX-License-Identifier: Apache-2.0

package domain

type StepStatus string

const (
	StepPending StepStatus = "Pending"
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
)

// StepRecord is one entry of a test case's ordered steps array. Its index in
// that array is its identity for the lifetime of a run.
type StepRecord struct {
	Name          string     `json:"name"`
	Status        StepStatus `json:"status"`
	Duration      float64    `json:"duration"`
	Error         *string    `json:"error"`
	ScreenshotURL string     `json:"screenshotURL,omitempty"`
}

// NewSteps builds the initial steps array of a run from template step names.
func NewSteps(names []string) []StepRecord {
	steps := make([]StepRecord, len(names))
	for i, name := range names {
		steps[i] = StepRecord{
			Name:   name,
			Status: StepPending,
		}
	}
	return steps
}
