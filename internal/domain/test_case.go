// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// TestCase is the persisted document of a nameable test. It carries both the
// run template (script, target URL, step names) and the state of the latest run.
type TestCase struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	ScriptPath    string       `json:"scriptPath"`
	TestURL       string       `json:"testUrl"`
	TemplateSteps []string     `json:"templateSteps,omitempty"`
	Steps         []StepRecord `json:"steps"`
	Status        RunStatus    `json:"status"`
	LastResult    *string      `json:"lastResult,omitempty"`
	Duration      *float64     `json:"duration,omitempty"`
	LastRun       *time.Time   `json:"lastRun,omitempty"`
	Schedule      string       `json:"schedule,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// StepNames returns the ordered step names a new run starts from: the
// template names when present, otherwise the names of the current steps.
func (tc TestCase) StepNames() []string {
	if len(tc.TemplateSteps) > 0 {
		out := make([]string, len(tc.TemplateSteps))
		copy(out, tc.TemplateSteps)
		return out
	}

	out := make([]string, 0, len(tc.Steps))
	for _, st := range tc.Steps {
		out = append(out, st.Name)
	}
	return out
}

// RunSnapshot is the read model of a run served to dashboard clients.
type RunSnapshot struct {
	TestID     string       `json:"testId"`
	Status     RunStatus    `json:"status"`
	Steps      []StepRecord `json:"steps"`
	Duration   *float64     `json:"duration,omitempty"`
	LastResult *string      `json:"lastResult,omitempty"`
	Live       bool         `json:"live"`
}
