// SPDX-License-Identifier: Apache-2.0

package domain

import "encoding/json"

type EventType string

const (
	EventTestStart     EventType = "test:start"
	EventStepEnd       EventType = "step:end"
	EventScreenshotAdd EventType = "screenshot:add"
	EventDebugLog      EventType = "debug:log"
	EventTestEnd       EventType = "test:end"
)

// ResultPassed is the status value a child reports for a successful step or test.
const ResultPassed = "passed"

// Event is one decoded frame of the child process protocol.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type TestStartPayload struct {
	Title string `json:"title"`
}

type StepEndPayload struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
	Status   string  `json:"status"`
	Error    string  `json:"error,omitempty"`
}

// ScreenshotAddPayload attributes a screenshot to a step ordinal. A nil
// FailedStepIndex means the field was absent.
type ScreenshotAddPayload struct {
	FailedStepIndex  *int   `json:"failedStepIndex"`
	ScreenshotBase64 string `json:"screenshotBase64"`
}

type DebugLogPayload struct {
	Message string `json:"message"`
}

type TestEndPayload struct {
	Duration float64 `json:"duration"`
	Status   string  `json:"status"`
}

// Hub event names used for live subscribers.
const (
	HubTestStart  = "test:start"
	HubTestEvent  = "test:event"
	HubTestFinish = "test:finish"
)
