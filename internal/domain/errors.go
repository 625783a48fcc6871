// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"
)

var ErrTestCaseNotFound = errors.New("test case not found")
var ErrMissingScriptPath = errors.New("test case has no script path")
var ErrRunInProgress = errors.New("test run already in progress")
var ErrStepIndexOutOfRange = errors.New("step index out of range")
var ErrLaunchRateExceeded = errors.New("launch rate exceeded")
var ErrNotificationNotFound = errors.New("notification not found")

// ValidationError reports input that the pipeline refuses to process.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
