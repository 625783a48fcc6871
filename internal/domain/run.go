// SPDX-License-Identifier: Apache-2.0

package domain

type RunStatus string

const (
	RunPending    RunStatus = "Pending"
	RunInProgress RunStatus = "In Progress"
	RunCompleted  RunStatus = "Completed"
	RunFailed     RunStatus = "Failed"
)

// Terminal reports whether no further pipeline transition can change the status.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}
