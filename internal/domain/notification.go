// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationTestStart NotificationType = "test_start"
	NotificationTestEnd   NotificationType = "test_end"
)

type Notification struct {
	ID        uuid.UUID        `json:"id"`
	TestID    string           `json:"testId"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	CreatedAt time.Time        `json:"createdAt"`
	ReadBy    []string         `json:"readBy"`
}

func (n Notification) IsReadBy(userID string) bool {
	return slices.Contains(n.ReadBy, userID)
}

type CreateNotificationParams struct {
	TestID  string
	Title   string
	Message string
	Type    NotificationType
}
