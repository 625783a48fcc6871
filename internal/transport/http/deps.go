// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/browsertest-runner/internal/broadcast"
	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/google/uuid"
)

type TestCaseReader interface {
	GetTestCase(ctx context.Context, testID string) (domain.TestCase, error)
}

type Launcher interface {
	Launch(ctx context.Context, testID string) error
}

// RunSnapshots answers live reads for runs in progress.
type RunSnapshots interface {
	Snapshot(testID string) (domain.RunSnapshot, bool)
}

type Subscriber interface {
	Subscribe(testID string) *broadcast.Subscription
}

type NotificationStore interface {
	ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID, userID string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
