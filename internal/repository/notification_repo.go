// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultNotificationLimit = 100

type NotificationRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewNotificationRepository(pool *pgxpool.Pool, logger *slog.Logger) *NotificationRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &NotificationRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *NotificationRepository) CreateNotification(ctx context.Context, params domain.CreateNotificationParams) (domain.Notification, error) {
	n := domain.Notification{
		ID:      uuid.New(),
		TestID:  params.TestID,
		Title:   params.Title,
		Message: params.Message,
		Type:    params.Type,
		ReadBy:  []string{},
	}

	if err := r.pool.QueryRow(ctx, `
		INSERT INTO notifications (id, test_id, title, message, type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`,
		n.ID,
		n.TestID,
		n.Title,
		n.Message,
		n.Type,
	).Scan(&n.CreatedAt); err != nil {
		r.logger.Error("insert notification failed",
			"test_id", params.TestID,
			"type", params.Type,
			"error", err,
		)
		return domain.Notification{}, err
	}

	return n, nil
}

// ListNotifications returns the newest notifications first.
func (r *NotificationRepository) ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = defaultNotificationLimit
	}

	return r.list(ctx, r.pool, limit)
}

// MarkRead adds userID to the readers of a notification. Marking twice is a
// no-op.
func (r *NotificationRepository) MarkRead(ctx context.Context, id uuid.UUID, userID string) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET read_by=array_append(read_by, $2::text)
		WHERE id=$1
		  AND NOT ($2::text = ANY(read_by))
	`,
		id,
		userID,
	)
	if err != nil {
		r.logger.Error("mark notification read failed",
			"notification_id", id,
			"error", err,
		)
		return err
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM notifications WHERE id=$1)`,
		id,
	).Scan(&exists); err != nil {
		r.logger.Error("notification lookup failed", "notification_id", id, "error", err)
		return err
	}
	if !exists {
		return domain.ErrNotificationNotFound
	}
	return nil
}

// MarkAllRead lists the notifications, keeps those userID has not read yet
// and marks each of them. It returns how many were updated.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return 0, err
	}
	defer tx.Rollback(ctx)

	all, err := r.list(ctx, tx, 0)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, n := range all {
		if n.IsReadBy(userID) {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE notifications
			SET read_by=array_append(read_by, $2::text)
			WHERE id=$1
		`, n.ID, userID); err != nil {
			r.logger.Error("mark notification read failed",
				"notification_id", n.ID,
				"error", err,
			)
			return 0, err
		}
		updated++
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit mark all read failed", "error", err)
		return 0, err
	}

	r.logger.Info("notifications marked read",
		"user_id", userID,
		"updated", updated,
	)
	return updated, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// list returns notifications newest first; limit <= 0 means all.
func (r *NotificationRepository) list(ctx context.Context, q querier, limit int) ([]domain.Notification, error) {
	sql := `
		SELECT id, test_id, title, message, type, read_by, created_at
		FROM notifications
		ORDER BY created_at DESC, id ASC
	`
	args := []any{}
	if limit > 0 {
		sql += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		r.logger.Error("list notifications query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Notification, 0, 16)
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(
			&n.ID,
			&n.TestID,
			&n.Title,
			&n.Message,
			&n.Type,
			&n.ReadBy,
			&n.CreatedAt,
		); err != nil {
			r.logger.Error("scan notification row failed", "error", err)
			return nil, err
		}
		if n.ReadBy == nil {
			n.ReadBy = []string{}
		}
		out = append(out, n)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("notification rows iteration failed", "error", err)
		return nil, err
	}

	return out, nil
}
