//go:build integration

// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestTestCaseRunLifecycleIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	if err := truncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}
	if err := seedTestCase(ctx, pool, "TEST-001", "login.spec.ts", `["A","B","C"]`); err != nil {
		t.Fatalf("seed test case: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := NewTestCaseRepository(pool, logger)

	tc, err := repo.GetTestCase(ctx, "TEST-001")
	if err != nil {
		t.Fatalf("get test case: %v", err)
	}
	names := tc.StepNames()
	if len(names) != 3 {
		t.Fatalf("expected 3 template steps got %d", len(names))
	}

	if err := repo.StartRun(ctx, tc.ID, domain.NewSteps(names)); err != nil {
		t.Fatalf("start run: %v", err)
	}

	errMsg := "x"
	if err := repo.UpdateStep(ctx, tc.ID, 0, domain.StepRecord{Name: "A", Status: domain.StepPassed, Duration: 10}); err != nil {
		t.Fatalf("update step 0: %v", err)
	}
	if err := repo.UpdateStep(ctx, tc.ID, 1, domain.StepRecord{Name: "B", Status: domain.StepFailed, Duration: 20, Error: &errMsg}); err != nil {
		t.Fatalf("update step 1: %v", err)
	}
	if err := repo.UpdateStep(ctx, tc.ID, 3, domain.StepRecord{Name: "D"}); !errors.Is(err, domain.ErrStepIndexOutOfRange) {
		t.Fatalf("expected out of range error got %v", err)
	}

	duration := 500.0
	if err := repo.FinishRun(ctx, tc.ID, domain.RunFailed, &duration, nil); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	got, err := repo.GetTestCase(ctx, tc.ID)
	if err != nil {
		t.Fatalf("get test case after run: %v", err)
	}
	if got.Status != domain.RunFailed {
		t.Fatalf("expected status %s got %s", domain.RunFailed, got.Status)
	}
	if got.Duration == nil || *got.Duration != 500 {
		t.Fatalf("expected duration 500 got %v", got.Duration)
	}
	if got.LastRun == nil {
		t.Fatal("expected lastRun to be set")
	}
	if len(got.Steps) != 3 {
		t.Fatalf("steps length changed: %d", len(got.Steps))
	}
	if got.Steps[1].Error == nil || *got.Steps[1].Error != "x" {
		t.Fatalf("unexpected step 1: %+v", got.Steps[1])
	}
	if got.Steps[2].Status != domain.StepPending {
		t.Fatalf("expected step 2 pending got %s", got.Steps[2].Status)
	}

	if _, err := repo.GetTestCase(ctx, "missing"); !errors.Is(err, domain.ErrTestCaseNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}

func TestFailLaunchIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	if err := truncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}
	if err := seedTestCase(ctx, pool, "TEST-002", "", `[]`); err != nil {
		t.Fatalf("seed test case: %v", err)
	}

	repo := NewTestCaseRepository(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := repo.FailLaunch(ctx, "TEST-002", "Script path not found"); err != nil {
		t.Fatalf("fail launch: %v", err)
	}

	got, err := repo.GetTestCase(ctx, "TEST-002")
	if err != nil {
		t.Fatalf("get test case: %v", err)
	}
	if got.Status != domain.RunFailed || got.LastResult == nil || *got.LastResult != "Script path not found" {
		t.Fatalf("unexpected test case: %+v", got)
	}
}

func TestNotificationsIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	if err := truncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	repo := NewNotificationRepository(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))

	first, err := repo.CreateNotification(ctx, domain.CreateNotificationParams{
		TestID: "TEST-001", Title: "Test started: login", Type: domain.NotificationTestStart,
	})
	if err != nil {
		t.Fatalf("create notification: %v", err)
	}
	if _, err := repo.CreateNotification(ctx, domain.CreateNotificationParams{
		TestID: "TEST-001", Title: "Test finished: login", Message: "Total 3 steps, Pass: 3, Fail: 0", Type: domain.NotificationTestEnd,
	}); err != nil {
		t.Fatalf("create notification: %v", err)
	}

	if err := repo.MarkRead(ctx, first.ID, "u1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := repo.MarkRead(ctx, first.ID, "u1"); err != nil {
		t.Fatalf("mark read twice: %v", err)
	}
	if err := repo.MarkRead(ctx, uuid.New(), "u1"); !errors.Is(err, domain.ErrNotificationNotFound) {
		t.Fatalf("expected not found got %v", err)
	}

	updated, err := repo.MarkAllRead(ctx, "u1")
	if err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected 1 updated got %d", updated)
	}

	list, err := repo.ListNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 notifications got %d", len(list))
	}
	for _, n := range list {
		if len(n.ReadBy) != 1 || !n.IsReadBy("u1") {
			t.Fatalf("expected single reader u1 got %v", n.ReadBy)
		}
	}
}

func truncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE notifications, test_cases`)
	return err
}

func seedTestCase(ctx context.Context, pool *pgxpool.Pool, id, scriptPath, templateSteps string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO test_cases (id, name, script_path, test_url, template_steps)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, id, "integration-"+id, scriptPath, "https://example.test", templateSteps)
	return err
}

func integrationPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create pgx pool (%v)", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	return pool
}
