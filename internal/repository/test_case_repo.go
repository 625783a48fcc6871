// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const testCaseColumns = `
	id, name, script_path, test_url, template_steps, steps, status,
	last_result, duration, last_run, schedule, updated_at
`

type TestCaseRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewTestCaseRepository(pool *pgxpool.Pool, logger *slog.Logger) *TestCaseRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &TestCaseRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *TestCaseRepository) GetTestCase(ctx context.Context, testID string) (domain.TestCase, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+testCaseColumns+` FROM test_cases WHERE id=$1`,
		testID,
	)

	tc, err := scanTestCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TestCase{}, domain.ErrTestCaseNotFound
		}
		r.logger.Error("get test case failed", "test_id", testID, "error", err)
		return domain.TestCase{}, err
	}

	return tc, nil
}

// ListScheduled returns the test cases carrying a cron schedule.
func (r *TestCaseRepository) ListScheduled(ctx context.Context) ([]domain.TestCase, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+testCaseColumns+`
		FROM test_cases
		WHERE schedule <> ''
		ORDER BY id ASC
	`)
	if err != nil {
		r.logger.Error("list scheduled test cases failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.TestCase, 0, 8)
	for rows.Next() {
		tc, err := scanTestCase(rows)
		if err != nil {
			r.logger.Error("scan test case row failed", "error", err)
			return nil, err
		}
		out = append(out, tc)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("test case rows iteration failed", "error", err)
		return nil, err
	}

	return out, nil
}

// StartRun resets the test case for a new run: fresh steps, In Progress,
// lastRun now, previous result and duration cleared.
func (r *TestCaseRepository) StartRun(ctx context.Context, testID string, steps []domain.StepRecord) error {
	body, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}

	cmd, err := r.pool.Exec(ctx, `
		UPDATE test_cases
		SET status=$2,
		    steps=$3::jsonb,
		    last_run=NOW(),
		    last_result=NULL,
		    duration=NULL,
		    updated_at=NOW()
		WHERE id=$1
	`,
		testID,
		domain.RunInProgress,
		string(body),
	)
	if err != nil {
		r.logger.Error("start run failed", "test_id", testID, "error", err)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrTestCaseNotFound
	}

	r.logger.Info("run started",
		"test_id", testID,
		"steps", len(steps),
	)
	return nil
}

func (r *TestCaseRepository) MarkInProgress(ctx context.Context, testID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE test_cases
		SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status <> $2
	`,
		testID,
		domain.RunInProgress,
	)
	if err != nil {
		r.logger.Error("mark in progress failed", "test_id", testID, "error", err)
		return err
	}
	return nil
}

// UpdateStep replaces steps[index]. The array length never changes; an index
// past the end is reported as domain.ErrStepIndexOutOfRange.
func (r *TestCaseRepository) UpdateStep(ctx context.Context, testID string, index int, step domain.StepRecord) error {
	if index < 0 {
		return domain.ErrStepIndexOutOfRange
	}

	body, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step: %w", err)
	}

	cmd, err := r.pool.Exec(ctx, `
		UPDATE test_cases
		SET steps=jsonb_set(steps, $2::text[], $3::jsonb, false),
		    updated_at=NOW()
		WHERE id=$1
		  AND jsonb_array_length(steps) > $4
	`,
		testID,
		[]string{strconv.Itoa(index)},
		string(body),
		index,
	)
	if err != nil {
		r.logger.Error("update step failed",
			"test_id", testID,
			"step_index", index,
			"error", err,
		)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("update step %d of %s: %w", index, testID, domain.ErrStepIndexOutOfRange)
	}

	return nil
}

// FinishRun stores the terminal status. Nil duration or lastResult keep the
// stored value.
func (r *TestCaseRepository) FinishRun(ctx context.Context, testID string, status domain.RunStatus, duration *float64, lastResult *string) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE test_cases
		SET status=$2,
		    duration=COALESCE($3, duration),
		    last_result=COALESCE($4, last_result),
		    updated_at=NOW()
		WHERE id=$1
	`,
		testID,
		status,
		duration,
		lastResult,
	)
	if err != nil {
		r.logger.Error("finish run failed",
			"test_id", testID,
			"status", status,
			"error", err,
		)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrTestCaseNotFound
	}

	r.logger.Info("run finished",
		"test_id", testID,
		"status", status,
	)
	return nil
}

// FailLaunch records a run that was refused before any process started.
func (r *TestCaseRepository) FailLaunch(ctx context.Context, testID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE test_cases
		SET status=$2,
		    last_result=$3,
		    last_run=NOW(),
		    updated_at=NOW()
		WHERE id=$1
	`,
		testID,
		domain.RunFailed,
		reason,
	)
	if err != nil {
		r.logger.Error("fail launch failed", "test_id", testID, "error", err)
		return err
	}
	return nil
}

func scanTestCase(row pgx.Row) (domain.TestCase, error) {
	var (
		tc            domain.TestCase
		templateSteps []byte
		steps         []byte
	)

	if err := row.Scan(
		&tc.ID,
		&tc.Name,
		&tc.ScriptPath,
		&tc.TestURL,
		&templateSteps,
		&steps,
		&tc.Status,
		&tc.LastResult,
		&tc.Duration,
		&tc.LastRun,
		&tc.Schedule,
		&tc.UpdatedAt,
	); err != nil {
		return domain.TestCase{}, err
	}

	if err := json.Unmarshal(templateSteps, &tc.TemplateSteps); err != nil {
		return domain.TestCase{}, fmt.Errorf("decode template steps of %s: %w", tc.ID, err)
	}
	if err := json.Unmarshal(steps, &tc.Steps); err != nil {
		return domain.TestCase{}, fmt.Errorf("decode steps of %s: %w", tc.ID, err)
	}
	if tc.Steps == nil {
		tc.Steps = []domain.StepRecord{}
	}

	return tc, nil
}
