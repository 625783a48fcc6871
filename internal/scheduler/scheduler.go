// SPDX-License-Identifier: Apache-2.0

// Package scheduler launches test cases on their cron schedules.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/robfig/cron/v3"
)

type Source interface {
	ListScheduled(ctx context.Context) ([]domain.TestCase, error)
}

type Launcher interface {
	Launch(ctx context.Context, testID string) error
}

type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler keeps one cron entry per scheduled test case and reloads the set
// of schedules on its own refresh spec.
type Scheduler struct {
	source   Source
	launcher Launcher
	logger   *slog.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	entries map[string]entry
	ctx     context.Context
}

func New(source Source, launcher Launcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		source:   source,
		launcher: launcher,
		logger:   logger,
		cron:     cron.New(),
		entries:  make(map[string]entry),
		ctx:      context.Background(),
	}
}

// Start loads the schedules, registers the refresh job and starts the cron
// loop. Launches use ctx.
func (s *Scheduler) Start(ctx context.Context, refreshSpec string) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(refreshSpec, func() {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Error("schedule refresh failed", "error", err)
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "refresh", refreshSpec)
	return nil
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Refresh reconciles the cron entries with the stored schedules: new or
// changed schedules are (re)registered, removed ones are dropped.
func (s *Scheduler) Refresh(ctx context.Context) error {
	cases, err := s.source.ListScheduled(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(cases))
	for _, tc := range cases {
		seen[tc.ID] = struct{}{}

		if cur, ok := s.entries[tc.ID]; ok {
			if cur.spec == tc.Schedule {
				continue
			}
			s.cron.Remove(cur.id)
			delete(s.entries, tc.ID)
		}

		testID := tc.ID
		id, err := s.cron.AddFunc(tc.Schedule, func() {
			s.fire(testID)
		})
		if err != nil {
			s.logger.Warn("invalid test case schedule skipped",
				"test_id", tc.ID,
				"schedule", tc.Schedule,
				"error", err,
			)
			continue
		}
		s.entries[tc.ID] = entry{id: id, spec: tc.Schedule}
		s.logger.Info("test case scheduled", "test_id", tc.ID, "schedule", tc.Schedule)
	}

	for testID, cur := range s.entries {
		if _, ok := seen[testID]; !ok {
			s.cron.Remove(cur.id)
			delete(s.entries, testID)
			s.logger.Info("test case unscheduled", "test_id", testID)
		}
	}

	return nil
}

// Scheduled returns the active cron specs keyed by test id.
func (s *Scheduler) Scheduled() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.spec
	}
	return out
}

func (s *Scheduler) fire(testID string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	err := s.launcher.Launch(ctx, testID)
	switch {
	case err == nil:
		s.logger.Info("scheduled run launched", "test_id", testID)
	case errors.Is(err, domain.ErrRunInProgress):
		s.logger.Info("scheduled run skipped: already running", "test_id", testID)
	default:
		s.logger.Error("scheduled run failed to launch", "test_id", testID, "error", err)
	}
}
