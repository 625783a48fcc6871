// SPDX-License-Identifier: Apache-2.0

// Package supervisor launches test processes and drives their event streams
// through the pipeline until they exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/adiadia/browsertest-runner/internal/broadcast"
	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/adiadia/browsertest-runner/internal/framing"
	"github.com/adiadia/browsertest-runner/internal/metrics"
	"github.com/adiadia/browsertest-runner/internal/pipeline"
	"golang.org/x/sync/errgroup"
)

const (
	// EnvTargetURL carries the test case's target URL to the test process.
	EnvTargetURL = "TARGET_URL"

	missingScriptReason = "Script path not found"
	defaultStderrLimit  = 64 * 1024
	processWaitDelay    = 5 * time.Second
)

// Store is the persistence used by runs.
type Store interface {
	pipeline.RunStore
	GetTestCase(ctx context.Context, testID string) (domain.TestCase, error)
	StartRun(ctx context.Context, testID string, steps []domain.StepRecord) error
	FailLaunch(ctx context.Context, testID, reason string) error
}

type Deps struct {
	Store     Store
	Notifier  pipeline.Notifier
	Archiver  pipeline.ScreenshotArchiver
	Publisher pipeline.Publisher
	Tracker   *pipeline.Tracker
	Webhook   *Webhook
	Logger    *slog.Logger

	ScriptsDir string
	// Command is the program and its leading arguments; the script path and
	// Args follow it.
	Command []string
	Args    []string
	// Env is appended to the server's environment for every process.
	Env []string

	PersistTimeout    time.Duration
	LaunchLimitPerMin int
	StderrLimit       int
	// WaitDelay bounds how long output is drained after the process exits,
	// e.g. when a leftover child still holds stdout open.
	WaitDelay time.Duration
}

// Supervisor owns the test processes started by this server. Each run gets
// its own decoder, dispatcher and state; runs share nothing else.
type Supervisor struct {
	store     Store
	notifier  pipeline.Notifier
	archiver  pipeline.ScreenshotArchiver
	publisher pipeline.Publisher
	tracker   *pipeline.Tracker
	webhook   *Webhook
	logger    *slog.Logger
	limiter   *launchLimiter

	scriptsDir     string
	command        []string
	args           []string
	env            []string
	persistTimeout time.Duration
	stderrLimit    int
	waitDelay      time.Duration
	now            func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(deps Deps) (*Supervisor, error) {
	if deps.Store == nil {
		return nil, errors.New("supervisor: nil store")
	}
	if len(deps.Command) == 0 || strings.TrimSpace(deps.Command[0]) == "" {
		return nil, errors.New("supervisor: empty runner command")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracker := deps.Tracker
	if tracker == nil {
		tracker = pipeline.NewTracker()
	}

	stderrLimit := deps.StderrLimit
	if stderrLimit <= 0 {
		stderrLimit = defaultStderrLimit
	}

	waitDelay := deps.WaitDelay
	if waitDelay <= 0 {
		waitDelay = processWaitDelay
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		store:          deps.Store,
		notifier:       deps.Notifier,
		archiver:       deps.Archiver,
		publisher:      deps.Publisher,
		tracker:        tracker,
		webhook:        deps.Webhook,
		logger:         logger,
		limiter:        newLaunchLimiter(deps.LaunchLimitPerMin),
		scriptsDir:     deps.ScriptsDir,
		command:        slices.Clone(deps.Command),
		args:           slices.Clone(deps.Args),
		env:            slices.Clone(deps.Env),
		persistTimeout: deps.PersistTimeout,
		stderrLimit:    stderrLimit,
		waitDelay:      waitDelay,
		now:            time.Now,
		baseCtx:        baseCtx,
		cancel:         cancel,
	}, nil
}

func (s *Supervisor) Tracker() *pipeline.Tracker {
	return s.tracker
}

// Launch starts a run of testID and returns once the process is started. The
// process outlives ctx; it is bound to the supervisor's lifetime instead.
//
// Errors: domain.ErrTestCaseNotFound, domain.ErrMissingScriptPath (the test
// case is also marked Failed), domain.ErrRunInProgress, *RateLimitError.
// A process that cannot be started is not an error here: the run is marked
// Failed with the reason.
func (s *Supervisor) Launch(ctx context.Context, testID string) error {
	if err := s.baseCtx.Err(); err != nil {
		return fmt.Errorf("supervisor stopped: %w", err)
	}

	tc, err := s.store.GetTestCase(ctx, testID)
	if err != nil {
		return err
	}

	if strings.TrimSpace(tc.ScriptPath) == "" {
		if err := s.store.FailLaunch(ctx, testID, missingScriptReason); err != nil {
			s.logger.Error("record missing script path failed", "test_id", testID, "error", err)
		}
		metrics.IncRunStatus(domain.RunFailed)
		return domain.ErrMissingScriptPath
	}

	names := tc.StepNames()
	state, err := s.tracker.Begin(testID, names)
	if err != nil {
		return err
	}

	if ok, retryAfter := s.limiter.Allow(testID, s.now()); !ok {
		s.tracker.End(state)
		return &RateLimitError{RetryAfter: retryAfter}
	}

	if err := s.store.StartRun(ctx, testID, domain.NewSteps(names)); err != nil {
		s.tracker.End(state)
		return fmt.Errorf("start run %s: %w", testID, err)
	}

	d := pipeline.NewDispatcher(pipeline.Deps{
		Store:          s.store,
		Archiver:       s.archiver,
		Publisher:      s.publisher,
		Notifier:       s.notifier,
		Logger:         s.logger,
		PersistTimeout: s.persistTimeout,
	}, state)

	r := &run{
		testID:     testID,
		dispatcher: d,
		logger:     s.logger.With("test_id", testID),
		started:    s.now(),
	}

	metrics.IncActiveRuns()
	if s.publisher != nil {
		s.publisher.Publish(broadcast.Message{
			Event:  domain.HubTestStart,
			TestID: testID,
			Data:   pipeline.TestStartData{TestID: testID},
		})
	}

	cmd, out := s.buildCommand(tc)
	r.logger.Info("launching test process", "command", quoteCommand(cmd.Args))
	if err := cmd.Start(); err != nil {
		out.close()
		r.logger.Error("test process launch failed", "error", err)
		d.LaunchFailed(s.baseCtx, err)
		s.complete(r)
		return nil
	}

	r.logger.Info("test process started", "pid", cmd.Process.Pid)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(r, cmd, out)
	}()

	return nil
}

type run struct {
	testID     string
	dispatcher *pipeline.Dispatcher
	logger     *slog.Logger
	started    time.Time
}

// processOutput is where the exec package copies the process output. Cmd.Wait
// owns the copying, so WaitDelay also bounds output held open by leftover
// children.
type processOutput struct {
	stdout  *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  *cappedBuffer
}

func (o *processOutput) close() {
	_ = o.stdoutW.Close()
	_ = o.stdout.Close()
}

func (s *Supervisor) buildCommand(tc domain.TestCase) (*exec.Cmd, *processOutput) {
	args := slices.Clone(s.command[1:])
	args = append(args, filepath.Join(s.scriptsDir, tc.ScriptPath))
	args = append(args, s.args...)

	pr, pw := io.Pipe()
	out := &processOutput{
		stdout:  pr,
		stdoutW: pw,
		stderr:  newCappedBuffer(s.stderrLimit),
	}

	cmd := exec.CommandContext(s.baseCtx, s.command[0], args...)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Env = append(cmd.Env, EnvTargetURL+"="+tc.TestURL)
	cmd.Stdout = pw
	cmd.Stderr = out.stderr
	cmd.WaitDelay = s.waitDelay
	return cmd, out
}

// quoteCommand renders args as a shell command line for logs.
func quoteCommand(args []string) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, shellescape.Quote(arg))
	}
	return strings.Join(parts, " ")
}

// supervise decodes stdout into the dispatcher and waits for the process.
// Frames are handled strictly in arrival order.
func (s *Supervisor) supervise(r *run, cmd *exec.Cmd, out *processOutput) {
	ctx := s.baseCtx

	var g errgroup.Group
	g.Go(func() error {
		residual, err := framing.NewDecoder().ReadFrames(ctx, out.stdout, func(frame []byte) error {
			r.dispatcher.HandleFrame(ctx, frame)
			return nil
		})
		// Keep the copy into the pipe moving so Wait can return.
		_, _ = io.Copy(io.Discard, out.stdout)
		if residual > 0 {
			r.logger.Debug("incomplete trailing frame dropped", "bytes", residual)
		}
		if err != nil {
			return fmt.Errorf("read stdout: %w", err)
		}
		return nil
	})

	exitCode := 0
	waitErr := cmd.Wait()
	_ = out.stdoutW.Close()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("test process output interrupted", "error", err)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(waitErr, exec.ErrWaitDelay):
			exitCode = cmd.ProcessState.ExitCode()
			r.logger.Warn("test process output still open after exit", "wait_delay", s.waitDelay)
		default:
			exitCode = -1
			r.logger.Warn("wait for test process failed", "error", waitErr)
		}
	}

	if n := out.stderr.Discarded(); n > 0 {
		r.logger.Debug("stderr truncated", "discarded_bytes", n)
	}
	r.logger.Info("test process exited", "exit_code", exitCode)

	r.dispatcher.ProcessExited(ctx, exitCode, out.stderr.String())
	s.complete(r)
}

// complete releases the run and reports its terminal status.
func (s *Supervisor) complete(r *run) {
	state := r.dispatcher.State()
	status := state.Status()
	elapsed := s.now().Sub(r.started)

	metrics.DecActiveRuns()
	metrics.ObserveRunDuration(elapsed)
	metrics.IncRunStatus(status)

	s.tracker.End(state)

	r.logger.Info("run complete",
		"status", status,
		"elapsed_ms", elapsed.Milliseconds(),
	)

	s.webhook.Deliver(s.baseCtx, r.testID, status, s.now().UTC())
}

// Wait blocks until every started process has been reaped.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting launches, kills running processes and waits for
// their runs to be finalized or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
