// Package schedule executes persisted deferred actions such as the unban at
// the end of a temporary ban. Deadlines live in the store, so a restart only
// delays them.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guildwarden/internal/model"
	"guildwarden/internal/sink"

	"go.uber.org/zap"
)

const defaultMaxAttempts = 5

type Store interface {
	AddScheduledAction(ctx context.Context, action model.ScheduledAction) (int64, error)
	DueScheduledActions(ctx context.Context, now time.Time) ([]model.ScheduledAction, error)
	DeleteScheduledAction(ctx context.Context, id int64) error
	BumpScheduledAction(ctx context.Context, id int64) (int, error)
}

// Executor is the part of the sink deferred actions need.
type Executor interface {
	Unban(ctx context.Context, guildID, userID, reason string) error
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Report struct {
	Due       int
	Done      int
	Retrying  int
	Abandoned int
}

type Runner struct {
	store       Store
	exec        Executor
	logger      *zap.Logger
	maxAttempts int
	clock       Clock
}

func New(store Store, exec Executor, logger *zap.Logger, maxAttempts int) *Runner {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{store: store, exec: exec, logger: logger, maxAttempts: maxAttempts, clock: realClock{}}
}

func (r *Runner) WithClock(clock Clock) {
	r.clock = clock
}

// Schedule persists action and returns its id.
func (r *Runner) Schedule(ctx context.Context, action model.ScheduledAction) (int64, error) {
	if action.GuildID == "" || action.UserID == "" {
		return 0, errors.New("schedule: guild and user are required")
	}
	switch action.Kind {
	case model.ActionUnban:
	default:
		return 0, fmt.Errorf("schedule: unknown action kind %q", action.Kind)
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = r.clock.Now()
	}
	id, err := r.store.AddScheduledAction(ctx, action)
	if err != nil {
		return 0, fmt.Errorf("failed to schedule %s: %w", action.Kind, err)
	}
	r.logger.Info("action scheduled",
		zap.Int64("id", id),
		zap.String("kind", string(action.Kind)),
		zap.String("guild_id", action.GuildID),
		zap.String("user_id", action.UserID),
		zap.Time("due_at", action.DueAt),
	)
	return id, nil
}

// RunOnce executes every due action. Successes and targets that no longer
// exist are removed; other failures are retried on the next pass until
// maxAttempts is reached.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	due, err := r.store.DueScheduledActions(ctx, r.clock.Now())
	if err != nil {
		return Report{}, fmt.Errorf("failed to load due actions: %w", err)
	}

	report := Report{Due: len(due)}
	for _, action := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		logger := r.logger.With(
			zap.Int64("id", action.ID),
			zap.String("kind", string(action.Kind)),
			zap.String("guild_id", action.GuildID),
			zap.String("user_id", action.UserID),
		)

		err := r.execute(ctx, action)
		if err == nil || errors.Is(err, sink.ErrNotFound) {
			if err != nil {
				logger.Info("scheduled action target gone", zap.Error(err))
			}
			if err := r.store.DeleteScheduledAction(ctx, action.ID); err != nil {
				logger.Warn("failed to delete scheduled action", zap.Error(err))
			}
			report.Done++
			continue
		}

		attempts, bumpErr := r.store.BumpScheduledAction(ctx, action.ID)
		if bumpErr != nil {
			logger.Warn("failed to record attempt", zap.Error(bumpErr))
			report.Retrying++
			continue
		}
		if attempts >= r.maxAttempts {
			logger.Error("scheduled action abandoned", zap.Int("attempts", attempts), zap.Error(err))
			if err := r.store.DeleteScheduledAction(ctx, action.ID); err != nil {
				logger.Warn("failed to delete scheduled action", zap.Error(err))
			}
			report.Abandoned++
			continue
		}
		logger.Warn("scheduled action failed", zap.Int("attempts", attempts), zap.Error(err))
		report.Retrying++
	}
	return report, nil
}

func (r *Runner) execute(ctx context.Context, action model.ScheduledAction) error {
	switch action.Kind {
	case model.ActionUnban:
		reason := action.Reason
		if reason == "" {
			reason = "Temporary ban expired"
		}
		return r.exec.Unban(ctx, action.GuildID, action.UserID, reason)
	default:
		return fmt.Errorf("%w: unknown action kind %q", sink.ErrNotFound, action.Kind)
	}
}

// Run executes due actions immediately, picking up anything that expired while
// the process was down, then every interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := r.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			r.logger.Error("scheduled actions pass failed", zap.Error(err))
		case report.Due > 0:
			r.logger.Info("scheduled actions pass",
				zap.Int("due", report.Due),
				zap.Int("done", report.Done),
				zap.Int("retrying", report.Retrying),
				zap.Int("abandoned", report.Abandoned),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
