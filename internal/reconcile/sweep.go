// Package reconcile repairs level-role drift: every member at or above a rule's
// level should hold the rule's role.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guildwarden/internal/model"
	"guildwarden/internal/sink"

	"go.uber.org/zap"
)

const grantReason = "Level role assignment"

type Store interface {
	ListAllLevelRoleRules(ctx context.Context) ([]model.LevelRoleRule, error)
	IterateLevelStates(ctx context.Context, fn func(model.LevelState) error) error
}

type Report struct {
	Scanned int
	Granted int
	Skipped int
	Failed  int
}

type Sweeper struct {
	store  Store
	sink   sink.Sink
	logger *zap.Logger
}

func New(store Store, out sink.Sink, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, sink: out, logger: logger}
}

// RunOnce performs a single pass. It never revokes roles and never writes
// level or violation state, so repeating it without changes grants nothing.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	rules, err := s.store.ListAllLevelRoleRules(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list level role rules: %w", err)
	}
	byGuild := make(map[string][]model.LevelRoleRule)
	for _, rule := range rules {
		byGuild[rule.GuildID] = append(byGuild[rule.GuildID], rule)
	}

	var report Report
	if len(byGuild) == 0 {
		return report, nil
	}

	err = s.store.IterateLevelStates(ctx, func(state model.LevelState) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		guildRules := byGuild[state.GuildID]
		if len(guildRules) == 0 {
			return nil
		}
		report.Scanned++

		wanted := model.NewIDSet()
		level := state.Level()
		for _, rule := range guildRules {
			if rule.Level <= level {
				wanted.Add(rule.RoleID)
			}
		}
		if len(wanted) == 0 {
			return nil
		}

		held, err := s.sink.MemberRoles(ctx, state.GuildID, state.UserID)
		if err != nil {
			if errors.Is(err, sink.ErrNotFound) {
				report.Skipped++
				return nil
			}
			report.Failed++
			s.logger.Debug("member roles unavailable", zap.String("guild_id", state.GuildID), zap.String("user_id", state.UserID), zap.Error(err))
			return nil
		}

		for _, roleID := range wanted.Sorted() {
			if held.Has(roleID) {
				continue
			}
			if err := s.sink.GrantRole(ctx, state.GuildID, state.UserID, roleID, grantReason); err != nil {
				report.Failed++
				s.logger.Warn("reconcile grant failed",
					zap.String("guild_id", state.GuildID),
					zap.String("user_id", state.UserID),
					zap.String("role_id", roleID),
					zap.Error(err),
				)
				continue
			}
			report.Granted++
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("iterate level states: %w", err)
	}
	return report, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			started := time.Now()
			report, err := s.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("reconcile sweep failed", zap.Error(err))
				continue
			}
			s.logger.Info("reconcile sweep finished",
				zap.Int("scanned", report.Scanned),
				zap.Int("granted", report.Granted),
				zap.Int("skipped", report.Skipped),
				zap.Int("failed", report.Failed),
				zap.Duration("took", time.Since(started)),
			)
		}
	}
}
