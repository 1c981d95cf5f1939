// Package moderation implements the staff-issued actions: warnings, timeouts,
// bans with optional expiry, unbans and kicks.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"guildwarden/internal/model"
	"guildwarden/internal/modules/audit"
	"guildwarden/internal/utils"

	"go.uber.org/zap"
)

const (
	MinTimeout = time.Minute
	MaxTimeout = 7 * 24 * time.Hour

	MinBan = time.Minute
	MaxBan = 5 * 365 * 24 * time.Hour

	// HistoryLimit caps how many warnings a listing shows.
	HistoryLimit = 10

	defaultReason = "No reason provided"
)

var ErrInvalidInput = errors.New("moderation: invalid input")

type Store interface {
	AddWarning(ctx context.Context, warning model.Warning) (int64, error)
	ListWarnings(ctx context.Context, guildID, userID string) ([]model.Warning, error)
	RemoveRecentWarnings(ctx context.Context, guildID, userID string, n int) (int64, error)
}

type Moderator interface {
	ApplyTimeout(ctx context.Context, guildID, userID string, until time.Time, reason string) error
	RemoveTimeout(ctx context.Context, guildID, userID, reason string) error
	Ban(ctx context.Context, guildID, userID, reason string) error
	Kick(ctx context.Context, guildID, userID, reason string) error
	Unban(ctx context.Context, guildID, userID, reason string) error
}

type Scheduler interface {
	Schedule(ctx context.Context, action model.ScheduledAction) (int64, error)
}

type Auditor interface {
	Log(ctx context.Context, level, guildID, userID, event, details string)
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Actor identifies the staff member issuing a command.
type Actor struct {
	ID   string
	Name string
}

type Service struct {
	store     Store
	platform  Moderator
	scheduler Scheduler
	audit     Auditor
	logger    *zap.Logger
	clock     Clock
}

func New(store Store, platform Moderator, scheduler Scheduler, auditor Auditor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, platform: platform, scheduler: scheduler, audit: auditor, logger: logger, clock: realClock{}}
}

func (s *Service) WithClock(clock Clock) {
	s.clock = clock
}

// Warn records a manual warning and returns it with the member's new total.
func (s *Service) Warn(ctx context.Context, guildID, userID string, actor Actor, reason string) (model.Warning, int, error) {
	warning := model.Warning{
		GuildID:     guildID,
		UserID:      userID,
		ModeratorID: actor.ID,
		Reason:      orDefault(reason),
		CreatedAt:   s.clock.Now(),
	}
	id, err := s.store.AddWarning(ctx, warning)
	if err != nil {
		return model.Warning{}, 0, fmt.Errorf("add warning: %w", err)
	}
	warning.ID = id

	all, err := s.store.ListWarnings(ctx, guildID, userID)
	if err != nil {
		return warning, 0, fmt.Errorf("count warnings: %w", err)
	}
	s.log(ctx, audit.LevelWarn, guildID, userID, "warn", fmt.Sprintf("by %s: %s", actor.label(), warning.Reason))
	return warning, len(all), nil
}

// Warnings returns up to HistoryLimit of the newest warnings and the total.
func (s *Service) Warnings(ctx context.Context, guildID, userID string) ([]model.Warning, int, error) {
	all, err := s.store.ListWarnings(ctx, guildID, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("list warnings: %w", err)
	}
	recent := all
	if len(recent) > HistoryLimit {
		recent = recent[:HistoryLimit]
	}
	return recent, len(all), nil
}

// RemoveWarnings deletes the n most recent warnings and reports how many went.
func (s *Service) RemoveWarnings(ctx context.Context, guildID, userID string, actor Actor, n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: number of warnings must be positive", ErrInvalidInput)
	}
	removed, err := s.store.RemoveRecentWarnings(ctx, guildID, userID, n)
	if err != nil {
		return 0, fmt.Errorf("remove warnings: %w", err)
	}
	if removed > 0 {
		s.log(ctx, audit.LevelInfo, guildID, userID, "unwarn", fmt.Sprintf("%s removed %d warning(s)", actor.label(), removed))
	}
	return int(removed), nil
}

// Timeout suspends a member for a moderator-supplied duration between
// MinTimeout and MaxTimeout.
func (s *Service) Timeout(ctx context.Context, guildID, userID string, actor Actor, duration, reason string) (time.Time, error) {
	d, err := utils.ParseBoundedDuration(duration, MinTimeout, MaxTimeout)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	until := s.clock.Now().Add(d)
	reason = orDefault(reason)
	if err := s.platform.ApplyTimeout(ctx, guildID, userID, until, fmt.Sprintf("Muted by %s: %s", actor.label(), reason)); err != nil {
		return time.Time{}, fmt.Errorf("timeout member: %w", err)
	}
	s.log(ctx, audit.LevelWarn, guildID, userID, "timeout", fmt.Sprintf("%s by %s: %s", d, actor.label(), reason))
	return until, nil
}

func (s *Service) RemoveTimeout(ctx context.Context, guildID, userID string, actor Actor) error {
	if err := s.platform.RemoveTimeout(ctx, guildID, userID, fmt.Sprintf("Unmuted by %s", actor.label())); err != nil {
		return fmt.Errorf("remove timeout: %w", err)
	}
	s.log(ctx, audit.LevelInfo, guildID, userID, "untimeout", "by "+actor.label())
	return nil
}

// Ban bans a member. A non-empty duration also persists the matching unban,
// whose deadline is returned.
func (s *Service) Ban(ctx context.Context, guildID, userID string, actor Actor, duration, reason string) (time.Time, error) {
	var d time.Duration
	if strings.TrimSpace(duration) != "" {
		parsed, err := utils.ParseBoundedDuration(duration, MinBan, MaxBan)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if s.scheduler == nil {
			return time.Time{}, fmt.Errorf("%w: temporary bans are not available", ErrInvalidInput)
		}
		d = parsed
	}

	reason = orDefault(reason)
	if err := s.platform.Ban(ctx, guildID, userID, fmt.Sprintf("Banned by %s: %s", actor.label(), reason)); err != nil {
		return time.Time{}, fmt.Errorf("ban member: %w", err)
	}
	if d == 0 {
		s.log(ctx, audit.LevelCrit, guildID, userID, "ban", fmt.Sprintf("by %s: %s", actor.label(), reason))
		return time.Time{}, nil
	}

	now := s.clock.Now()
	until := now.Add(d)
	if _, err := s.scheduler.Schedule(ctx, model.ScheduledAction{
		Kind:      model.ActionUnban,
		GuildID:   guildID,
		UserID:    userID,
		Reason:    "Temporary ban expired",
		DueAt:     until,
		CreatedAt: now,
	}); err != nil {
		s.logger.Error("temporary ban has no scheduled unban", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return time.Time{}, fmt.Errorf("schedule unban: %w", err)
	}
	s.log(ctx, audit.LevelCrit, guildID, userID, "tempban", fmt.Sprintf("%s by %s: %s", d, actor.label(), reason))
	return until, nil
}

func (s *Service) Unban(ctx context.Context, guildID, userID string, actor Actor) error {
	if err := s.platform.Unban(ctx, guildID, userID, fmt.Sprintf("Unbanned by %s", actor.label())); err != nil {
		return fmt.Errorf("unban member: %w", err)
	}
	s.log(ctx, audit.LevelInfo, guildID, userID, "unban", "by "+actor.label())
	return nil
}

func (s *Service) Kick(ctx context.Context, guildID, userID string, actor Actor, reason string) error {
	reason = orDefault(reason)
	if err := s.platform.Kick(ctx, guildID, userID, fmt.Sprintf("Kicked by %s: %s", actor.label(), reason)); err != nil {
		return fmt.Errorf("kick member: %w", err)
	}
	s.log(ctx, audit.LevelWarn, guildID, userID, "kick", fmt.Sprintf("by %s: %s", actor.label(), reason))
	return nil
}

func (s *Service) log(ctx context.Context, level, guildID, userID, event, details string) {
	if s.audit != nil {
		s.audit.Log(ctx, level, guildID, userID, event, details)
	}
}

func (a Actor) label() string {
	if a.Name != "" {
		return a.Name
	}
	if a.ID != "" {
		return a.ID
	}
	return "unknown"
}

func orDefault(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return defaultReason
	}
	return reason
}
