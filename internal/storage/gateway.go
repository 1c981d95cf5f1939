package storage

import (
	"context"
	"time"

	"guildwarden/internal/model"
)

const (
	idKindSpamExempt = "spam_exempt"
	idKindLinkExempt = "link_exempt"
	idKindStaffRole  = "staff_role"
)

// Gateway is the persistence surface shared by the SQLite, Postgres and
// in-memory backends. Missing rows are never errors: configs and counters
// come back zeroed, level states report ok=false.
type Gateway interface {
	GetGuildConfig(ctx context.Context, guildID string) (model.GuildConfig, error)
	UpsertGuildConfig(ctx context.Context, cfg model.GuildConfig) error

	GetViolationCounter(ctx context.Context, guildID, userID string) (model.ViolationCounter, error)
	SetViolationCounter(ctx context.Context, counter model.ViolationCounter) error

	GetLevelState(ctx context.Context, guildID, userID string) (model.LevelState, bool, error)
	SetLevelState(ctx context.Context, state model.LevelState) error
	IterateLevelStates(ctx context.Context, fn func(model.LevelState) error) error

	GetLevelRoleRules(ctx context.Context, guildID string) ([]model.LevelRoleRule, error)
	ListAllLevelRoleRules(ctx context.Context) ([]model.LevelRoleRule, error)
	AddLevelRoleRule(ctx context.Context, rule model.LevelRoleRule) error
	RemoveLevelRoleRule(ctx context.Context, guildID, roleID string) (int64, error)

	AddWarning(ctx context.Context, warning model.Warning) (int64, error)
	ListWarnings(ctx context.Context, guildID, userID string) ([]model.Warning, error)
	RemoveRecentWarnings(ctx context.Context, guildID, userID string, n int) (int64, error)

	AddScheduledAction(ctx context.Context, action model.ScheduledAction) (int64, error)
	DueScheduledActions(ctx context.Context, now time.Time) ([]model.ScheduledAction, error)
	DeleteScheduledAction(ctx context.Context, id int64) error
	BumpScheduledAction(ctx context.Context, id int64) (int, error)

	AddAuditEntry(ctx context.Context, entry model.AuditEntry) error
	ListAuditEntries(ctx context.Context, guildID string, since time.Time) ([]model.AuditEntry, error)
	CleanupAuditEntries(ctx context.Context, before time.Time) (int64, error)

	Migrate() error
	Close()
}

// IterateBatch is the page size used when walking every level state.
const IterateBatch = 500

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
