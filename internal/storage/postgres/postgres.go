// Package postgres implements the persistence gateway on PostgreSQL through pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"guildwarden/internal/model"
	"guildwarden/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Gateway = (*Store)(nil)

func New(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Migrate() error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	ctx := context.Background()
	for _, file := range files {
		content, err := migrations.ReadFile(path.Join("migrations", file))
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
	}
	return nil
}

func (s *Store) GetGuildConfig(ctx context.Context, guildID string) (model.GuildConfig, error) {
	cfg := model.GuildConfig{GuildID: guildID}
	var spam, link, staff []string
	err := s.pool.QueryRow(ctx, `
		SELECT automod_enabled, log_channel_id, level_channel_id, spam_exempt, link_exempt,
		staff_roles, verified_role_id, policy
		FROM guild_config WHERE guild_id = $1`, guildID).Scan(
		&cfg.AutomodEnabled,
		&cfg.LogChannelID,
		&cfg.LevelChannelID,
		&spam,
		&link,
		&staff,
		&cfg.VerifiedRoleID,
		&cfg.Policy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cfg, nil
		}
		return model.GuildConfig{}, fmt.Errorf("get guild config %s: %w", guildID, err)
	}
	cfg.SpamExempt = toSet(spam)
	cfg.LinkExempt = toSet(link)
	cfg.StaffRoles = toSet(staff)
	return cfg, nil
}

func (s *Store) UpsertGuildConfig(ctx context.Context, cfg model.GuildConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO guild_config (guild_id, automod_enabled, log_channel_id, level_channel_id,
			spam_exempt, link_exempt, staff_roles, verified_role_id, policy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (guild_id) DO UPDATE SET
			automod_enabled = EXCLUDED.automod_enabled,
			log_channel_id = EXCLUDED.log_channel_id,
			level_channel_id = EXCLUDED.level_channel_id,
			spam_exempt = EXCLUDED.spam_exempt,
			link_exempt = EXCLUDED.link_exempt,
			staff_roles = EXCLUDED.staff_roles,
			verified_role_id = EXCLUDED.verified_role_id,
			policy = EXCLUDED.policy
	`, cfg.GuildID, cfg.AutomodEnabled, cfg.LogChannelID, cfg.LevelChannelID,
		cfg.SpamExempt.Sorted(), cfg.LinkExempt.Sorted(), cfg.StaffRoles.Sorted(),
		cfg.VerifiedRoleID, cfg.Policy)
	if err != nil {
		return fmt.Errorf("upsert guild config %s: %w", cfg.GuildID, err)
	}
	return nil
}

func (s *Store) GetViolationCounter(ctx context.Context, guildID, userID string) (model.ViolationCounter, error) {
	counter := model.ViolationCounter{GuildID: guildID, UserID: userID}
	var last *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT count, last_violation FROM violation_counters WHERE guild_id = $1 AND user_id = $2
	`, guildID, userID).Scan(&counter.Count, &last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return counter, nil
		}
		return model.ViolationCounter{}, fmt.Errorf("get violation counter: %w", err)
	}
	counter.LastViolation = deref(last)
	return counter, nil
}

func (s *Store) SetViolationCounter(ctx context.Context, counter model.ViolationCounter) error {
	if counter.Count < 0 {
		return fmt.Errorf("set violation counter: negative count %d", counter.Count)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO violation_counters (guild_id, user_id, count, last_violation)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guild_id, user_id) DO UPDATE SET
			count = EXCLUDED.count,
			last_violation = EXCLUDED.last_violation
	`, counter.GuildID, counter.UserID, counter.Count, ref(counter.LastViolation))
	if err != nil {
		return fmt.Errorf("set violation counter: %w", err)
	}
	return nil
}

func (s *Store) GetLevelState(ctx context.Context, guildID, userID string) (model.LevelState, bool, error) {
	state := model.LevelState{GuildID: guildID, UserID: userID}
	var last *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT experience, last_scored FROM level_states WHERE guild_id = $1 AND user_id = $2
	`, guildID, userID).Scan(&state.Experience, &last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state, false, nil
		}
		return model.LevelState{}, false, fmt.Errorf("get level state: %w", err)
	}
	state.LastScored = deref(last)
	return state, true, nil
}

func (s *Store) SetLevelState(ctx context.Context, state model.LevelState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO level_states (guild_id, user_id, experience, last_scored)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guild_id, user_id) DO UPDATE SET
			experience = EXCLUDED.experience,
			last_scored = EXCLUDED.last_scored
	`, state.GuildID, state.UserID, state.Experience, ref(state.LastScored))
	if err != nil {
		return fmt.Errorf("set level state: %w", err)
	}
	return nil
}

func (s *Store) IterateLevelStates(ctx context.Context, fn func(model.LevelState) error) error {
	lastGuild, lastUser := "", ""
	for {
		rows, err := s.pool.Query(ctx, `
			SELECT guild_id, user_id, experience, last_scored
			FROM level_states
			WHERE (guild_id, user_id) > ($1, $2)
			ORDER BY guild_id, user_id
			LIMIT $3
		`, lastGuild, lastUser, storage.IterateBatch)
		if err != nil {
			return fmt.Errorf("iterate level states: %w", err)
		}
		page, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.LevelState, error) {
			var state model.LevelState
			var last *time.Time
			err := row.Scan(&state.GuildID, &state.UserID, &state.Experience, &last)
			state.LastScored = deref(last)
			return state, err
		})
		if err != nil {
			return fmt.Errorf("iterate level states: %w", err)
		}
		for _, state := range page {
			if err := fn(state); err != nil {
				return err
			}
		}
		if len(page) < storage.IterateBatch {
			return nil
		}
		last := page[len(page)-1]
		lastGuild, lastUser = last.GuildID, last.UserID
	}
}

func (s *Store) GetLevelRoleRules(ctx context.Context, guildID string) ([]model.LevelRoleRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT guild_id, level, role_id FROM level_role_rules WHERE guild_id = $1 ORDER BY level, role_id
	`, guildID)
	if err != nil {
		return nil, fmt.Errorf("get level role rules: %w", err)
	}
	return collectRules(rows)
}

func (s *Store) ListAllLevelRoleRules(ctx context.Context) ([]model.LevelRoleRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT guild_id, level, role_id FROM level_role_rules ORDER BY guild_id, level, role_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list level role rules: %w", err)
	}
	return collectRules(rows)
}

func (s *Store) AddLevelRoleRule(ctx context.Context, rule model.LevelRoleRule) error {
	if rule.Level < 0 {
		return fmt.Errorf("add level role rule: negative level %d", rule.Level)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO level_role_rules (guild_id, level, role_id) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, rule.GuildID, rule.Level, rule.RoleID)
	return err
}

func (s *Store) RemoveLevelRoleRule(ctx context.Context, guildID, roleID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM level_role_rules WHERE guild_id = $1 AND role_id = $2`, guildID, roleID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) AddScheduledAction(ctx context.Context, action model.ScheduledAction) (int64, error) {
	created := action.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_actions (kind, guild_id, user_id, reason, due_at, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, string(action.Kind), action.GuildID, action.UserID, action.Reason, action.DueAt, action.Attempts, created).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert scheduled action: %w", err)
	}
	return id, nil
}

func (s *Store) DueScheduledActions(ctx context.Context, now time.Time) ([]model.ScheduledAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, guild_id, user_id, reason, due_at, attempts, created_at
		FROM scheduled_actions
		WHERE due_at <= $1
		ORDER BY due_at, id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get due actions: %w", err)
	}
	actions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ScheduledAction, error) {
		var action model.ScheduledAction
		var kind string
		err := row.Scan(&action.ID, &kind, &action.GuildID, &action.UserID, &action.Reason, &action.DueAt, &action.Attempts, &action.CreatedAt)
		action.Kind = model.ActionKind(kind)
		return action, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get due actions: %w", err)
	}
	return actions, nil
}

func (s *Store) DeleteScheduledAction(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM scheduled_actions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete scheduled action %d: %w", id, err)
	}
	return nil
}

func (s *Store) BumpScheduledAction(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE scheduled_actions SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to bump scheduled action %d: %w", id, err)
	}
	return attempts, nil
}

func (s *Store) AddAuditEntry(ctx context.Context, entry model.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (guild_id, user_id, level, event, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.GuildID, entry.UserID, entry.Level, entry.Event, entry.Details, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditEntries(ctx context.Context, guildID string, since time.Time) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, guild_id, user_id, level, event, details, created_at
		FROM audit_logs
		WHERE guild_id = $1 AND created_at >= $2
		ORDER BY created_at DESC, id DESC
	`, guildID, since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AuditEntry, error) {
		var entry model.AuditEntry
		err := row.Scan(&entry.ID, &entry.GuildID, &entry.UserID, &entry.Level, &entry.Event, &entry.Details, &entry.CreatedAt)
		return entry, err
	})
}

func (s *Store) CleanupAuditEntries(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) AddWarning(ctx context.Context, warning model.Warning) (int64, error) {
	created := warning.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO warnings (guild_id, user_id, moderator_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, warning.GuildID, warning.UserID, warning.ModeratorID, warning.Reason, created).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add warning: %w", err)
	}
	return id, nil
}

func (s *Store) ListWarnings(ctx context.Context, guildID, userID string) ([]model.Warning, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, guild_id, user_id, moderator_id, reason, created_at
		FROM warnings
		WHERE guild_id = $1 AND user_id = $2
		ORDER BY created_at DESC, id DESC
	`, guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("list warnings: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Warning, error) {
		var w model.Warning
		err := row.Scan(&w.ID, &w.GuildID, &w.UserID, &w.ModeratorID, &w.Reason, &w.CreatedAt)
		return w, err
	})
}

func (s *Store) RemoveRecentWarnings(ctx context.Context, guildID, userID string, n int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM warnings WHERE id IN (
			SELECT id FROM warnings
			WHERE guild_id = $1 AND user_id = $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		)
	`, guildID, userID, n)
	if err != nil {
		return 0, fmt.Errorf("remove warnings: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectRules(rows pgx.Rows) ([]model.LevelRoleRule, error) {
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.LevelRoleRule, error) {
		var rule model.LevelRoleRule
		err := row.Scan(&rule.GuildID, &rule.Level, &rule.RoleID)
		return rule, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect level role rules: %w", err)
	}
	return rules, nil
}

func toSet(ids []string) model.IDSet {
	if len(ids) == 0 {
		return nil
	}
	return model.NewIDSet(ids...)
}

func ref(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
