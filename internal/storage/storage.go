package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"guildwarden/internal/model"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is the default SQLite-backed Gateway.
type Store struct {
	db *sqlx.DB
}

var _ Gateway = (*Store)(nil)

type guildConfigRow struct {
	GuildID        string `db:"guild_id"`
	AutomodEnabled int    `db:"automod_enabled"`
	LogChannelID   string `db:"log_channel_id"`
	LevelChannelID string `db:"level_channel_id"`
	VerifiedRoleID string `db:"verified_role_id"`
	Policy         string `db:"policy"`
}

type guildIDRow struct {
	Kind string `db:"kind"`
	ID   string `db:"id"`
}

func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
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

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join("migrations", file))
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			if isIgnorableMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
	}
	return nil
}

func (s *Store) GetGuildConfig(ctx context.Context, guildID string) (model.GuildConfig, error) {
	result := model.GuildConfig{GuildID: guildID}

	var row guildConfigRow
	err := s.db.GetContext(ctx, &row, `
		SELECT guild_id, automod_enabled, log_channel_id, level_channel_id, verified_role_id, policy
		FROM guild_config WHERE guild_id = ?`, guildID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, nil
		}
		return model.GuildConfig{}, fmt.Errorf("get guild config %s: %w", guildID, err)
	}
	result.AutomodEnabled = row.AutomodEnabled == 1
	result.LogChannelID = row.LogChannelID
	result.LevelChannelID = row.LevelChannelID
	result.VerifiedRoleID = row.VerifiedRoleID
	result.Policy = row.Policy

	var ids []guildIDRow
	if err := s.db.SelectContext(ctx, &ids, `SELECT kind, id FROM guild_config_ids WHERE guild_id = ?`, guildID); err != nil {
		return model.GuildConfig{}, fmt.Errorf("get guild config ids %s: %w", guildID, err)
	}
	for _, id := range ids {
		switch id.Kind {
		case idKindSpamExempt:
			result.SpamExempt.Add(id.ID)
		case idKindLinkExempt:
			result.LinkExempt.Add(id.ID)
		case idKindStaffRole:
			result.StaffRoles.Add(id.ID)
		}
	}
	return result, nil
}

func (s *Store) UpsertGuildConfig(ctx context.Context, cfg model.GuildConfig) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO guild_config (guild_id, automod_enabled, log_channel_id, level_channel_id, verified_role_id, policy)
		VALUES (:guild_id, :automod_enabled, :log_channel_id, :level_channel_id, :verified_role_id, :policy)
		ON CONFLICT(guild_id) DO UPDATE SET
			automod_enabled = excluded.automod_enabled,
			log_channel_id = excluded.log_channel_id,
			level_channel_id = excluded.level_channel_id,
			verified_role_id = excluded.verified_role_id,
			policy = excluded.policy
	`, guildConfigRow{
		GuildID:        cfg.GuildID,
		AutomodEnabled: boolToInt(cfg.AutomodEnabled),
		LogChannelID:   cfg.LogChannelID,
		LevelChannelID: cfg.LevelChannelID,
		VerifiedRoleID: cfg.VerifiedRoleID,
		Policy:         cfg.Policy,
	})
	if err != nil {
		return fmt.Errorf("upsert guild config %s: %w", cfg.GuildID, err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM guild_config_ids WHERE guild_id = ?`, cfg.GuildID); err != nil {
		return err
	}
	sets := []struct {
		kind string
		ids  model.IDSet
	}{
		{idKindSpamExempt, cfg.SpamExempt},
		{idKindLinkExempt, cfg.LinkExempt},
		{idKindStaffRole, cfg.StaffRoles},
	}
	for _, set := range sets {
		for _, id := range set.ids.Sorted() {
			if _, err = tx.ExecContext(ctx, `INSERT INTO guild_config_ids (guild_id, kind, id) VALUES (?, ?, ?)`, cfg.GuildID, set.kind, id); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "duplicate column name") || strings.Contains(message, "already exists")
}
