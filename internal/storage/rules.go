package storage

import (
	"context"
	"fmt"

	"guildwarden/internal/model"
)

type levelRoleRow struct {
	GuildID string `db:"guild_id"`
	Level   int    `db:"level"`
	RoleID  string `db:"role_id"`
}

func toRules(rows []levelRoleRow) []model.LevelRoleRule {
	rules := make([]model.LevelRoleRule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, model.LevelRoleRule{GuildID: row.GuildID, Level: row.Level, RoleID: row.RoleID})
	}
	return rules
}

func (s *Store) GetLevelRoleRules(ctx context.Context, guildID string) ([]model.LevelRoleRule, error) {
	var rows []levelRoleRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT guild_id, level, role_id FROM level_role_rules
		WHERE guild_id = ?
		ORDER BY level, role_id
	`, guildID); err != nil {
		return nil, fmt.Errorf("get level role rules: %w", err)
	}
	return toRules(rows), nil
}

func (s *Store) ListAllLevelRoleRules(ctx context.Context) ([]model.LevelRoleRule, error) {
	var rows []levelRoleRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT guild_id, level, role_id FROM level_role_rules
		ORDER BY guild_id, level, role_id
	`); err != nil {
		return nil, fmt.Errorf("list level role rules: %w", err)
	}
	return toRules(rows), nil
}

func (s *Store) AddLevelRoleRule(ctx context.Context, rule model.LevelRoleRule) error {
	if rule.Level < 0 {
		return fmt.Errorf("add level role rule: negative level %d", rule.Level)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO level_role_rules (guild_id, level, role_id) VALUES (?, ?, ?)
	`, rule.GuildID, rule.Level, rule.RoleID)
	return err
}

// RemoveLevelRoleRule drops every rule granting roleID in the guild.
func (s *Store) RemoveLevelRoleRule(ctx context.Context, guildID, roleID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM level_role_rules WHERE guild_id = ? AND role_id = ?`, guildID, roleID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
