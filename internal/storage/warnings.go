package storage

import (
	"context"
	"fmt"
	"time"

	"guildwarden/internal/model"
)

type warningRow struct {
	ID          int64  `db:"id"`
	GuildID     string `db:"guild_id"`
	UserID      string `db:"user_id"`
	ModeratorID string `db:"moderator_id"`
	Reason      string `db:"reason"`
	CreatedAt   int64  `db:"created_at"`
}

func (s *Store) AddWarning(ctx context.Context, warning model.Warning) (int64, error) {
	created := warning.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	result, err := s.db.NamedExecContext(ctx, `
		INSERT INTO warnings (guild_id, user_id, moderator_id, reason, created_at)
		VALUES (:guild_id, :user_id, :moderator_id, :reason, :created_at)
	`, warningRow{
		GuildID:     warning.GuildID,
		UserID:      warning.UserID,
		ModeratorID: warning.ModeratorID,
		Reason:      warning.Reason,
		CreatedAt:   created.UnixMilli(),
	})
	if err != nil {
		return 0, fmt.Errorf("add warning: %w", err)
	}
	return result.LastInsertId()
}

// ListWarnings returns a member's warnings, newest first.
func (s *Store) ListWarnings(ctx context.Context, guildID, userID string) ([]model.Warning, error) {
	var rows []warningRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, guild_id, user_id, moderator_id, reason, created_at
		FROM warnings
		WHERE guild_id = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC
	`, guildID, userID); err != nil {
		return nil, fmt.Errorf("list warnings: %w", err)
	}
	warnings := make([]model.Warning, 0, len(rows))
	for _, row := range rows {
		warnings = append(warnings, model.Warning{
			ID:          row.ID,
			GuildID:     row.GuildID,
			UserID:      row.UserID,
			ModeratorID: row.ModeratorID,
			Reason:      row.Reason,
			CreatedAt:   time.UnixMilli(row.CreatedAt),
		})
	}
	return warnings, nil
}

// RemoveRecentWarnings deletes up to n of the member's newest warnings.
func (s *Store) RemoveRecentWarnings(ctx context.Context, guildID, userID string, n int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM warnings WHERE id IN (
			SELECT id FROM warnings
			WHERE guild_id = ? AND user_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, guildID, userID, n)
	if err != nil {
		return 0, fmt.Errorf("remove warnings: %w", err)
	}
	return result.RowsAffected()
}
