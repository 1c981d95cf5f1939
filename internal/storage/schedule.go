package storage

import (
	"context"
	"fmt"
	"time"

	"guildwarden/internal/model"
)

type scheduledActionRow struct {
	ID        int64  `db:"id"`
	Kind      string `db:"kind"`
	GuildID   string `db:"guild_id"`
	UserID    string `db:"user_id"`
	Reason    string `db:"reason"`
	DueAt     int64  `db:"due_at"`
	Attempts  int    `db:"attempts"`
	CreatedAt int64  `db:"created_at"`
}

func (s *Store) AddScheduledAction(ctx context.Context, action model.ScheduledAction) (int64, error) {
	created := action.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	result, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scheduled_actions (kind, guild_id, user_id, reason, due_at, attempts, created_at)
		VALUES (:kind, :guild_id, :user_id, :reason, :due_at, :attempts, :created_at)
	`, scheduledActionRow{
		Kind:      string(action.Kind),
		GuildID:   action.GuildID,
		UserID:    action.UserID,
		Reason:    action.Reason,
		DueAt:     action.DueAt.UnixMilli(),
		Attempts:  action.Attempts,
		CreatedAt: created.UnixMilli(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert scheduled action: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) DueScheduledActions(ctx context.Context, now time.Time) ([]model.ScheduledAction, error) {
	var rows []scheduledActionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, kind, guild_id, user_id, reason, due_at, attempts, created_at
		FROM scheduled_actions
		WHERE due_at <= ?
		ORDER BY due_at, id
	`, now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to get due actions: %w", err)
	}

	actions := make([]model.ScheduledAction, 0, len(rows))
	for _, row := range rows {
		actions = append(actions, model.ScheduledAction{
			ID:        row.ID,
			Kind:      model.ActionKind(row.Kind),
			GuildID:   row.GuildID,
			UserID:    row.UserID,
			Reason:    row.Reason,
			DueAt:     time.UnixMilli(row.DueAt),
			Attempts:  row.Attempts,
			CreatedAt: time.UnixMilli(row.CreatedAt),
		})
	}
	return actions, nil
}

func (s *Store) DeleteScheduledAction(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete scheduled action %d: %w", id, err)
	}
	return nil
}

// BumpScheduledAction records a failed attempt and returns the new attempt count.
func (s *Store) BumpScheduledAction(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := s.db.QueryRowxContext(ctx, `
		UPDATE scheduled_actions SET attempts = attempts + 1 WHERE id = ? RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to bump scheduled action %d: %w", id, err)
	}
	return attempts, nil
}
