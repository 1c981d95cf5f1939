package storage

import (
	"context"
	"time"

	"guildwarden/internal/model"
)

type auditRow struct {
	ID        int64  `db:"id"`
	GuildID   string `db:"guild_id"`
	UserID    string `db:"user_id"`
	Level     string `db:"level"`
	Event     string `db:"event"`
	Details   string `db:"details"`
	CreatedAt int64  `db:"created_at"`
}

func (s *Store) AddAuditEntry(ctx context.Context, entry model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (guild_id, user_id, level, event, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.GuildID, entry.UserID, entry.Level, entry.Event, entry.Details, entry.CreatedAt.Unix())
	return err
}

func (s *Store) ListAuditEntries(ctx context.Context, guildID string, since time.Time) ([]model.AuditEntry, error) {
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, guild_id, user_id, level, event, details, created_at
		FROM audit_logs
		WHERE guild_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
	`, guildID, since.Unix()); err != nil {
		return nil, err
	}

	entries := make([]model.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, model.AuditEntry{
			ID:        row.ID,
			GuildID:   row.GuildID,
			UserID:    row.UserID,
			Level:     row.Level,
			Event:     row.Event,
			Details:   row.Details,
			CreatedAt: time.Unix(row.CreatedAt, 0),
		})
	}
	return entries, nil
}

func (s *Store) CleanupAuditEntries(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
