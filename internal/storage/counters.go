package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"guildwarden/internal/model"
)

type violationRow struct {
	GuildID       string `db:"guild_id"`
	UserID        string `db:"user_id"`
	Count         int    `db:"count"`
	LastViolation int64  `db:"last_violation"`
}

type levelStateRow struct {
	GuildID    string `db:"guild_id"`
	UserID     string `db:"user_id"`
	Experience int    `db:"experience"`
	LastScored int64  `db:"last_scored"`
}

func (r levelStateRow) toModel() model.LevelState {
	return model.LevelState{
		GuildID:    r.GuildID,
		UserID:     r.UserID,
		Experience: r.Experience,
		LastScored: fromMillis(r.LastScored),
	}
}

func (s *Store) GetViolationCounter(ctx context.Context, guildID, userID string) (model.ViolationCounter, error) {
	counter := model.ViolationCounter{GuildID: guildID, UserID: userID}

	var row violationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT guild_id, user_id, count, last_violation
		FROM violation_counters
		WHERE guild_id = ? AND user_id = ?
	`, guildID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return counter, nil
		}
		return model.ViolationCounter{}, fmt.Errorf("get violation counter: %w", err)
	}
	counter.Count = row.Count
	counter.LastViolation = fromMillis(row.LastViolation)
	return counter, nil
}

func (s *Store) SetViolationCounter(ctx context.Context, counter model.ViolationCounter) error {
	if counter.Count < 0 {
		return fmt.Errorf("set violation counter: negative count %d", counter.Count)
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO violation_counters (guild_id, user_id, count, last_violation)
		VALUES (:guild_id, :user_id, :count, :last_violation)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			count = excluded.count,
			last_violation = excluded.last_violation
	`, violationRow{
		GuildID:       counter.GuildID,
		UserID:        counter.UserID,
		Count:         counter.Count,
		LastViolation: toMillis(counter.LastViolation),
	})
	if err != nil {
		return fmt.Errorf("set violation counter: %w", err)
	}
	return nil
}

func (s *Store) GetLevelState(ctx context.Context, guildID, userID string) (model.LevelState, bool, error) {
	var row levelStateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT guild_id, user_id, experience, last_scored
		FROM level_states
		WHERE guild_id = ? AND user_id = ?
	`, guildID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.LevelState{GuildID: guildID, UserID: userID}, false, nil
		}
		return model.LevelState{}, false, fmt.Errorf("get level state: %w", err)
	}
	return row.toModel(), true, nil
}

func (s *Store) SetLevelState(ctx context.Context, state model.LevelState) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO level_states (guild_id, user_id, experience, last_scored)
		VALUES (:guild_id, :user_id, :experience, :last_scored)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			experience = excluded.experience,
			last_scored = excluded.last_scored
	`, levelStateRow{
		GuildID:    state.GuildID,
		UserID:     state.UserID,
		Experience: state.Experience,
		LastScored: toMillis(state.LastScored),
	})
	if err != nil {
		return fmt.Errorf("set level state: %w", err)
	}
	return nil
}

// IterateLevelStates walks every stored level state in key order. Each page is
// read fully before fn runs, so fn may call back into the store.
func (s *Store) IterateLevelStates(ctx context.Context, fn func(model.LevelState) error) error {
	lastGuild, lastUser := "", ""
	for {
		var rows []levelStateRow
		err := s.db.SelectContext(ctx, &rows, `
			SELECT guild_id, user_id, experience, last_scored
			FROM level_states
			WHERE guild_id > ? OR (guild_id = ? AND user_id > ?)
			ORDER BY guild_id, user_id
			LIMIT ?
		`, lastGuild, lastGuild, lastUser, IterateBatch)
		if err != nil {
			return fmt.Errorf("iterate level states: %w", err)
		}
		for _, row := range rows {
			if err := fn(row.toModel()); err != nil {
				return err
			}
		}
		if len(rows) < IterateBatch {
			return nil
		}
		last := rows[len(rows)-1]
		lastGuild, lastUser = last.GuildID, last.UserID
	}
}
