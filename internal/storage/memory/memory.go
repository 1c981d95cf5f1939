// Package memory is a process-local Gateway used by tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"guildwarden/internal/model"
	"guildwarden/internal/storage"
)

type userKey struct {
	guildID string
	userID  string
}

type Store struct {
	mu       sync.Mutex
	configs  map[string]model.GuildConfig
	counters map[userKey]model.ViolationCounter
	levels   map[userKey]model.LevelState
	rules    map[model.LevelRoleRule]struct{}
	actions  map[int64]model.ScheduledAction
	audit    []model.AuditEntry
	warnings []model.Warning
	nextID   int64
}

var _ storage.Gateway = (*Store)(nil)

func New() *Store {
	return &Store{
		configs:  make(map[string]model.GuildConfig),
		counters: make(map[userKey]model.ViolationCounter),
		levels:   make(map[userKey]model.LevelState),
		rules:    make(map[model.LevelRoleRule]struct{}),
		actions:  make(map[int64]model.ScheduledAction),
	}
}

func (s *Store) Migrate() error { return nil }

func (s *Store) Close() {}

func cloneSet(set model.IDSet) model.IDSet {
	if set == nil {
		return nil
	}
	return model.NewIDSet(set.Sorted()...)
}

func cloneConfig(cfg model.GuildConfig) model.GuildConfig {
	cfg.SpamExempt = cloneSet(cfg.SpamExempt)
	cfg.LinkExempt = cloneSet(cfg.LinkExempt)
	cfg.StaffRoles = cloneSet(cfg.StaffRoles)
	return cfg
}

func (s *Store) GetGuildConfig(ctx context.Context, guildID string) (model.GuildConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[guildID]
	if !ok {
		return model.GuildConfig{GuildID: guildID}, nil
	}
	return cloneConfig(cfg), nil
}

func (s *Store) UpsertGuildConfig(ctx context.Context, cfg model.GuildConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.GuildID] = cloneConfig(cfg)
	return nil
}

func (s *Store) GetViolationCounter(ctx context.Context, guildID, userID string) (model.ViolationCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[userKey{guildID, userID}]
	if !ok {
		return model.ViolationCounter{GuildID: guildID, UserID: userID}, nil
	}
	return counter, nil
}

func (s *Store) SetViolationCounter(ctx context.Context, counter model.ViolationCounter) error {
	if counter.Count < 0 {
		return fmt.Errorf("set violation counter: negative count %d", counter.Count)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[userKey{counter.GuildID, counter.UserID}] = counter
	return nil
}

func (s *Store) GetLevelState(ctx context.Context, guildID, userID string) (model.LevelState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.levels[userKey{guildID, userID}]
	if !ok {
		return model.LevelState{GuildID: guildID, UserID: userID}, false, nil
	}
	return state, true, nil
}

func (s *Store) SetLevelState(ctx context.Context, state model.LevelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[userKey{state.GuildID, state.UserID}] = state
	return nil
}

func (s *Store) IterateLevelStates(ctx context.Context, fn func(model.LevelState) error) error {
	s.mu.Lock()
	states := make([]model.LevelState, 0, len(s.levels))
	for _, state := range s.levels {
		states = append(states, state)
	}
	s.mu.Unlock()

	sort.Slice(states, func(i, j int) bool {
		if states[i].GuildID != states[j].GuildID {
			return states[i].GuildID < states[j].GuildID
		}
		return states[i].UserID < states[j].UserID
	})
	for _, state := range states {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetLevelRoleRules(ctx context.Context, guildID string) ([]model.LevelRoleRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rules []model.LevelRoleRule
	for rule := range s.rules {
		if rule.GuildID == guildID {
			rules = append(rules, rule)
		}
	}
	sortRules(rules)
	return rules, nil
}

func (s *Store) ListAllLevelRoleRules(ctx context.Context) ([]model.LevelRoleRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := make([]model.LevelRoleRule, 0, len(s.rules))
	for rule := range s.rules {
		rules = append(rules, rule)
	}
	sortRules(rules)
	return rules, nil
}

func (s *Store) AddLevelRoleRule(ctx context.Context, rule model.LevelRoleRule) error {
	if rule.Level < 0 {
		return fmt.Errorf("add level role rule: negative level %d", rule.Level)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule] = struct{}{}
	return nil
}

func (s *Store) RemoveLevelRoleRule(ctx context.Context, guildID, roleID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for rule := range s.rules {
		if rule.GuildID == guildID && rule.RoleID == roleID {
			delete(s.rules, rule)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) AddScheduledAction(ctx context.Context, action model.ScheduledAction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	action.ID = s.nextID
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now()
	}
	s.actions[action.ID] = action
	return action.ID, nil
}

func (s *Store) DueScheduledActions(ctx context.Context, now time.Time) ([]model.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.ScheduledAction
	for _, action := range s.actions {
		if !action.DueAt.After(now) {
			due = append(due, action)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

func (s *Store) DeleteScheduledAction(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actions, id)
	return nil
}

func (s *Store) BumpScheduledAction(ctx context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.actions[id]
	if !ok {
		return 0, fmt.Errorf("failed to bump scheduled action %d: not found", id)
	}
	action.Attempts++
	s.actions[id] = action
	return action.Attempts, nil
}

func (s *Store) AddAuditEntry(ctx context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	entry.ID = s.nextID
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) ListAuditEntries(ctx context.Context, guildID string, since time.Time) ([]model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []model.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		entry := s.audit[i]
		if entry.GuildID == guildID && !entry.CreatedAt.Before(since) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *Store) CleanupAuditEntries(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var removed int64
	for _, entry := range s.audit {
		if entry.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	s.audit = kept
	return removed, nil
}

func (s *Store) AddWarning(ctx context.Context, warning model.Warning) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	warning.ID = s.nextID
	if warning.CreatedAt.IsZero() {
		warning.CreatedAt = time.Now()
	}
	s.warnings = append(s.warnings, warning)
	return warning.ID, nil
}

func (s *Store) ListWarnings(ctx context.Context, guildID, userID string) ([]model.Warning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Warning
	for _, w := range s.warnings {
		if w.GuildID == guildID && w.UserID == userID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) RemoveRecentWarnings(ctx context.Context, guildID, userID string, n int) (int64, error) {
	recent, _ := s.ListWarnings(ctx, guildID, userID)
	if n < len(recent) {
		recent = recent[:n]
	}
	drop := make(map[int64]struct{}, len(recent))
	for _, w := range recent {
		drop[w.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.warnings[:0]
	for _, w := range s.warnings {
		if _, ok := drop[w.ID]; ok {
			continue
		}
		kept = append(kept, w)
	}
	s.warnings = kept
	return int64(len(drop)), nil
}

func sortRules(rules []model.LevelRoleRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].GuildID != rules[j].GuildID {
			return rules[i].GuildID < rules[j].GuildID
		}
		if rules[i].Level != rules[j].Level {
			return rules[i].Level < rules[j].Level
		}
		return rules[i].RoleID < rules[j].RoleID
	})
}
