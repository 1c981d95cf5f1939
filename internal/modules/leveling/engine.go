// Package leveling turns message activity into experience and levels.
package leveling

import (
	"context"
	"fmt"
	"time"

	"guildwarden/internal/keylock"
	"guildwarden/internal/model"
	"guildwarden/internal/sink"

	"go.uber.org/zap"
)

type Store interface {
	GetGuildConfig(ctx context.Context, guildID string) (model.GuildConfig, error)
	GetLevelState(ctx context.Context, guildID, userID string) (model.LevelState, bool, error)
	SetLevelState(ctx context.Context, state model.LevelState) error
	GetLevelRoleRules(ctx context.Context, guildID string) ([]model.LevelRoleRule, error)
}

// CardRenderer draws the image attached to level-up announcements.
type CardRenderer interface {
	Render(state model.LevelState, label string) ([]byte, error)
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Config struct {
	Award    int
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{Award: 15, Cooldown: 60 * time.Second}
}

const grantReason = "Level reward"

type Outcome struct {
	Awarded    bool
	Created    bool
	LeveledUp  bool
	Level      int
	Experience int
	Granted    []string
}

type Engine struct {
	cfg    Config
	store  Store
	sink   sink.Sink
	locks  *keylock.Striped
	cards  CardRenderer
	logger *zap.Logger
	clock  Clock
}

func New(cfg Config, store Store, out sink.Sink, locks *keylock.Striped, logger *zap.Logger) *Engine {
	defaults := DefaultConfig()
	if cfg.Award <= 0 {
		cfg.Award = defaults.Award
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	if locks == nil {
		locks = keylock.New(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, store: store, sink: out, locks: locks, logger: logger, clock: realClock{}}
}

func (e *Engine) WithClock(clock Clock) {
	e.clock = clock
}

// WithCards attaches rendered cards to announcements. A nil renderer disables them.
func (e *Engine) WithCards(cards CardRenderer) {
	e.cards = cards
}

// HandleMessage scores one guild message. Messages inside the cooldown leave
// the state untouched, timestamp included.
func (e *Engine) HandleMessage(ctx context.Context, msg model.Message) (Outcome, error) {
	if msg.GuildID == "" {
		return Outcome{}, nil
	}

	before, after, outcome, err := e.score(ctx, msg)
	if err != nil || !outcome.LeveledUp {
		return outcome, err
	}

	granted, err := e.levelUp(ctx, msg, before, after)
	outcome.Granted = granted
	return outcome, err
}

func (e *Engine) score(ctx context.Context, msg model.Message) (model.LevelState, model.LevelState, Outcome, error) {
	unlock := e.locks.Lock("leveling", msg.GuildID, msg.AuthorID)
	defer unlock()

	now := e.clock.Now()
	state, ok, err := e.store.GetLevelState(ctx, msg.GuildID, msg.AuthorID)
	if err != nil {
		return model.LevelState{}, model.LevelState{}, Outcome{}, fmt.Errorf("load level state: %w", err)
	}

	if !ok {
		created := model.LevelState{GuildID: msg.GuildID, UserID: msg.AuthorID, Experience: e.cfg.Award, LastScored: now}
		if err := e.store.SetLevelState(ctx, created); err != nil {
			return model.LevelState{}, model.LevelState{}, Outcome{}, fmt.Errorf("store level state: %w", err)
		}
		return created, created, Outcome{Awarded: true, Created: true, Level: created.Level(), Experience: created.Experience}, nil
	}

	if now.Sub(state.LastScored) < e.cfg.Cooldown {
		return state, state, Outcome{Level: state.Level(), Experience: state.Experience}, nil
	}

	next := state
	next.Experience += e.cfg.Award
	next.LastScored = now
	if err := e.store.SetLevelState(ctx, next); err != nil {
		return model.LevelState{}, model.LevelState{}, Outcome{}, fmt.Errorf("store level state: %w", err)
	}
	return state, next, Outcome{
		Awarded:    true,
		LeveledUp:  next.Level() > state.Level(),
		Level:      next.Level(),
		Experience: next.Experience,
	}, nil
}

func (e *Engine) levelUp(ctx context.Context, msg model.Message, before, after model.LevelState) ([]string, error) {
	logger := e.logger.With(zap.String("guild_id", msg.GuildID), zap.String("user_id", msg.AuthorID), zap.Int("level", after.Level()))

	cfg, err := e.store.GetGuildConfig(ctx, msg.GuildID)
	if err != nil {
		return nil, fmt.Errorf("load guild config: %w", err)
	}
	if cfg.LevelChannelID != "" {
		announcement := sink.Announcement{
			GuildID:   msg.GuildID,
			ChannelID: cfg.LevelChannelID,
			UserID:    msg.AuthorID,
			Level:     after.Level(),
			Text:      fmt.Sprintf("Thanks for staying active <@%s>! You just reached level **%d**. Keep going!", msg.AuthorID, after.Level()),
		}
		if e.cards != nil {
			card, err := e.cards.Render(after, displayName(msg))
			if err != nil {
				logger.Warn("rank card render failed", zap.Error(err))
			} else {
				announcement.Card = card
			}
		}
		if err := e.sink.Announce(ctx, announcement); err != nil {
			logger.Debug("level announcement failed", zap.Error(err))
		}
	}

	rules, err := e.store.GetLevelRoleRules(ctx, msg.GuildID)
	if err != nil {
		return nil, fmt.Errorf("load level role rules: %w", err)
	}
	var granted []string
	for _, rule := range rules {
		if rule.Level != after.Level() {
			continue
		}
		if err := e.sink.GrantRole(ctx, msg.GuildID, msg.AuthorID, rule.RoleID, grantReason); err != nil {
			logger.Warn("level role grant failed", zap.String("role_id", rule.RoleID), zap.Error(err))
			continue
		}
		granted = append(granted, rule.RoleID)
	}
	logger.Info("level up", zap.Int("previous_level", before.Level()), zap.Strings("granted", granted))
	return granted, nil
}

// Rank returns the member's stored state; ok is false when they never scored.
func (e *Engine) Rank(ctx context.Context, guildID, userID string) (model.LevelState, bool, error) {
	state, ok, err := e.store.GetLevelState(ctx, guildID, userID)
	if err != nil {
		return model.LevelState{}, false, fmt.Errorf("load level state: %w", err)
	}
	return state, ok, nil
}

func displayName(msg model.Message) string {
	if msg.AuthorName != "" {
		return msg.AuthorName
	}
	return msg.AuthorID
}
