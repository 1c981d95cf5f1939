// Package automod classifies guild messages, counts violations per member and
// escalates to a timeout when the count reaches the threshold.
package automod

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guildwarden/internal/history"
	"guildwarden/internal/keylock"
	"guildwarden/internal/model"
	"guildwarden/internal/modules/audit"
	"guildwarden/internal/modules/heuristics"
	"guildwarden/internal/sink"
	"guildwarden/internal/utils"

	"go.uber.org/zap"
)

type Store interface {
	GetGuildConfig(ctx context.Context, guildID string) (model.GuildConfig, error)
	GetViolationCounter(ctx context.Context, guildID, userID string) (model.ViolationCounter, error)
	SetViolationCounter(ctx context.Context, counter model.ViolationCounter) error
}

type Auditor interface {
	Log(ctx context.Context, level, guildID, userID, event, details string)
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Config struct {
	Threshold int
	Timeout   time.Duration
	DMNotices bool
	// Policy is the preset used when a guild has not picked one.
	Policy   string
	Denylist []string
}

func DefaultConfig() Config {
	return Config{
		Threshold: 3,
		Timeout:   10 * time.Minute,
		DMNotices: true,
		Policy:    heuristics.PolicySimple,
		Denylist:  heuristics.DefaultDenylist,
	}
}

type compiledPolicy struct {
	policy     heuristics.Policy
	evaluators []heuristics.Evaluator
}

// Outcome describes what one message did to its author's counter.
type Outcome struct {
	Kinds     []heuristics.Kind
	Count     int
	Escalated bool
}

func (o Outcome) Violated() bool { return len(o.Kinds) > 0 }

type Engine struct {
	cfg      Config
	store    Store
	sink     sink.Sink
	history  history.Provider
	locks    *keylock.Striped
	audit    Auditor
	logger   *zap.Logger
	clock    Clock
	policies map[string]compiledPolicy
	fallback compiledPolicy
}

// New wires the engine. history may be nil, in which case context-driven
// evaluators see no prior messages.
func New(cfg Config, store Store, out sink.Sink, recent history.Provider, locks *keylock.Striped, auditor Auditor, logger *zap.Logger) *Engine {
	defaults := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaults.Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Denylist == nil {
		cfg.Denylist = defaults.Denylist
	}
	if locks == nil {
		locks = keylock.New(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	policies := make(map[string]compiledPolicy, 2)
	for _, p := range []heuristics.Policy{heuristics.Simple(cfg.Denylist), heuristics.Strict(cfg.Denylist)} {
		policies[p.Name] = compiledPolicy{policy: p, evaluators: p.Evaluators()}
	}
	fallback, ok := policies[strings.ToLower(cfg.Policy)]
	if !ok {
		fallback = policies[heuristics.PolicySimple]
	}

	return &Engine{
		cfg:      cfg,
		store:    store,
		sink:     out,
		history:  recent,
		locks:    locks,
		audit:    auditor,
		logger:   logger,
		clock:    realClock{},
		policies: policies,
		fallback: fallback,
	}
}

func (e *Engine) WithClock(clock Clock) {
	e.clock = clock
}

func (e *Engine) Threshold() int { return e.cfg.Threshold }

func (e *Engine) policyFor(cfg model.GuildConfig) compiledPolicy {
	if cfg.Policy != "" {
		if p, ok := e.policies[strings.ToLower(cfg.Policy)]; ok {
			return p
		}
	}
	return e.fallback
}

// HandleMessage runs the evaluators against msg and applies the resulting
// violation, if any. A returned error means the counter could not be
// persisted and no action was taken.
func (e *Engine) HandleMessage(ctx context.Context, msg model.Message) (Outcome, error) {
	if msg.GuildID == "" || msg.Bypass {
		return Outcome{}, nil
	}
	cfg, err := e.store.GetGuildConfig(ctx, msg.GuildID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load guild config: %w", err)
	}
	if !cfg.AutomodEnabled {
		return Outcome{}, nil
	}

	policy := e.policyFor(cfg)
	kinds := e.evaluate(ctx, policy, cfg, msg)
	if len(kinds) == 0 {
		return Outcome{}, nil
	}

	outcome, err := e.recordViolation(ctx, msg)
	if err != nil {
		return Outcome{}, err
	}
	outcome.Kinds = kinds

	e.enforce(ctx, cfg, msg, outcome)
	return outcome, nil
}

func (e *Engine) evaluate(ctx context.Context, policy compiledPolicy, cfg model.GuildConfig, msg model.Message) []heuristics.Kind {
	var recent []model.Message
	if e.history != nil && policy.policy.NeedsContext() {
		prior, err := e.history.Recent(ctx, msg.ChannelID, policy.policy.ContextSize+1)
		if err != nil {
			e.logger.Warn("recent messages unavailable", zap.String("channel_id", msg.ChannelID), zap.Error(err))
		}
		for _, m := range prior {
			if m.ID != msg.ID {
				recent = append(recent, m)
			}
		}
		if len(recent) > policy.policy.ContextSize {
			recent = recent[:policy.policy.ContextSize]
		}
	}

	var kinds []heuristics.Kind
	for _, evaluator := range policy.evaluators {
		switch evaluator.Scope() {
		case heuristics.ScopeSpam:
			if cfg.SpamExempt.Has(msg.ChannelID) {
				continue
			}
		case heuristics.ScopeLink:
			if cfg.LinkExempt.Has(msg.ChannelID) {
				continue
			}
		}
		if evaluator.Evaluate(msg, recent) {
			kinds = append(kinds, evaluator.Kind())
		}
	}
	return kinds
}

// recordViolation is the only read-modify-write on the counter. The reset on
// escalation is part of the same write, so no reader sees count >= threshold.
func (e *Engine) recordViolation(ctx context.Context, msg model.Message) (Outcome, error) {
	unlock := e.locks.Lock("automod", msg.GuildID, msg.AuthorID)
	defer unlock()

	counter, err := e.store.GetViolationCounter(ctx, msg.GuildID, msg.AuthorID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load violation counter: %w", err)
	}

	count := counter.Count + 1
	outcome := Outcome{Count: count}
	counter.Count = count
	if count >= e.cfg.Threshold {
		counter.Count = 0
		outcome.Escalated = true
	}
	counter.GuildID = msg.GuildID
	counter.UserID = msg.AuthorID
	counter.LastViolation = e.clock.Now()

	if err := e.store.SetViolationCounter(ctx, counter); err != nil {
		return Outcome{}, fmt.Errorf("store violation counter: %w", err)
	}
	return outcome, nil
}

func (e *Engine) enforce(ctx context.Context, cfg model.GuildConfig, msg model.Message, outcome Outcome) {
	logger := e.logger.With(
		zap.String("guild_id", msg.GuildID),
		zap.String("user_id", msg.AuthorID),
		zap.String("channel_id", msg.ChannelID),
	)
	labels := kindLabels(outcome.Kinds)
	now := e.clock.Now()

	if err := e.sink.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
		logger.Warn("automod delete failed", zap.String("message_id", msg.ID), zap.Error(err))
	}

	if e.cfg.DMNotices {
		_ = e.sink.SendDirectNotice(ctx, msg.AuthorID, fmt.Sprintf(
			"Warning! Your message in **%s** was removed for: %s. This is warning %d/%d. At %d warnings, you will be temporarily muted.",
			guildLabel(msg), strings.Join(labels, ", "), outcome.Count, e.cfg.Threshold, e.cfg.Threshold,
		))
	}

	if cfg.LogChannelID != "" {
		record := sink.LogRecord{
			GuildID:   msg.GuildID,
			UserID:    msg.AuthorID,
			ChannelID: msg.ChannelID,
			Kinds:     labels,
			Count:     outcome.Count,
			Threshold: e.cfg.Threshold,
			Escalated: outcome.Escalated,
			Timestamp: now,
		}
		if containsKind(outcome.Kinds, heuristics.KindLink) {
			record.Hosts = utils.LinkHosts(msg.Content)
		}
		if err := e.sink.PostLogRecord(ctx, cfg.LogChannelID, record); err != nil {
			logger.Debug("automod log record failed", zap.Error(err))
		}
	}

	e.log(ctx, audit.LevelWarn, msg, "automod_violation", fmt.Sprintf("%s (%d/%d)", strings.Join(labels, ", "), outcome.Count, e.cfg.Threshold))

	if !outcome.Escalated {
		return
	}

	until := now.Add(e.cfg.Timeout)
	reason := fmt.Sprintf("Automod: %d violations reached", e.cfg.Threshold)
	if err := e.sink.ApplyTimeout(ctx, msg.GuildID, msg.AuthorID, until, reason); err != nil {
		logger.Warn("automod timeout failed", zap.Error(err))
		e.log(ctx, audit.LevelWarn, msg, "automod_action_failed", fmt.Sprintf("timeout: %v", err))
		return
	}
	if e.cfg.DMNotices {
		_ = e.sink.SendDirectNotice(ctx, msg.AuthorID, fmt.Sprintf(
			"You have been automatically muted for %s in **%s** for reaching %d automod violations.",
			humanDuration(e.cfg.Timeout), guildLabel(msg), e.cfg.Threshold,
		))
	}
	e.log(ctx, audit.LevelCrit, msg, "automod_timeout", fmt.Sprintf("timed out until %s", until.UTC().Format(time.RFC3339)))
}

func (e *Engine) log(ctx context.Context, level string, msg model.Message, event, details string) {
	if e.audit == nil {
		return
	}
	e.audit.Log(ctx, level, msg.GuildID, msg.AuthorID, event, details)
}

func kindLabels(kinds []heuristics.Kind) []string {
	labels := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		labels = append(labels, string(kind))
	}
	return labels
}

func containsKind(kinds []heuristics.Kind, want heuristics.Kind) bool {
	for _, kind := range kinds {
		if kind == want {
			return true
		}
	}
	return false
}

func guildLabel(msg model.Message) string {
	if msg.GuildName != "" {
		return msg.GuildName
	}
	return "this server"
}

func humanDuration(d time.Duration) string {
	switch {
	case d%time.Hour == 0 && d >= time.Hour:
		n := int(d / time.Hour)
		if n == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", n)
	case d%time.Minute == 0 && d >= time.Minute:
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	default:
		return d.String()
	}
}
