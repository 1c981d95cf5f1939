package audit

import (
	"context"
	"time"

	"guildwarden/internal/model"

	"go.uber.org/zap"
)

const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
	LevelCrit = "CRIT"
)

// Store is the slice of the gateway the logger writes to.
type Store interface {
	AddAuditEntry(ctx context.Context, entry model.AuditEntry) error
}

type Logger struct {
	store  Store
	logger *zap.Logger
	notify func(context.Context, model.AuditEntry)
	now    func() time.Time
}

func NewLogger(store Store, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{store: store, logger: logger, now: time.Now}
}

// SetNotifier registers a hook called after every entry, e.g. to mirror CRIT
// events to a guild channel.
func (l *Logger) SetNotifier(notify func(context.Context, model.AuditEntry)) {
	l.notify = notify
}

func (l *Logger) Log(ctx context.Context, level, guildID, userID, event, details string) {
	entry := model.AuditEntry{
		GuildID:   guildID,
		UserID:    userID,
		Level:     level,
		Event:     event,
		Details:   details,
		CreatedAt: l.now(),
	}
	if l.store != nil {
		if err := l.store.AddAuditEntry(ctx, entry); err != nil {
			l.logger.Warn("audit persist failed", zap.String("event", event), zap.Error(err))
		}
	}
	if l.notify != nil {
		l.notify(ctx, entry)
	}
	l.logger.Info("audit",
		zap.String("level", level),
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("event", event),
		zap.String("details", details),
	)
}

// Cleaner deletes audit entries older than a cutoff.
type Cleaner interface {
	CleanupAuditEntries(ctx context.Context, before time.Time) (int64, error)
}

// Prune removes entries older than retention. A non-positive retention keeps everything.
func Prune(ctx context.Context, store Cleaner, retention time.Duration, now time.Time) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	return store.CleanupAuditEntries(ctx, now.Add(-retention))
}

// RunRetention prunes once at startup and then every interval until ctx is done.
func RunRetention(ctx context.Context, store Cleaner, retention, interval time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	prune := func() {
		removed, err := Prune(ctx, store, retention, time.Now())
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("audit retention failed", zap.Error(err))
			}
			return
		}
		if removed > 0 {
			logger.Info("audit entries pruned", zap.Int64("removed", removed))
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			prune()
		}
	}
}
