package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guildwarden/internal/analytics"
	"guildwarden/internal/bot"
	"guildwarden/internal/config"
	"guildwarden/internal/health"
	"guildwarden/internal/history"
	"guildwarden/internal/keylock"
	"guildwarden/internal/modules/audit"
	"guildwarden/internal/modules/automod"
	"guildwarden/internal/modules/leveling"
	"guildwarden/internal/modules/moderation"
	"guildwarden/internal/rankcard"
	"guildwarden/internal/reconcile"
	"guildwarden/internal/schedule"
	"guildwarden/internal/storage"
	"guildwarden/internal/storage/postgres"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "guildwarden",
		Short:        "Discord automod and leveling bot",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), runBot)
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (default $CONFIG_PATH or config.yaml)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect to Discord and serve until interrupted",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEnv(cmd.Context(), runBot)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEnv(cmd.Context(), func(ctx context.Context, env *environment) error {
					env.logger.Info("migrations applied", zap.String("driver", env.cfg.Database.Driver))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Run one level-role reconciliation sweep and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEnv(cmd.Context(), runSweepOnce)
			},
		},
		&cobra.Command{
			Use:   "schedule",
			Short: "Execute due scheduled actions once and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEnv(cmd.Context(), runScheduleOnce)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type environment struct {
	cfg    config.Config
	logger *zap.Logger
	store  storage.Gateway
}

// withEnv loads configuration, builds the logger and opens a migrated store
// before handing over to fn.
func withEnv(ctx context.Context, fn func(context.Context, *environment) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("storage init failed", zap.Error(err))
		return err
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		logger.Error("migrations failed", zap.Error(err))
		return err
	}

	return fn(ctx, &environment{cfg: cfg, logger: logger, store: store})
}

func openStore(ctx context.Context, cfg config.Config) (storage.Gateway, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.Database.URL)
	default:
		return storage.New(cfg.Database.Path)
	}
}

func openHistory(cfg config.Config, logger *zap.Logger) (history.Provider, func(), error) {
	if cfg.History.Backend != config.HistoryRedis {
		return history.NewMemory(cfg.History.Size), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.History.Redis.Addr,
		Password: cfg.History.Redis.Password,
		DB:       cfg.History.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.History.Redis.Addr, err)
	}
	return history.NewRedis(client, cfg.History.Size, cfg.HistoryTTL(), logger), func() { _ = client.Close() }, nil
}

func runBot(ctx context.Context, env *environment) error {
	cfg, logger, store := env.cfg, env.logger, env.store
	if err := cfg.RequireToken(); err != nil {
		return err
	}

	session, err := bot.NewSession(cfg.DiscordToken)
	if err != nil {
		logger.Error("bot init failed", zap.Error(err))
		return err
	}
	out := bot.NewSink(session, cfg.EmbedColors)

	recent, closeHistory, err := openHistory(cfg, logger)
	if err != nil {
		logger.Error("history init failed", zap.Error(err))
		return err
	}
	defer closeHistory()

	locks := keylock.New(cfg.LockStripes)
	auditLogger := audit.NewLogger(store, logger.Named("audit"))

	automodEngine := automod.New(automod.Config{
		Threshold: cfg.Automod.Threshold,
		Timeout:   cfg.AutomodTimeout(),
		DMNotices: cfg.Automod.DMNotices,
		Policy:    cfg.Policy,
		Denylist:  cfg.Denylist,
	}, store, out, recent, locks, auditLogger, logger.Named("automod"))

	levelingEngine := leveling.New(leveling.Config{
		Award:    cfg.Leveling.Award,
		Cooldown: cfg.LevelingCooldown(),
	}, store, out, locks, logger.Named("leveling"))
	var cards leveling.CardRenderer
	if cfg.Leveling.RankCards {
		cards = rankcard.New()
		levelingEngine.WithCards(cards)
	}

	runner := schedule.New(store, out, logger.Named("schedule"), cfg.Scheduler.MaxAttempts)
	moderationSvc := moderation.New(store, out, runner, auditLogger, logger.Named("moderation"))
	sweeper := reconcile.New(store, out, logger.Named("reconcile"))

	botSvc := bot.New(cfg, logger, session, store, bot.Services{
		Automod:    automodEngine,
		Leveling:   levelingEngine,
		Moderation: moderationSvc,
		History:    recent,
		Analytics:  analytics.New(store),
		Audit:      auditLogger,
		Sink:       out,
		Cards:      cards,
	})
	if err := botSvc.Start(); err != nil {
		logger.Error("bot start failed", zap.Error(err))
		return err
	}
	logger.Info("bot started")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sweeper.Run(groupCtx, cfg.SweepInterval()) })
	group.Go(func() error { return runner.Run(groupCtx, cfg.SchedulerInterval()) })
	group.Go(func() error {
		return audit.RunRetention(groupCtx, store, cfg.Retention(), time.Hour, logger.Named("audit"))
	})
	if cfg.Health.Enabled {
		server := health.New(cfg.Health.Addr, health.SystemCollector{}, botSvc.Probe, logger.Named("health"))
		group.Go(func() error { return server.Run(groupCtx) })
	}

	<-groupCtx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := botSvc.Close(shutdownCtx); err != nil {
		logger.Warn("bot close failed", zap.Error(err))
	}
	return group.Wait()
}

// restSink builds a sink for one-shot commands; REST calls work without
// opening the gateway.
func restSink(cfg config.Config) (*bot.Sink, error) {
	if err := cfg.RequireToken(); err != nil {
		return nil, err
	}
	session, err := bot.NewSession(cfg.DiscordToken)
	if err != nil {
		return nil, err
	}
	return bot.NewSink(session, cfg.EmbedColors), nil
}

func runSweepOnce(ctx context.Context, env *environment) error {
	out, err := restSink(env.cfg)
	if err != nil {
		return err
	}
	report, err := reconcile.New(env.store, out, env.logger.Named("reconcile")).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("scanned=%d granted=%d skipped=%d failed=%d\n", report.Scanned, report.Granted, report.Skipped, report.Failed)
	return nil
}

func runScheduleOnce(ctx context.Context, env *environment) error {
	out, err := restSink(env.cfg)
	if err != nil {
		return err
	}
	report, err := schedule.New(env.store, out, env.logger.Named("schedule"), env.cfg.Scheduler.MaxAttempts).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("due=%d done=%d retrying=%d abandoned=%d\n", report.Due, report.Done, report.Retrying, report.Abandoned)
	return nil
}
