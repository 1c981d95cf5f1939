package bot

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"guildwarden/internal/analytics"
	"guildwarden/internal/config"
	"guildwarden/internal/history"
	"guildwarden/internal/model"
	"guildwarden/internal/modules/audit"
	"guildwarden/internal/modules/automod"
	"guildwarden/internal/modules/leveling"
	"guildwarden/internal/modules/moderation"
	"guildwarden/internal/storage"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Services are the engines the gateway handlers feed.
type Services struct {
	Automod    *automod.Engine
	Leveling   *leveling.Engine
	Moderation *moderation.Service
	History    history.Provider
	Analytics  *analytics.Service
	Audit      *audit.Logger
	Sink       *Sink
	Cards      leveling.CardRenderer
}

type Bot struct {
	cfg        config.Config
	logger     *zap.Logger
	store      storage.Gateway
	session    *discordgo.Session
	automod    *automod.Engine
	leveling   *leveling.Engine
	moderation *moderation.Service
	history    history.Provider
	analytics  *analytics.Service
	audit      *audit.Logger
	sink       *Sink
	cards      leveling.CardRenderer
}

// NewSession prepares an unopened session with the intents the handlers need.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent
	return session, nil
}

func New(cfg config.Config, logger *zap.Logger, session *discordgo.Session, store storage.Gateway, services Services) *Bot {
	b := &Bot{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		session:    session,
		automod:    services.Automod,
		leveling:   services.Leveling,
		moderation: services.Moderation,
		history:    services.History,
		analytics:  services.Analytics,
		audit:      services.Audit,
		sink:       services.Sink,
		cards:      services.Cards,
	}
	if b.sink == nil {
		b.sink = NewSink(session, cfg.EmbedColors)
	}
	if b.audit != nil {
		b.audit.SetNotifier(func(ctx context.Context, entry model.AuditEntry) {
			// automod posts its own log record
			if entry.Level != audit.LevelCrit || strings.HasPrefix(entry.Event, "automod_") {
				return
			}
			b.notifyAudit(ctx, entry)
		})
	}
	return b
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}
	return b.registerCommands()
}

// Close disconnects the gateway, giving up once ctx is done.
func (b *Bot) Close(ctx context.Context) error {
	if b.session == nil {
		return nil
	}
	return closeWithin(ctx, b.session.Close)
}

func closeWithin(ctx context.Context, closeFn func() error) error {
	done := make(chan error, 1)
	go func() { done <- closeFn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("close session: %w", ctx.Err())
	}
}

// Probe feeds the health endpoint.
func (b *Bot) Probe() (int, time.Duration) {
	if b.session == nil || b.session.State == nil {
		return 0, 0
	}
	b.session.State.RLock()
	guilds := len(b.session.State.Guilds)
	b.session.State.RUnlock()
	return guilds, b.session.HeartbeatLatency()
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", session.State.User.Username), zap.Int("guilds", len(event.Guilds)))
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}
	if msg.GuildID == "" {
		return
	}

	ctx := context.Background()
	logger := b.logger.With(
		zap.String("trace_id", uuid.NewString()),
		zap.String("guild_id", msg.GuildID),
		zap.String("channel_id", msg.ChannelID),
		zap.String("user_id", msg.Author.ID),
	)

	cfg := b.guildConfig(ctx, msg.GuildID)
	message := b.toMessage(session, msg, cfg)

	if b.history != nil {
		if err := b.history.Record(ctx, message); err != nil {
			logger.Warn("history record failed", zap.Error(err))
		}
	}

	if b.automod != nil {
		outcome, err := b.automod.HandleMessage(ctx, message)
		if err != nil {
			logger.Error("automod failed", zap.Error(err))
		} else if outcome.Violated() {
			logger.Debug("automod violation", zap.Int("count", outcome.Count), zap.Bool("escalated", outcome.Escalated))
		}
	}

	if b.leveling != nil {
		outcome, err := b.leveling.HandleMessage(ctx, message)
		if err != nil {
			logger.Error("leveling failed", zap.Error(err))
		} else if outcome.LeveledUp {
			logger.Debug("leveled up", zap.Int("level", outcome.Level))
		}
	}
}

func (b *Bot) toMessage(session *discordgo.Session, msg *discordgo.MessageCreate, cfg model.GuildConfig) model.Message {
	message := model.Message{
		ID:         msg.ID,
		GuildID:    msg.GuildID,
		ChannelID:  msg.ChannelID,
		AuthorID:   msg.Author.ID,
		AuthorName: msg.Author.Username,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	if guild, err := session.State.Guild(msg.GuildID); err == nil && guild != nil {
		message.GuildName = guild.Name
	}

	var roles []string
	if msg.Member != nil {
		roles = msg.Member.Roles
		if msg.Member.Nick != "" {
			message.AuthorName = msg.Member.Nick
		}
	}
	perms, err := session.State.UserChannelPermissions(msg.Author.ID, msg.ChannelID)
	if err != nil {
		perms = 0
	}
	message.Bypass = isStaff(perms, roles, cfg.StaffRoles)
	return message
}

// isStaff reports whether a member may moderate and skips automod: Manage
// Messages, Administrator, or any configured staff role.
func isStaff(perms int64, roles []string, staff model.IDSet) bool {
	if perms&(discordgo.PermissionManageMessages|discordgo.PermissionAdministrator) != 0 {
		return true
	}
	for _, roleID := range roles {
		if staff.Has(roleID) {
			return true
		}
	}
	return false
}

func (b *Bot) guildConfig(ctx context.Context, guildID string) model.GuildConfig {
	cfg, err := b.store.GetGuildConfig(ctx, guildID)
	if err != nil {
		b.logger.Warn("guild config fallback", zap.String("guild_id", guildID), zap.Error(err))
		return model.GuildConfig{GuildID: guildID}
	}
	return cfg
}

func (b *Bot) notifyAudit(ctx context.Context, entry model.AuditEntry) {
	cfg := b.guildConfig(ctx, entry.GuildID)
	if cfg.LogChannelID == "" {
		return
	}
	if _, err := b.session.ChannelMessageSendEmbed(cfg.LogChannelID, b.auditEmbed(entry)); err != nil {
		b.logger.Debug("audit mirror failed", zap.String("guild_id", entry.GuildID), zap.Error(err))
	}
}

func (b *Bot) auditEmbed(entry model.AuditEntry) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Event", Value: entry.Event, Inline: true},
		{Name: "Level", Value: entry.Level, Inline: true},
	}
	if entry.UserID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "User", Value: "<@" + entry.UserID + ">", Inline: true})
	}
	if entry.Details != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Details", Value: entry.Details, Inline: false})
	}
	return &discordgo.MessageEmbed{
		Title:     "Moderation action",
		Color:     b.cfg.EmbedColors.Action,
		Timestamp: entry.CreatedAt.Format(time.RFC3339),
		Fields:    fields,
	}
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	})
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	if embed == nil {
		b.respond(session, interaction, "No response available.", ephemeral)
		return
	}
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
}

func (b *Bot) respondFile(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, name string, data []byte) {
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Files: []*discordgo.File{{
				Name:        name,
				ContentType: "image/png",
				Reader:      bytes.NewReader(data),
			}},
		},
	})
}

func formatReport(report analytics.Report) string {
	return fmt.Sprintf("Total: %d | INFO: %d | WARN: %d | CRIT: %d", report.Total, report.ByLevel[audit.LevelInfo], report.ByLevel[audit.LevelWarn], report.ByLevel[audit.LevelCrit])
}
