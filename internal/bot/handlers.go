package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"guildwarden/internal/model"
	"guildwarden/internal/modules/audit"
	"guildwarden/internal/modules/moderation"
	"guildwarden/internal/sink"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const defaultReportDays = 7

type optionMap map[string]*discordgo.ApplicationCommandInteractionDataOption

func toOptionMap(options []*discordgo.ApplicationCommandInteractionDataOption) optionMap {
	out := make(optionMap, len(options))
	for _, opt := range options {
		out[opt.Name] = opt
	}
	return out
}

func (m optionMap) text(name string) string {
	if opt, ok := m[name]; ok && opt.Type == discordgo.ApplicationCommandOptionString {
		return strings.TrimSpace(opt.StringValue())
	}
	return ""
}

func (m optionMap) number(name string, fallback int) int {
	if opt, ok := m[name]; ok && opt.Type == discordgo.ApplicationCommandOptionInteger {
		return int(opt.IntValue())
	}
	return fallback
}

func (m optionMap) userID(name string) string {
	if opt, ok := m[name]; ok && opt.Type == discordgo.ApplicationCommandOptionUser {
		return opt.UserValue(nil).ID
	}
	return ""
}

func (m optionMap) roleID(name string) string {
	if opt, ok := m[name]; ok && opt.Type == discordgo.ApplicationCommandOptionRole {
		return opt.RoleValue(nil, "").ID
	}
	return ""
}

func (m optionMap) channelID(name string) string {
	if opt, ok := m[name]; ok && opt.Type == discordgo.ApplicationCommandOptionChannel {
		return opt.ChannelValue(nil).ID
	}
	return ""
}

// split unwraps a subcommand invocation into its name and arguments.
func split(options []*discordgo.ApplicationCommandInteractionDataOption) (string, optionMap) {
	if len(options) == 1 && options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return options[0].Name, toOptionMap(options[0].Options)
	}
	return "", toOptionMap(options)
}

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if interaction.GuildID == "" || interaction.Member == nil || interaction.Member.User == nil {
		b.respondEmbed(session, interaction, b.errorEmbed("This command only works inside a server."), true)
		return
	}

	ctx := context.Background()
	data := interaction.ApplicationCommandData()
	cfg := b.guildConfig(ctx, interaction.GuildID)

	switch data.Name {
	case "level":
		b.handleLevel(ctx, session, interaction, data)
		return
	case "verify":
		b.handleVerify(ctx, session, interaction, cfg)
		return
	}

	if !isStaff(interaction.Member.Permissions, interaction.Member.Roles, cfg.StaffRoles) {
		b.respondEmbed(session, interaction, b.errorEmbed("You don't have permission to use this command."), true)
		return
	}

	switch data.Name {
	case "automod":
		b.handleAutomod(ctx, session, interaction, cfg, data.Options)
	case "leveling":
		b.handleLeveling(ctx, session, interaction, cfg, data.Options)
	case "levelrole":
		b.handleLevelRole(ctx, session, interaction, data.Options)
	case "warn", "warnings", "unwarn", "timeout", "untimeout", "ban", "unban", "kick":
		b.handleModeration(ctx, session, interaction, data)
	default:
		b.respondEmbed(session, interaction, b.errorEmbed("Unknown command."), true)
	}
}

func (b *Bot) handleAutomod(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, cfg model.GuildConfig, options []*discordgo.ApplicationCommandInteractionDataOption) {
	sub, args := split(options)
	var message string

	switch sub {
	case "status":
		b.respondEmbed(session, interaction, b.automodStatusEmbed(cfg), true)
		return
	case "report":
		b.handleReport(ctx, session, interaction, args.number("days", defaultReportDays))
		return
	case "enable":
		cfg.AutomodEnabled = true
		message = "Automod has been enabled for this server."
	case "disable":
		cfg.AutomodEnabled = false
		message = "Automod has been disabled for this server."
	case "log":
		cfg.LogChannelID = args.channelID("channel")
		message = fmt.Sprintf("Automod log channel set to <#%s>.", cfg.LogChannelID)
	case "exempt", "unexempt":
		channelID := args.channelID("channel")
		set := &cfg.SpamExempt
		label := "Spam"
		if args.text("scope") == "links" {
			set = &cfg.LinkExempt
			label = "Links"
		}
		if sub == "exempt" {
			set.Add(channelID)
			message = fmt.Sprintf("%s is now allowed in <#%s>.", label, channelID)
		} else {
			set.Remove(channelID)
			message = fmt.Sprintf("%s is checked again in <#%s>.", label, channelID)
		}
	case "policy":
		cfg.Policy = args.text("name")
		message = fmt.Sprintf("Automod policy set to **%s**.", cfg.Policy)
	case "staff":
		roleID := args.roleID("role")
		if cfg.StaffRoles.Has(roleID) {
			cfg.StaffRoles.Remove(roleID)
			message = fmt.Sprintf("<@&%s> is no longer a staff role.", roleID)
		} else {
			cfg.StaffRoles.Add(roleID)
			message = fmt.Sprintf("<@&%s> is now a staff role.", roleID)
		}
	case "verified":
		cfg.VerifiedRoleID = args.roleID("role")
		message = fmt.Sprintf("/verify now grants <@&%s>.", cfg.VerifiedRoleID)
	default:
		b.respondEmbed(session, interaction, b.errorEmbed("Unknown subcommand."), true)
		return
	}

	b.saveConfig(ctx, session, interaction, cfg, "Automod", message, "automod "+sub)
}

func (b *Bot) handleLeveling(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, cfg model.GuildConfig, options []*discordgo.ApplicationCommandInteractionDataOption) {
	sub, args := split(options)
	if sub != "channel" {
		b.respondEmbed(session, interaction, b.errorEmbed("Unknown subcommand."), true)
		return
	}
	cfg.LevelChannelID = args.channelID("channel")
	b.saveConfig(ctx, session, interaction, cfg, "Leveling", fmt.Sprintf("Level-up announcements will be sent to <#%s>.", cfg.LevelChannelID), "leveling channel")
}

func (b *Bot) saveConfig(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, cfg model.GuildConfig, title, message, event string) {
	cfg.GuildID = interaction.GuildID
	if err := b.store.UpsertGuildConfig(ctx, cfg); err != nil {
		b.logger.Error("guild config save failed", zap.String("guild_id", cfg.GuildID), zap.Error(err))
		b.respondEmbed(session, interaction, b.errorEmbed("Could not save the configuration. Try again later."), true)
		return
	}
	if b.audit != nil {
		b.audit.Log(ctx, audit.LevelInfo, cfg.GuildID, interaction.Member.User.ID, "config", event)
	}
	b.respondEmbed(session, interaction, b.commandEmbed(title, message, b.cfg.EmbedColors.Info, nil), true)
}

func (b *Bot) automodStatusEmbed(cfg model.GuildConfig) *discordgo.MessageEmbed {
	state := "disabled"
	if cfg.AutomodEnabled {
		state = "enabled"
	}
	policy := cfg.Policy
	if policy == "" {
		policy = b.cfg.Policy
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "State", Value: state, Inline: true},
		{Name: "Policy", Value: policy, Inline: true},
		{Name: "Log channel", Value: mentionOr(cfg.LogChannelID, "<#%s>"), Inline: true},
		{Name: "Level channel", Value: mentionOr(cfg.LevelChannelID, "<#%s>"), Inline: true},
		{Name: "Verified role", Value: mentionOr(cfg.VerifiedRoleID, "<@&%s>"), Inline: true},
		{Name: "Spam allowed in", Value: mentionList(cfg.SpamExempt, "<#%s>"), Inline: false},
		{Name: "Links allowed in", Value: mentionList(cfg.LinkExempt, "<#%s>"), Inline: false},
		{Name: "Staff roles", Value: mentionList(cfg.StaffRoles, "<@&%s>"), Inline: false},
	}
	return b.commandEmbed("Automod", "", b.cfg.EmbedColors.Info, fields)
}

func (b *Bot) handleReport(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, days int) {
	if b.analytics == nil {
		b.respondEmbed(session, interaction, b.errorEmbed("Reports are not available."), true)
		return
	}
	if days <= 0 {
		days = defaultReportDays
	}
	since := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	report, err := b.analytics.Report(ctx, interaction.GuildID, since)
	if err != nil {
		b.logger.Error("report failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respondEmbed(session, interaction, b.errorEmbed("Could not build the report."), true)
		return
	}

	var events []string
	for _, event := range report.Events() {
		events = append(events, fmt.Sprintf("%s: %d", event, report.ByEvent[event]))
	}
	var users []string
	for _, user := range report.TopUsers {
		users = append(users, fmt.Sprintf("<@%s>: %d", user.UserID, user.Count))
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Events", Value: orNone(strings.Join(events, "\n")), Inline: true},
		{Name: "Most involved", Value: orNone(strings.Join(users, "\n")), Inline: true},
	}
	title := fmt.Sprintf("Moderation report (last %d days)", days)
	b.respondEmbed(session, interaction, b.commandEmbed(title, formatReport(report), b.cfg.EmbedColors.Info, fields), true)
}

func (b *Bot) handleLevelRole(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	sub, args := split(options)
	guildID := interaction.GuildID

	switch sub {
	case "add":
		level := args.number("level", 0)
		roleID := args.roleID("role")
		if level < 1 {
			b.respondEmbed(session, interaction, b.errorEmbed("Level must be at least 1."), true)
			return
		}
		if err := b.store.AddLevelRoleRule(ctx, model.LevelRoleRule{GuildID: guildID, Level: level, RoleID: roleID}); err != nil {
			b.logger.Error("level role add failed", zap.String("guild_id", guildID), zap.Error(err))
			b.respondEmbed(session, interaction, b.errorEmbed("Could not save the level role."), true)
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Level roles", fmt.Sprintf("Members reaching level **%d** will get <@&%s>.", level, roleID), b.cfg.EmbedColors.Info, nil), true)
	case "remove":
		roleID := args.roleID("role")
		removed, err := b.store.RemoveLevelRoleRule(ctx, guildID, roleID)
		if err != nil {
			b.logger.Error("level role remove failed", zap.String("guild_id", guildID), zap.Error(err))
			b.respondEmbed(session, interaction, b.errorEmbed("Could not remove the level role."), true)
			return
		}
		if removed == 0 {
			b.respondEmbed(session, interaction, b.commandEmbed("Level roles", fmt.Sprintf("<@&%s> is not a level role.", roleID), b.cfg.EmbedColors.Info, nil), true)
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Level roles", fmt.Sprintf("<@&%s> is no longer granted by level.", roleID), b.cfg.EmbedColors.Info, nil), true)
	case "list":
		rules, err := b.store.GetLevelRoleRules(ctx, guildID)
		if err != nil {
			b.logger.Error("level role list failed", zap.String("guild_id", guildID), zap.Error(err))
			b.respondEmbed(session, interaction, b.errorEmbed("Could not load the level roles."), true)
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Level roles", formatRules(rules), b.cfg.EmbedColors.Info, nil), true)
	default:
		b.respondEmbed(session, interaction, b.errorEmbed("Unknown subcommand."), true)
	}
}

func formatRules(rules []model.LevelRoleRule) string {
	if len(rules) == 0 {
		return "No level roles configured."
	}
	sorted := append([]model.LevelRoleRule(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Level != sorted[j].Level {
			return sorted[i].Level < sorted[j].Level
		}
		return sorted[i].RoleID < sorted[j].RoleID
	})
	lines := make([]string, 0, len(sorted))
	for _, rule := range sorted {
		lines = append(lines, fmt.Sprintf("Level %d: <@&%s>", rule.Level, rule.RoleID))
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) handleLevel(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if b.leveling == nil {
		b.respondEmbed(session, interaction, b.errorEmbed("Leveling is not available."), true)
		return
	}
	args := toOptionMap(data.Options)
	userID := args.userID("user")
	name := resolvedName(data, userID)
	if userID == "" {
		userID = interaction.Member.User.ID
		name = memberName(interaction.Member)
	}

	state, ok, err := b.leveling.Rank(ctx, interaction.GuildID, userID)
	if err != nil {
		b.logger.Error("rank lookup failed", zap.String("guild_id", interaction.GuildID), zap.String("user_id", userID), zap.Error(err))
		b.respondEmbed(session, interaction, b.errorEmbed("Could not load the level."), true)
		return
	}
	if !ok {
		b.respondEmbed(session, interaction, b.commandEmbed("Level", fmt.Sprintf("<@%s> has not earned any experience yet.", userID), b.cfg.EmbedColors.Info, nil), false)
		return
	}

	into := state.Experience % model.ExperiencePerLevel
	fields := []*discordgo.MessageEmbedField{
		{Name: "Level", Value: fmt.Sprintf("%d", state.Level()), Inline: true},
		{Name: "Experience", Value: fmt.Sprintf("%d", state.Experience), Inline: true},
		{Name: "Next level", Value: fmt.Sprintf("%d/%d", into, model.ExperiencePerLevel), Inline: true},
	}
	embed := b.commandEmbed("Level", fmt.Sprintf("<@%s>", userID), b.cfg.EmbedColors.Info, fields)
	if b.cards != nil {
		card, err := b.cards.Render(state, name)
		if err == nil {
			embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://rank.png"}
			b.respondFile(session, interaction, embed, "rank.png", card)
			return
		}
		b.logger.Warn("rank card render failed", zap.Error(err))
	}
	b.respondEmbed(session, interaction, embed, false)
}

func (b *Bot) handleVerify(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, cfg model.GuildConfig) {
	if cfg.VerifiedRoleID == "" {
		b.respondEmbed(session, interaction, b.errorEmbed("Verification is not configured on this server."), true)
		return
	}
	userID := interaction.Member.User.ID
	if err := b.sink.GrantRole(ctx, interaction.GuildID, userID, cfg.VerifiedRoleID, "Verification"); err != nil {
		b.logger.Warn("verify grant failed", zap.String("guild_id", interaction.GuildID), zap.String("user_id", userID), zap.Error(err))
		b.respondEmbed(session, interaction, b.errorEmbed(actionError("give you the verified role", err)), true)
		return
	}
	if b.audit != nil {
		b.audit.Log(ctx, audit.LevelInfo, interaction.GuildID, userID, "verify", "verified role granted")
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Verification", "You are now verified.", b.cfg.EmbedColors.Info, nil), true)
}

func (b *Bot) handleModeration(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if b.moderation == nil {
		b.respondEmbed(session, interaction, b.errorEmbed("Moderation is not available."), true)
		return
	}
	args := toOptionMap(data.Options)
	guildID := interaction.GuildID
	userID := args.userID("user")
	actor := moderation.Actor{ID: interaction.Member.User.ID, Name: interaction.Member.User.Username}
	reason := args.text("reason")
	shownReason := reason
	if shownReason == "" {
		shownReason = "No reason provided"
	}
	mention := "<@" + userID + ">"

	switch data.Name {
	case "warn":
		warning, total, err := b.moderation.Warn(ctx, guildID, userID, actor, reason)
		if err != nil {
			b.failModeration(session, interaction, "warn this user", err)
			return
		}
		fields := []*discordgo.MessageEmbedField{
			{Name: "User", Value: mention, Inline: true},
			{Name: "Moderator", Value: "<@" + actor.ID + ">", Inline: true},
			{Name: "Reason", Value: warning.Reason, Inline: false},
			{Name: "Total warnings", Value: fmt.Sprintf("%d", total), Inline: true},
		}
		b.respondEmbed(session, interaction, b.commandEmbed("User warned", "", b.cfg.EmbedColors.Warning, fields), false)
	case "warnings":
		recent, total, err := b.moderation.Warnings(ctx, guildID, userID)
		if err != nil {
			b.failModeration(session, interaction, "load warnings", err)
			return
		}
		if total == 0 {
			b.respondEmbed(session, interaction, b.commandEmbed("Warnings", mention+" has no warnings.", b.cfg.EmbedColors.Info, nil), true)
			return
		}
		fields := make([]*discordgo.MessageEmbedField, 0, len(recent))
		for i, warning := range recent {
			fields = append(fields, &discordgo.MessageEmbedField{
				Name:  fmt.Sprintf("Warning %d", i+1),
				Value: fmt.Sprintf("**Reason:** %s\n**Date:** <t:%d:f>", warning.Reason, warning.CreatedAt.Unix()),
			})
		}
		description := fmt.Sprintf("%s has %d warning(s).", mention, total)
		if total > len(recent) {
			description += fmt.Sprintf(" Showing the latest %d.", len(recent))
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Warnings", description, b.cfg.EmbedColors.Warning, fields), true)
	case "unwarn":
		removed, err := b.moderation.RemoveWarnings(ctx, guildID, userID, actor, args.number("count", 1))
		if err != nil {
			b.failModeration(session, interaction, "remove warnings", err)
			return
		}
		if removed == 0 {
			b.respondEmbed(session, interaction, b.commandEmbed("Warnings", mention+" has no warnings to remove.", b.cfg.EmbedColors.Info, nil), true)
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Warnings", fmt.Sprintf("Removed %d warning(s) from %s.", removed, mention), b.cfg.EmbedColors.Info, nil), false)
	case "timeout":
		until, err := b.moderation.Timeout(ctx, guildID, userID, actor, args.text("duration"), reason)
		if err != nil {
			b.failModeration(session, interaction, "timeout this user", err)
			return
		}
		fields := []*discordgo.MessageEmbedField{
			{Name: "User", Value: mention, Inline: true},
			{Name: "Until", Value: fmt.Sprintf("<t:%d:f>", until.Unix()), Inline: true},
			{Name: "Reason", Value: shownReason, Inline: false},
		}
		b.respondEmbed(session, interaction, b.commandEmbed("User muted", "", b.cfg.EmbedColors.Action, fields), false)
	case "untimeout":
		if err := b.moderation.RemoveTimeout(ctx, guildID, userID, actor); err != nil {
			b.failModeration(session, interaction, "remove the timeout from this user", err)
			return
		}
		b.respond(session, interaction, mention+" has been unmuted.", false)
	case "ban":
		until, err := b.moderation.Ban(ctx, guildID, userID, actor, args.text("duration"), reason)
		if err != nil {
			b.failModeration(session, interaction, "ban this user", err)
			return
		}
		duration := "Permanent"
		if !until.IsZero() {
			duration = fmt.Sprintf("Until <t:%d:f>", until.Unix())
		}
		fields := []*discordgo.MessageEmbedField{
			{Name: "User", Value: mention, Inline: true},
			{Name: "Duration", Value: duration, Inline: true},
			{Name: "Reason", Value: shownReason, Inline: false},
		}
		b.respondEmbed(session, interaction, b.commandEmbed("User banned", "", b.cfg.EmbedColors.Action, fields), false)
	case "unban":
		if err := b.moderation.Unban(ctx, guildID, userID, actor); err != nil {
			b.failModeration(session, interaction, "unban this user", err)
			return
		}
		b.respond(session, interaction, mention+" has been unbanned.", false)
	case "kick":
		if err := b.moderation.Kick(ctx, guildID, userID, actor, reason); err != nil {
			b.failModeration(session, interaction, "kick this user", err)
			return
		}
		fields := []*discordgo.MessageEmbedField{
			{Name: "User", Value: mention, Inline: true},
			{Name: "Reason", Value: shownReason, Inline: false},
		}
		b.respondEmbed(session, interaction, b.commandEmbed("User kicked", "", b.cfg.EmbedColors.Action, fields), false)
	}
}

func (b *Bot) failModeration(session *discordgo.Session, interaction *discordgo.InteractionCreate, action string, err error) {
	if !errors.Is(err, moderation.ErrInvalidInput) {
		b.logger.Warn("moderation command failed",
			zap.String("guild_id", interaction.GuildID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
	b.respondEmbed(session, interaction, b.errorEmbed(actionError(action, err)), true)
}

// actionError turns a service error into the text shown to the moderator.
func actionError(action string, err error) string {
	switch {
	case errors.Is(err, moderation.ErrInvalidInput):
		return strings.TrimPrefix(err.Error(), moderation.ErrInvalidInput.Error()+": ")
	case errors.Is(err, sink.ErrPermission):
		return fmt.Sprintf("I don't have permission to %s.", action)
	case errors.Is(err, sink.ErrNotFound):
		return fmt.Sprintf("Could not %s: not found.", action)
	default:
		return fmt.Sprintf("Could not %s. Try again later.", action)
	}
}

func (b *Bot) commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}
}

func (b *Bot) errorEmbed(description string) *discordgo.MessageEmbed {
	return b.commandEmbed("Error", description, b.cfg.EmbedColors.Warning, nil)
}

func resolvedName(data discordgo.ApplicationCommandInteractionData, userID string) string {
	if data.Resolved != nil {
		if member, ok := data.Resolved.Members[userID]; ok && member != nil && member.Nick != "" {
			return member.Nick
		}
		if user, ok := data.Resolved.Users[userID]; ok && user != nil {
			return user.Username
		}
	}
	return userID
}

func memberName(member *discordgo.Member) string {
	if member.Nick != "" {
		return member.Nick
	}
	return member.User.Username
}

func mentionOr(id, format string) string {
	if id == "" {
		return "not set"
	}
	return fmt.Sprintf(format, id)
}

func mentionList(set model.IDSet, format string) string {
	if len(set) == 0 {
		return "none"
	}
	ids := set.Sorted()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, fmt.Sprintf(format, id))
	}
	return strings.Join(out, ", ")
}

func orNone(value string) string {
	if value == "" {
		return "none"
	}
	return value
}
