package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"guildwarden/internal/config"
	"guildwarden/internal/model"
	"guildwarden/internal/sink"

	"github.com/bwmarrin/discordgo"
)

// Discord JSON error codes we map onto the sink sentinels.
const (
	codeUnknownChannel     = 10003
	codeUnknownMember      = 10007
	codeUnknownMessage     = 10008
	codeUnknownRole        = 10011
	codeUnknownUser        = 10013
	codeUnknownBan         = 10026
	codeMissingPermissions = 50013
	codeCannotDMUser       = 50007
)

// Sink performs platform actions through a discordgo session.
type Sink struct {
	session *discordgo.Session
	colors  config.EmbedColors
}

var _ sink.Sink = (*Sink)(nil)

func NewSink(session *discordgo.Session, colors config.EmbedColors) *Sink {
	return &Sink{session: session, colors: colors}
}

func (s *Sink) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)))
}

func (s *Sink) SendDirectNotice(ctx context.Context, userID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	channel, err := s.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return classify(err)
	}
	_, err = s.session.ChannelMessageSend(channel.ID, text, discordgo.WithContext(ctx))
	return classify(err)
}

func (s *Sink) PostLogRecord(ctx context.Context, channelID string, record sink.LogRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.session.ChannelMessageSendEmbed(channelID, logEmbed(record, s.colors), discordgo.WithContext(ctx))
	return classify(err)
}

func (s *Sink) ApplyTimeout(ctx context.Context, guildID, userID string, until time.Time, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.session.GuildMemberTimeout(guildID, userID, &until, requestOptions(ctx, reason)...))
}

func (s *Sink) RemoveTimeout(ctx context.Context, guildID, userID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.session.GuildMemberTimeout(guildID, userID, nil, requestOptions(ctx, reason)...))
}

func (s *Sink) Ban(ctx context.Context, guildID, userID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.session.GuildBanCreateWithReason(guildID, userID, reason, 0, discordgo.WithContext(ctx)))
}

func (s *Sink) Kick(ctx context.Context, guildID, userID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.session.GuildMemberDeleteWithReason(guildID, userID, reason, discordgo.WithContext(ctx)))
}

func (s *Sink) Unban(ctx context.Context, guildID, userID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.session.GuildBanDelete(guildID, userID, requestOptions(ctx, reason)...))
}

func (s *Sink) GrantRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.session.GuildMemberRoleAdd(guildID, userID, roleID, requestOptions(ctx, reason)...))
}

func (s *Sink) Announce(ctx context.Context, announcement sink.Announcement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	send := &discordgo.MessageSend{
		Content: announcement.Text,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Users: []string{announcement.UserID},
		},
	}
	if len(announcement.Card) > 0 {
		send.Files = []*discordgo.File{{
			Name:        "rank.png",
			ContentType: "image/png",
			Reader:      bytes.NewReader(announcement.Card),
		}}
	}
	_, err := s.session.ChannelMessageSendComplex(announcement.ChannelID, send, discordgo.WithContext(ctx))
	return classify(err)
}

func (s *Sink) MemberRoles(ctx context.Context, guildID, userID string) (model.IDSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if member, err := s.session.State.Member(guildID, userID); err == nil && member != nil {
		return model.NewIDSet(member.Roles...), nil
	}
	member, err := s.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return model.NewIDSet(member.Roles...), nil
}

// requestOptions binds the call to ctx and records reason in the guild audit log.
func requestOptions(ctx context.Context, reason string) []discordgo.RequestOption {
	options := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if reason != "" {
		options = append(options, discordgo.WithAuditLogReason(reason))
	}
	return options
}

// classify wraps REST failures in sink.ErrPermission or sink.ErrNotFound so
// callers can match them with errors.Is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case codeMissingPermissions, codeCannotDMUser:
			return fmt.Errorf("%w: %v", sink.ErrPermission, err)
		case codeUnknownChannel, codeUnknownMember, codeUnknownMessage,
			codeUnknownRole, codeUnknownUser, codeUnknownBan:
			return fmt.Errorf("%w: %v", sink.ErrNotFound, err)
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", sink.ErrPermission, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", sink.ErrNotFound, err)
		}
	}
	return err
}

func logEmbed(record sink.LogRecord, colors config.EmbedColors) *discordgo.MessageEmbed {
	title := "Automod violation"
	color := colors.Warning
	if record.Escalated {
		title = "Automod timeout"
		color = colors.Action
	}
	violations := strings.Join(record.Kinds, ", ")
	if violations == "" {
		violations = "unknown"
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "User", Value: "<@" + record.UserID + ">", Inline: true},
		{Name: "Channel", Value: "<#" + record.ChannelID + ">", Inline: true},
		{Name: "Warnings", Value: fmt.Sprintf("%d/%d", record.Count, record.Threshold), Inline: true},
		{Name: "Violations", Value: violations, Inline: false},
	}
	if len(record.Hosts) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Links", Value: strings.Join(record.Hosts, "\n"), Inline: false})
	}
	stamp := record.Timestamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	return &discordgo.MessageEmbed{
		Title:     title,
		Color:     color,
		Timestamp: stamp.Format(time.RFC3339),
		Fields:    fields,
	}
}
