// Package sink describes the outbound side effects the engines request from the platform.
package sink

import (
	"context"
	"errors"
	"time"

	"guildwarden/internal/model"
)

var (
	ErrPermission = errors.New("sink: missing permission")
	ErrNotFound   = errors.New("sink: target not found")
)

// LogRecord is the moderator-facing summary of one automod violation.
type LogRecord struct {
	GuildID   string
	UserID    string
	ChannelID string
	Kinds     []string
	Count     int
	Threshold int
	Hosts     []string
	Escalated bool
	Timestamp time.Time
}

type Announcement struct {
	GuildID   string
	ChannelID string
	UserID    string
	Level     int
	Text      string
	// Card is an optional PNG attachment.
	Card []byte
}

// Sink performs best-effort platform actions. Implementations classify
// failures with ErrPermission and ErrNotFound where they can.
type Sink interface {
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	SendDirectNotice(ctx context.Context, userID, text string) error
	PostLogRecord(ctx context.Context, channelID string, record LogRecord) error
	ApplyTimeout(ctx context.Context, guildID, userID string, until time.Time, reason string) error
	GrantRole(ctx context.Context, guildID, userID, roleID, reason string) error
	Announce(ctx context.Context, announcement Announcement) error
	RemoveTimeout(ctx context.Context, guildID, userID, reason string) error
	Ban(ctx context.Context, guildID, userID, reason string) error
	Kick(ctx context.Context, guildID, userID, reason string) error
	Unban(ctx context.Context, guildID, userID, reason string) error
	MemberRoles(ctx context.Context, guildID, userID string) (model.IDSet, error)
}
