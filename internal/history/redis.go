package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"guildwarden/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "guildwarden:history:"

type redisEntry struct {
	ID        string `json:"id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"ts"`
}

// Redis shares channel context between restarts through a capped list per channel.
type Redis struct {
	client *redis.Client
	size   int
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedis(client *redis.Client, size int, ttl time.Duration, logger *zap.Logger) *Redis {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{client: client, size: size, ttl: ttl, logger: logger}
}

func (r *Redis) Record(ctx context.Context, msg model.Message) error {
	payload, err := json.Marshal(redisEntry{
		ID:        msg.ID,
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp.UnixMilli(),
	})
	if err != nil {
		return err
	}

	key := keyPrefix + msg.ChannelID
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, int64(r.size-1))
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

func (r *Redis) Recent(ctx context.Context, channelID string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	values, err := r.client.LRange(ctx, keyPrefix+channelID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}

	messages := make([]model.Message, 0, len(values))
	for _, value := range values {
		var entry redisEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			r.logger.Warn("skipping malformed history entry", zap.String("channel_id", channelID), zap.Error(err))
			continue
		}
		messages = append(messages, model.Message{
			ID:        entry.ID,
			GuildID:   entry.GuildID,
			ChannelID: entry.ChannelID,
			AuthorID:  entry.AuthorID,
			Content:   entry.Content,
			Timestamp: time.UnixMilli(entry.Timestamp),
		})
	}
	return messages, nil
}
